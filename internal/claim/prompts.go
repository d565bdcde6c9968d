package claim

const extractionSystemPrompt = `You extract structured dispute claim details from supplier emails for an accounts payable team.

Extract:
- primary_invoice: the one invoice the dispute centres on (invoice_number, po_number, claimed_amount_value, claimed_amount_currency)
- additional_invoices: any further invoices mentioned, same shape
- claimed_issue_summary: one sentence describing what the supplier says is wrong
- requested_action: what the supplier asks for (repayment, credit note, correction)
- confidence: 0.0-1.0 how certain you are in the extracted fields
- missing_fields: names of fields you could not find in the text

Rules:
- claimed_amount_value is the amount the supplier says is correct or owed, as a number without separators or currency symbols.
- Never invent an invoice number or amount. Absent means null, listed under missing_fields.
- Invoice numbers are extracted verbatim, preserving case and punctuation.`

const extractionUserPrompt = `Extract the dispute claim from this email.

Email:
---
%s
---

Respond with valid JSON only:
{
  "primary_invoice": {
    "invoice_number": "string or null",
    "po_number": "string or null",
    "claimed_amount_value": number or null,
    "claimed_amount_currency": "string or null"
  },
  "additional_invoices": [],
  "claimed_issue_summary": "string or null",
  "requested_action": "string or null",
  "confidence": 0.0-1.0,
  "missing_fields": ["string"]
}`
