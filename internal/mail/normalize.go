package mail

import (
	stdmail "net/mail"
	"strings"
)

// NormalizeAddress parses a From header and returns the lowercased address
// and its domain. Both are empty when the header cannot be parsed.
func NormalizeAddress(fromHeader string) (address, domain string) {
	addr, err := stdmail.ParseAddress(fromHeader)
	if err != nil {
		// Some relays hand over a bare address without display name.
		trimmed := strings.ToLower(strings.TrimSpace(fromHeader))
		if trimmed == "" || !strings.Contains(trimmed, "@") {
			return "", ""
		}
		return trimmed, trimmed[strings.LastIndex(trimmed, "@")+1:]
	}

	address = strings.ToLower(strings.TrimSpace(addr.Address))
	if i := strings.LastIndex(address, "@"); i >= 0 {
		domain = address[i+1:]
	}
	return address, domain
}

// CandidateText combines subject and body into the text used for similarity
// scoring and classification.
func CandidateText(m Message) string {
	return strings.TrimSpace(m.Subject + "\n\n" + m.Body)
}

// ReplySubject prefixes a subject for a threaded reply.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// FirstLine returns the first non-empty line of a text, used as a subject
// fallback when the original subject is unavailable.
func FirstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}
