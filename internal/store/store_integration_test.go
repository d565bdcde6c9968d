//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func seedCounterparty(t *testing.T, s *Store) *Counterparty {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	address := fmt.Sprintf("it-%s@acme.example", id.String()[:8])
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counterparties (id, name, address, domain)
		VALUES ($1, 'Integration Test Supplier', $2, 'acme.example')`,
		id, address,
	)
	if err != nil {
		t.Fatalf("seed counterparty: %v", err)
	}
	t.Cleanup(func() {
		s.pool.Exec(ctx, `DELETE FROM dispute_cases WHERE counterparty_id = $1`, id)
		s.pool.Exec(ctx, `DELETE FROM counterparty_risk WHERE counterparty_id = $1`, id)
		s.pool.Exec(ctx, `DELETE FROM invoices WHERE counterparty_id = $1`, id)
		s.pool.Exec(ctx, `DELETE FROM counterparties WHERE id = $1`, id)
	})
	return &Counterparty{ID: id, Address: address, Domain: "acme.example"}
}

func TestIntegration_LookupCounterparty(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cp := seedCounterparty(t, s)

	got, err := s.LookupCounterparty(ctx, cp.Address)
	if err != nil {
		t.Fatalf("LookupCounterparty failed: %v", err)
	}
	if got.ID != cp.ID {
		t.Errorf("expected id %s, got %s", cp.ID, got.ID)
	}

	// Lookup is case-insensitive
	if _, err := s.LookupCounterparty(ctx, "IT-"+cp.Address[3:]); err != nil {
		t.Errorf("case-insensitive lookup failed: %v", err)
	}

	if _, err := s.LookupCounterparty(ctx, "nobody@nowhere.example"); !errors.Is(err, ErrCounterpartyNotFound) {
		t.Errorf("expected ErrCounterpartyNotFound, got %v", err)
	}
}

func TestIntegration_GetInvoice(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cp := seedCounterparty(t, s)

	invID := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices (id, counterparty_id, invoice_number, amount, currency)
		VALUES ($1, $2, 'INV-IT-100', 2500.00, 'INR')`,
		invID, cp.ID,
	)
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}

	inv, err := s.GetInvoice(ctx, cp.ID, "INV-IT-100")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if inv.Amount != 2500.00 {
		t.Errorf("expected amount 2500.00, got %f", inv.Amount)
	}

	if _, err := s.GetInvoice(ctx, cp.ID, "INV-MISSING"); !errors.Is(err, ErrInvoiceNotFound) {
		t.Errorf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestIntegration_WriteDisputeCaseAggregates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cp := seedCounterparty(t, s)

	claimed := 3600.00
	auth := 2500.00
	outcomes := []bool{true, false, false, true}

	var last *RiskProfile
	for i, valid := range outcomes {
		c := &DisputeCase{
			CounterpartyID:      cp.ID,
			InvoiceNumber:       fmt.Sprintf("INV-IT-%d", i),
			ClaimedAmount:       &claimed,
			AuthoritativeAmount: &auth,
			DisputeValid:        valid,
			Confidence:          0.9,
			ResolutionReason:    "AMOUNT_MISMATCH_VALID",
		}
		p, err := s.WriteDisputeCase(ctx, c)
		if err != nil {
			t.Fatalf("WriteDisputeCase %d failed: %v", i, err)
		}
		if c.ID == uuid.Nil || c.CreatedAt.IsZero() {
			t.Fatal("expected case id and created_at to be set")
		}
		last = p
	}

	if last.TotalDisputes != 4 || last.ValidDisputes != 2 || last.FakeDisputes != 2 {
		t.Errorf("lifetime counters = %d/%d/%d, want 4/2/2", last.TotalDisputes, last.ValidDisputes, last.FakeDisputes)
	}
	// 2 fake out of 4 total
	if last.RiskScore != 50.00 {
		t.Errorf("risk score = %f, want 50.00", last.RiskScore)
	}
	if last.Rolling30Total != 4 || last.Rolling30Risk != 50.00 {
		t.Errorf("30d window = %d total risk %f, want 4 and 50.00", last.Rolling30Total, last.Rolling30Risk)
	}
	if last.Rolling90Amount != claimed*4 {
		t.Errorf("90d amount = %f, want %f", last.Rolling90Amount, claimed*4)
	}

	got, err := s.GetRiskProfile(ctx, cp.ID)
	if err != nil {
		t.Fatalf("GetRiskProfile failed: %v", err)
	}
	if got.TotalDisputes != last.TotalDisputes {
		t.Errorf("profile re-read mismatch: %d vs %d", got.TotalDisputes, last.TotalDisputes)
	}

	missing, err := s.GetRiskProfile(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetRiskProfile for unknown counterparty failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil profile for unknown counterparty")
	}
}
