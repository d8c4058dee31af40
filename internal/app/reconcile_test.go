package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/store"
)

func TestParsePolicyMode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: PolicyManual},
		{in: "manual", want: PolicyManual},
		{in: " Release_On_Rejection ", want: PolicyReleaseOnRejection},
		{in: "release_all", want: PolicyReleaseAll},
		{in: "yolo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicyMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownPolicy) {
					t.Fatalf("expected ErrUnknownPolicy, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("expected %q, got %q (err %v)", tt.want, got, err)
			}
		})
	}
}

func TestReconciliationPolicy_Decide(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	outgoing := func(status, reservation string, age time.Duration) domain.TransactionRecord {
		return domain.TransactionRecord{
			TransactionID:    "tx-decide",
			Type:             domain.RecordTypeOutgoingDebit,
			Status:           status,
			ReservationState: reservation,
			CreatedAt:        now.Add(-age),
		}
	}
	sibling := func(recordType string) []domain.TransactionRecord {
		return []domain.TransactionRecord{{TransactionID: "tx-decide", Type: recordType, Status: domain.StatusSendFailed}}
	}

	tests := []struct {
		name     string
		mode     string
		record   domain.TransactionRecord
		siblings []domain.TransactionRecord
		want     Decision
	}{
		{name: "settled is skipped", mode: PolicyReleaseAll, record: outgoing(domain.StatusCompleted, domain.ReservationSettled, time.Hour), want: DecisionSkip},
		{name: "already released is skipped", mode: PolicyReleaseAll, record: outgoing(domain.StatusFailedAtReceiver, domain.ReservationReleased, time.Hour), want: DecisionSkip},
		{name: "manual holds rejection", mode: PolicyManual, record: outgoing(domain.StatusFailedAtReceiver, domain.ReservationHeld, 0), want: DecisionHold},
		{name: "manual holds config failure", mode: PolicyManual, record: outgoing(domain.StatusPendingSend, domain.ReservationHeld, 0), siblings: sibling(domain.RecordTypeFailedConfig), want: DecisionHold},
		{name: "rejection mode releases rejection", mode: PolicyReleaseOnRejection, record: outgoing(domain.StatusFailedAtReceiver, domain.ReservationHeld, 0), want: DecisionRelease},
		{name: "rejection mode releases config failure", mode: PolicyReleaseOnRejection, record: outgoing(domain.StatusPendingSend, domain.ReservationHeld, 0), siblings: sibling(domain.RecordTypeFailedConfig), want: DecisionRelease},
		{name: "rejection mode holds transport failure", mode: PolicyReleaseOnRejection, record: outgoing(domain.StatusPendingSend, domain.ReservationHeld, 0), siblings: sibling(domain.RecordTypeFailedTransport), want: DecisionHold},
		{name: "release all releases transport failure", mode: PolicyReleaseAll, record: outgoing(domain.StatusPendingSend, domain.ReservationHeld, 0), siblings: sibling(domain.RecordTypeFailedTransport), want: DecisionRelease},
		{name: "release all waits for grace period", mode: PolicyReleaseAll, record: outgoing(domain.StatusPendingSend, domain.ReservationHeld, time.Minute), want: DecisionHold},
		{name: "release all releases after grace period", mode: PolicyReleaseAll, record: outgoing(domain.StatusPendingSend, domain.ReservationHeld, time.Hour), want: DecisionRelease},
		{name: "non outgoing record is skipped", mode: PolicyReleaseAll, record: domain.TransactionRecord{Type: domain.RecordTypeIncomingCredit, ReservationState: domain.ReservationHeld}, want: DecisionSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := ReconciliationPolicy{Mode: tt.mode, GracePeriod: 10 * time.Minute}
			got, reason := policy.Decide(tt.record, tt.siblings, now)
			if got != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, got, reason)
			}
			if reason == "" {
				t.Fatal("expected a reason for every decision")
			}
		})
	}
}

func TestReconciler_ReleaseIsIdempotent(t *testing.T) {
	node := newTestNode(t, PolicyManual)
	node.sender.reply = "NACK: account not found"
	if _, err := node.svc.SendTransfer(context.Background(), remoteIntent("tx-release", "200.00")); !errors.Is(err, ErrRemoteRejection) {
		t.Fatalf("expected ErrRemoteRejection, got %v", err)
	}

	first, err := node.reconciler.Release(context.Background(), "tx-release", "operator approved")
	if err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if !first.Released || first.Account == nil || first.Account.Balance != 100000 || first.Account.Held != 0 {
		t.Fatalf("unexpected first release result: %+v", first)
	}

	second, err := node.reconciler.Release(context.Background(), "tx-release", "operator approved")
	if err != nil {
		t.Fatalf("expected second release to be a no-op, got %v", err)
	}
	if second.Released {
		t.Fatal("expected second release to report nothing released")
	}
	if got := node.account(t, testAccountA); got.Balance != 100000 || got.Held != 0 {
		t.Fatalf("expected funds returned once, got balance %d held %d", got.Balance, got.Held)
	}

	var releases int
	for _, rec := range node.records(t, "tx-release") {
		if rec.Type == domain.RecordTypeReservationRelease {
			releases++
		}
	}
	if releases != 1 {
		t.Fatalf("expected one reservation_release record, got %d", releases)
	}
}

func TestReconciler_ReleaseErrors(t *testing.T) {
	node := newTestNode(t, PolicyManual)

	if _, err := node.reconciler.Release(context.Background(), " ", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty id, got %v", err)
	}
	if _, err := node.reconciler.Release(context.Background(), "tx-missing", ""); !errors.Is(err, store.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestReconciler_RunPending(t *testing.T) {
	node := newTestNode(t, PolicyManual)
	ctx := context.Background()

	node.sender.err = errors.New("connection refused")
	if _, err := node.svc.SendTransfer(ctx, remoteIntent("tx-transport", "100.00")); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	node.sender.err = nil
	node.sender.reply = "NACK: unresolved receiver"
	if _, err := node.svc.SendTransfer(ctx, remoteIntent("tx-rejected", "200.00")); !errors.Is(err, ErrRemoteRejection) {
		t.Fatalf("expected ErrRemoteRejection, got %v", err)
	}
	node.sender.reply = domain.ReplyCompleted
	if _, err := node.svc.SendTransfer(ctx, remoteIntent("tx-done", "50.00")); err != nil {
		t.Fatalf("expected delivery to succeed, got %v", err)
	}

	later := func() time.Time { return time.Now().Add(time.Minute) }

	onRejection := NewReconciler(node.repo, ReconciliationPolicy{Mode: PolicyReleaseOnRejection}, node.publisher, "sinpe.events", 10)
	onRejection.now = later
	summary, err := onRejection.RunPending(ctx)
	if err != nil {
		t.Fatalf("expected pass to succeed, got %v", err)
	}
	if summary.Scanned != 2 || summary.Released != 1 || summary.Held != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := node.account(t, testAccountA); got.Balance != 85000 || got.Held != 10000 {
		t.Fatalf("expected rejected funds back, got balance %d held %d", got.Balance, got.Held)
	}

	releaseAll := NewReconciler(node.repo, ReconciliationPolicy{Mode: PolicyReleaseAll}, node.publisher, "sinpe.events", 10)
	releaseAll.now = later
	summary, err = releaseAll.RunPending(ctx)
	if err != nil {
		t.Fatalf("expected pass to succeed, got %v", err)
	}
	if summary.Scanned != 1 || summary.Released != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := node.account(t, testAccountA); got.Balance != 95000 || got.Held != 0 {
		t.Fatalf("expected only the delivered transfer to stay debited, got balance %d held %d", got.Balance, got.Held)
	}
}

func TestReconciler_RunPendingReportsEachHeldReservationOnce(t *testing.T) {
	node := newTestNode(t, PolicyManual)
	ctx := context.Background()

	node.sender.err = errors.New("connection refused")
	for _, txID := range []string{"tx-held-1", "tx-held-2", "tx-held-3"} {
		if _, err := node.svc.SendTransfer(ctx, remoteIntent(txID, "10.00")); !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrTransport for %s, got %v", txID, err)
		}
	}

	reviewer := NewReconciler(node.repo, ReconciliationPolicy{Mode: PolicyReleaseOnRejection}, node.publisher, "sinpe.events", 1)
	reviewer.now = func() time.Time { return time.Now().Add(time.Minute) }
	before := node.publisher.count(domain.EventReconciliationReview)

	for pass := 1; pass <= 3; pass++ {
		summary, err := reviewer.RunPending(ctx)
		if err != nil {
			t.Fatalf("pass %d: expected success, got %v", pass, err)
		}
		if summary.Scanned != 1 || summary.Held != 1 {
			t.Fatalf("pass %d: expected one held reservation, got %+v", pass, summary)
		}
	}
	summary, err := reviewer.RunPending(ctx)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if summary.Scanned != 0 {
		t.Fatalf("expected nothing left to report, got %+v", summary)
	}
	if got := node.publisher.count(domain.EventReconciliationReview) - before; got != 3 {
		t.Fatalf("expected 3 review events, got %d", got)
	}
	if got := node.account(t, testAccountA); got.Held != 3000 {
		t.Fatalf("expected reservations to stay held, got held %d", got.Held)
	}

	sameMode := NewReconciler(node.repo, ReconciliationPolicy{Mode: PolicyManual}, node.publisher, "sinpe.events", 10)
	sameMode.now = reviewer.now
	if summary, _ := sameMode.RunPending(ctx); summary.Scanned != 3 || summary.Held != 3 {
		t.Fatalf("expected a policy change to report every reservation again, got %+v", summary)
	}
	if summary, _ := sameMode.RunPending(ctx); summary.Scanned != 0 {
		t.Fatalf("expected the next pass under the same policy to be quiet, got %+v", summary)
	}
}

func TestNewReconciler_ClampsBatchLimit(t *testing.T) {
	if r := NewReconciler(nil, ReconciliationPolicy{}, nil, "", 0); r.batchLimit != defaultReconcileLimit || r.Policy().Mode != PolicyManual {
		t.Fatalf("expected defaults, got limit %d mode %q", r.batchLimit, r.Policy().Mode)
	}
	if r := NewReconciler(nil, ReconciliationPolicy{}, nil, "", 10000); r.batchLimit != maxReconcileLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxReconcileLimit, r.batchLimit)
	}
}
