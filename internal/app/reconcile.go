package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/store"
	"github.com/transfa/sinpe-service/pkg/rabbitmq"
)

// Reconciliation modes.
const (
	PolicyManual             = "manual"
	PolicyReleaseOnRejection = "release_on_rejection"
	PolicyReleaseAll         = "release_all"
)

const (
	defaultReconcileLimit = 100
	maxReconcileLimit     = 500
)

// Decision is the outcome of evaluating one outgoing debit.
type Decision string

const (
	DecisionHold    Decision = "hold"
	DecisionRelease Decision = "release"
	DecisionSkip    Decision = "skip"
)

var ErrUnknownPolicy = errors.New("unknown reconciliation policy")

// ParsePolicyMode validates a configured mode name.
func ParsePolicyMode(mode string) (string, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(mode)); normalized {
	case PolicyManual, PolicyReleaseOnRejection, PolicyReleaseAll:
		return normalized, nil
	case "":
		return PolicyManual, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, mode)
	}
}

// ReconciliationPolicy decides what happens to funds reserved by an outbound transfer
// that did not complete.
type ReconciliationPolicy struct {
	Mode        string
	GracePeriod time.Duration
}

// Decide evaluates record, an outgoing debit, given the other records of the same
// transaction. Only held reservations are ever released.
func (p ReconciliationPolicy) Decide(record domain.TransactionRecord, siblings []domain.TransactionRecord, now time.Time) (Decision, string) {
	if record.Type != domain.RecordTypeOutgoingDebit || record.ReservationState != domain.ReservationHeld {
		return DecisionSkip, "no held reservation"
	}
	if record.Status == domain.StatusCompleted {
		return DecisionSkip, "delivered"
	}

	switch p.Mode {
	case PolicyReleaseOnRejection, PolicyReleaseAll:
		if record.Status == domain.StatusFailedAtReceiver {
			return DecisionRelease, "rejected by receiving bank"
		}
		if hasSibling(siblings, domain.RecordTypeFailedConfig) {
			return DecisionRelease, "peer bank not configured"
		}
	}

	if p.Mode == PolicyReleaseAll && record.Status == domain.StatusPendingSend {
		if hasSibling(siblings, domain.RecordTypeFailedTransport) {
			return DecisionRelease, "delivery failed"
		}
		if p.GracePeriod > 0 && !record.CreatedAt.IsZero() && now.Sub(record.CreatedAt) >= p.GracePeriod {
			return DecisionRelease, "grace period elapsed"
		}
	}

	return DecisionHold, "awaiting operator review"
}

func hasSibling(records []domain.TransactionRecord, recordType string) bool {
	_, ok := findRecord(records, recordType)
	return ok
}

// ReleaseResult reports the effect of a release request.
type ReleaseResult struct {
	TransactionID string          `json:"transaction_id"`
	Released      bool            `json:"released"`
	Account       *domain.Account `json:"account,omitempty"`
}

// ReconcileSummary counts what one reconciliation pass did.
type ReconcileSummary struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Held     int `json:"held"`
	Failed   int `json:"failed"`
}

// Reconciler applies a ReconciliationPolicy to held reservations.
type Reconciler struct {
	repo       store.Repository
	policy     ReconciliationPolicy
	producer   rabbitmq.Publisher
	exchange   string
	batchLimit int
	now        func() time.Time
}

func NewReconciler(repo store.Repository, policy ReconciliationPolicy, producer rabbitmq.Publisher, exchange string, batchLimit int) *Reconciler {
	if batchLimit <= 0 {
		batchLimit = defaultReconcileLimit
	}
	if batchLimit > maxReconcileLimit {
		batchLimit = maxReconcileLimit
	}
	if policy.Mode == "" {
		policy.Mode = PolicyManual
	}
	return &Reconciler{
		repo:       repo,
		policy:     policy,
		producer:   producer,
		exchange:   exchange,
		batchLimit: batchLimit,
		now:        time.Now,
	}
}

// Policy returns the policy in force.
func (r *Reconciler) Policy() ReconciliationPolicy {
	return r.policy
}

// Evaluate applies the policy to the outgoing debit of transactionID.
func (r *Reconciler) Evaluate(ctx context.Context, transactionID string) (Decision, error) {
	records, err := r.repo.FindTransactionRecords(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return DecisionSkip, nil
		}
		return "", fmt.Errorf("load records: %w", err)
	}
	outgoing, ok := findRecord(records, domain.RecordTypeOutgoingDebit)
	if !ok {
		return DecisionSkip, nil
	}
	return r.apply(ctx, outgoing, records)
}

func (r *Reconciler) apply(ctx context.Context, outgoing domain.TransactionRecord, records []domain.TransactionRecord) (Decision, error) {
	decision, reason := r.policy.Decide(outgoing, records, r.now())
	switch decision {
	case DecisionRelease:
		notes := fmt.Sprintf("released by %s policy: %s", r.policy.Mode, reason)
		if _, err := r.Release(ctx, outgoing.TransactionID, notes); err != nil {
			return decision, err
		}
	case DecisionHold:
		log.Printf("level=warn component=reconcile msg=\"reservation held for review\" transaction_id=%s status=%s amount=%d policy=%s", outgoing.TransactionID, outgoing.Status, outgoing.Amount, r.policy.Mode)
		r.publish(ctx, domain.EventReconciliationReview, domain.TransferEvent{
			TransactionID: outgoing.TransactionID,
			Type:          outgoing.Type,
			Status:        outgoing.Status,
			From:          outgoing.FromIdentifier,
			To:            outgoing.ToIdentifier,
			Amount:        outgoing.Amount,
			Currency:      outgoing.Currency,
			Reason:        reason,
			OccurredAt:    r.now().UTC(),
		})
		if err := r.repo.MarkHeldReviewed(ctx, outgoing.TransactionID, r.policy.Mode); err != nil && !errors.Is(err, store.ErrReservationNotHeld) {
			log.Printf("level=error component=reconcile msg=\"failed to mark reservation reviewed\" transaction_id=%s err=%v", outgoing.TransactionID, err)
		}
	}
	return decision, nil
}

// Release returns the reserved funds of transactionID to the sender. Releasing a
// reservation that is no longer held is a no-op.
func (r *Reconciler) Release(ctx context.Context, transactionID, reason string) (*ReleaseResult, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, validationError("transaction_id is required")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "released by operator"
	}

	account, err := r.repo.ReleaseReservation(ctx, transactionID, reason)
	if err != nil {
		if errors.Is(err, store.ErrReservationNotHeld) {
			log.Printf("level=info component=reconcile msg=\"release skipped; reservation not held\" transaction_id=%s", transactionID)
			return &ReleaseResult{TransactionID: transactionID}, nil
		}
		return nil, fmt.Errorf("release reservation: %w", err)
	}

	log.Printf("level=info component=reconcile msg=\"reservation released\" transaction_id=%s account=%s reason=%q", transactionID, account.Number, reason)
	r.publish(ctx, domain.EventReservationReleased, domain.TransferEvent{
		TransactionID: transactionID,
		Type:          domain.RecordTypeReservationRelease,
		Status:        domain.StatusCompleted,
		To:            account.Number,
		Currency:      account.Currency,
		Reason:        reason,
		OccurredAt:    r.now().UTC(),
	})
	return &ReleaseResult{TransactionID: transactionID, Released: true, Account: account}, nil
}

// RunPending evaluates held reservations older than the grace period, at most one batch.
// A reservation already reported for review under the same policy is skipped, so each
// pass moves on to the next batch.
func (r *Reconciler) RunPending(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	olderThan := r.now().Add(-r.policy.GracePeriod)

	held, err := r.repo.FindHeldOutbound(ctx, olderThan, r.policy.Mode, r.batchLimit)
	if err != nil {
		return summary, fmt.Errorf("find held reservations: %w", err)
	}

	for _, record := range held {
		summary.Scanned++
		siblings, err := r.repo.FindTransactionRecords(ctx, record.TransactionID)
		if err != nil {
			log.Printf("level=error component=reconcile msg=\"failed to load records\" transaction_id=%s err=%v", record.TransactionID, err)
			summary.Failed++
			continue
		}
		decision, err := r.apply(ctx, record, siblings)
		if err != nil {
			log.Printf("level=error component=reconcile msg=\"failed to apply decision\" transaction_id=%s decision=%s err=%v", record.TransactionID, decision, err)
			summary.Failed++
			continue
		}
		switch decision {
		case DecisionRelease:
			summary.Released++
		case DecisionHold:
			summary.Held++
		}
	}

	if summary.Scanned > 0 {
		log.Printf("level=info component=reconcile msg=\"reconciliation pass finished\" scanned=%d released=%d held=%d failed=%d", summary.Scanned, summary.Released, summary.Held, summary.Failed)
	}
	return summary, nil
}

func (r *Reconciler) publish(ctx context.Context, routingKey string, event domain.TransferEvent) {
	publishEvent(ctx, r.producer, r.exchange, routingKey, event)
}

func findRecord(records []domain.TransactionRecord, recordType string) (domain.TransactionRecord, bool) {
	for _, rec := range records {
		if rec.Type == recordType {
			return rec, true
		}
	}
	return domain.TransactionRecord{}, false
}

// publishEvent is best effort; failures are logged and never change a transfer outcome.
func publishEvent(ctx context.Context, producer rabbitmq.Publisher, exchange, routingKey string, event interface{}) {
	if producer == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := producer.Publish(pubCtx, exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}
