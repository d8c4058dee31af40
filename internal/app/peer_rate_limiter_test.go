package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubRateLimiter struct {
	count   int
	err     error
	scope   string
	subject string
	limit   int
	window  time.Duration
}

func (s *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	s.scope, s.subject, s.limit, s.window = scope, subject, limit, window
	return s.count, 30, s.err
}

func TestPeerAdmission(t *testing.T) {
	tests := []struct {
		name      string
		limiter   *stubRateLimiter
		perMinute int
		want      bool
	}{
		{name: "under limit", limiter: &stubRateLimiter{count: 3}, perMinute: 5, want: true},
		{name: "at limit", limiter: &stubRateLimiter{count: 5}, perMinute: 5, want: true},
		{name: "over limit", limiter: &stubRateLimiter{count: 6}, perMinute: 5, want: false},
		{name: "limiter error admits", limiter: &stubRateLimiter{err: errors.New("redis down")}, perMinute: 5, want: true},
		{name: "disabled", limiter: &stubRateLimiter{count: 100}, perMinute: 0, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admit := PeerAdmission(tt.limiter, tt.perMinute)
			if got := admit(context.Background(), "10.0.0.7"); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
			if tt.perMinute > 0 {
				if tt.limiter.scope != peerAdmissionScope || tt.limiter.subject != "10.0.0.7" || tt.limiter.window != time.Minute {
					t.Fatalf("unexpected limiter call: %+v", tt.limiter)
				}
			}
		})
	}
}

func TestPeerAdmission_NilLimiter(t *testing.T) {
	if !PeerAdmission(nil, 10)(context.Background(), "10.0.0.7") {
		t.Fatal("expected nil limiter to admit")
	}
}

func TestRedisPeerRateLimiter_DisabledWithoutClient(t *testing.T) {
	limiter := NewRedisPeerRateLimiter(nil, "")
	if limiter.prefix != "sinpe:rate_limit" {
		t.Fatalf("expected default prefix, got %q", limiter.prefix)
	}
	count, retry, err := limiter.ConsumeRateLimit(context.Background(), peerAdmissionScope, "10.0.0.7", 5, time.Minute)
	if err != nil || count != 0 || retry != 0 {
		t.Fatalf("expected no-op without client, got count=%d retry=%d err=%v", count, retry, err)
	}
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	scheduler := NewScheduler(NewReconciler(nil, ReconciliationPolicy{}, nil, "", 0), "not a schedule")
	if err := scheduler.Start(); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
}
