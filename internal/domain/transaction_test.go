package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{name: "pending to completed", from: StatusPendingSend, to: StatusCompleted, want: true},
		{name: "pending to failed at receiver", from: StatusPendingSend, to: StatusFailedAtReceiver, want: true},
		{name: "pending to send failed", from: StatusPendingSend, to: StatusSendFailed, want: true},
		{name: "pending to rejected", from: StatusPendingSend, to: StatusRejected, want: true},
		{name: "pending to pending", from: StatusPendingSend, to: StatusPendingSend, want: false},
		{name: "completed never resurrects", from: StatusCompleted, to: StatusPendingSend, want: false},
		{name: "completed never downgrades", from: StatusCompleted, to: StatusFailedAtReceiver, want: false},
		{name: "failed never completes", from: StatusFailedAtReceiver, to: StatusCompleted, want: false},
		{name: "rejected is final", from: StatusRejected, to: StatusCompleted, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("expected CanTransition(%q, %q)=%t, got %t", tt.from, tt.to, tt.want, got)
			}
		})
	}
}

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr error
	}{
		{name: "whole amount", value: "200", want: 20000},
		{name: "two decimals", value: "200.55", want: 20055},
		{name: "trailing zeros", value: "1000.000", want: 100000},
		{name: "three decimals", value: "10.005", wantErr: ErrAmountPrecision},
		{name: "largest representable", value: "92233720368547758.07", want: 9223372036854775807},
		{name: "beyond int64", value: "184467440737095517.16", wantErr: ErrAmountRange},
		{name: "below int64", value: "-92233720368547758.09", wantErr: ErrAmountRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToMinorUnits(decimal.RequireFromString(tt.value))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %d minor units, got %d", tt.want, got)
			}
		})
	}
}

func TestNackReason(t *testing.T) {
	if got := NackReason("NACK: unresolved receiver\n"); got != "unresolved receiver" {
		t.Fatalf("expected reason %q, got %q", "unresolved receiver", got)
	}
	if got := NackReason(""); got != "empty reply" {
		t.Fatalf("expected empty reply reason, got %q", got)
	}
	if IsAck("NACK: invalid signature") {
		t.Fatal("did not expect NACK to be treated as ACK")
	}
	if !IsAck(ReplyCompleted) {
		t.Fatal("expected ACK reply to be acknowledged")
	}
}
