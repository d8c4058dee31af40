package app

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/transfa/sinpe-service/internal/domain"
)

func transferMessage(txID string, sender, receiver domain.Party, amount, secret string) domain.TransferMessage {
	msg := domain.TransferMessage{
		Version:       domain.ProtocolVersion,
		Timestamp:     "2026-10-15T12:00:00Z",
		TransactionID: txID,
		Sender:        sender,
		Receiver:      receiver,
		Amount:        domain.Amount{Value: decimal.RequireFromString(amount), Currency: "CRC"},
		Description:   "test transfer",
	}
	msg.HMACSignature = Sign(sender.Identifier(), msg.Timestamp, txID, msg.Amount.Value, secret)
	return msg
}

func encode(t *testing.T, msg domain.TransferMessage) []byte {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to encode message: %v", err)
	}
	return payload
}

var (
	localSenderParty  = domain.Party{AccountNumber: testAccountA, BankCode: testLocalBank, Name: "Ana"}
	remoteSenderParty = domain.Party{AccountNumber: testRemoteAccount, BankCode: testRemoteBank, Name: "Carla"}
)

func TestHandleInbound_LocalSenderSettlesAsLocalTransfer(t *testing.T) {
	node := newTestNode(t, PolicyManual)
	msg := transferMessage("tx-e2e", localSenderParty, domain.Party{PhoneNumber: testPhoneB, BankCode: testLocalBank}, "200.00", testLocalSecret)

	reply := node.svc.HandleInbound(context.Background(), encode(t, msg))
	if reply != domain.ReplyCompleted {
		t.Fatalf("expected %q, got %q", domain.ReplyCompleted, reply)
	}

	if got := node.account(t, testAccountA).Balance; got != 80000 {
		t.Fatalf("expected sender balance 80000, got %d", got)
	}
	if got := node.account(t, testAccountB).Balance; got != 25000 {
		t.Fatalf("expected receiver balance 25000, got %d", got)
	}
	records := node.records(t, "tx-e2e")
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	if records[0].Type != domain.RecordTypeLocalTransfer || records[0].Status != domain.StatusCompleted {
		t.Fatalf("expected completed local_transfer, got %s/%s", records[0].Type, records[0].Status)
	}
	if records[0].HMACReceived != msg.HMACSignature {
		t.Fatal("expected received signature to be recorded")
	}
}

func TestHandleInbound_RemoteSenderCreditsOnceAcrossRedelivery(t *testing.T) {
	node := newTestNode(t, PolicyManual)
	payload := encode(t, transferMessage("tx-credit", remoteSenderParty, domain.Party{AccountNumber: testAccountB, BankCode: testLocalBank}, "75.50", testRemoteSecret))

	for attempt := 1; attempt <= 2; attempt++ {
		if reply := node.svc.HandleInbound(context.Background(), payload); reply != domain.ReplyCompleted {
			t.Fatalf("attempt %d: expected ACK, got %q", attempt, reply)
		}
	}

	if got := node.account(t, testAccountB).Balance; got != 12550 {
		t.Fatalf("expected a single credit to 12550, got %d", got)
	}
	records := node.records(t, "tx-credit")
	if len(records) != 1 || records[0].Type != domain.RecordTypeIncomingCredit {
		t.Fatalf("expected one incoming_credit record, got %+v", records)
	}
	if !node.publisher.has(domain.EventIncomingCompleted) {
		t.Fatal("expected incoming completed event")
	}
}

func TestHandleInbound_ForgedAmountIsRejected(t *testing.T) {
	node := newTestNode(t, PolicyManual)
	msg := transferMessage("tx-forged", remoteSenderParty, domain.Party{AccountNumber: testAccountB}, "200.00", testRemoteSecret)
	msg.Amount.Value = decimal.RequireFromString("2000.00")

	reply := node.svc.HandleInbound(context.Background(), encode(t, msg))
	if reply != domain.ReplyInvalidSignature {
		t.Fatalf("expected %q, got %q", domain.ReplyInvalidSignature, reply)
	}
	if got := node.account(t, testAccountB).Balance; got != 5000 {
		t.Fatalf("expected receiver balance untouched, got %d", got)
	}
	records := node.records(t, "tx-forged")
	if len(records) != 1 || records[0].Type != domain.RecordTypeFailedAuth || records[0].Status != domain.StatusRejected {
		t.Fatalf("expected one rejected failed_auth record, got %+v", records)
	}
}

func TestHandleInbound_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		msg       func() domain.TransferMessage
		wantReply string
		wantType  string
	}{
		{
			name: "unknown sender bank",
			msg: func() domain.TransferMessage {
				sender := domain.Party{AccountNumber: "CR0509990001000000000001"}
				return transferMessage("tx-reject", sender, domain.Party{AccountNumber: testAccountB}, "10.00", testRemoteSecret)
			},
			wantReply: domain.ReplyInvalidSignature,
			wantType:  domain.RecordTypeFailedAuth,
		},
		{
			name: "wrong secret",
			msg: func() domain.TransferMessage {
				return transferMessage("tx-reject", remoteSenderParty, domain.Party{AccountNumber: testAccountB}, "10.00", "guessed")
			},
			wantReply: domain.ReplyInvalidSignature,
			wantType:  domain.RecordTypeFailedAuth,
		},
		{
			name: "unlinked phone",
			msg: func() domain.TransferMessage {
				return transferMessage("tx-reject", remoteSenderParty, domain.Party{PhoneNumber: "87776666"}, "10.00", testRemoteSecret)
			},
			wantReply: domain.ReplyUnresolved,
			wantType:  domain.RecordTypeIncomingRejected,
		},
		{
			name: "receiver declared at another bank",
			msg: func() domain.TransferMessage {
				return transferMessage("tx-reject", remoteSenderParty, domain.Party{PhoneNumber: testPhoneB, BankCode: "0300"}, "10.00", testRemoteSecret)
			},
			wantReply: domain.ReplyUnresolved,
			wantType:  domain.RecordTypeIncomingRejected,
		},
		{
			name: "receiver account at another bank",
			msg: func() domain.TransferMessage {
				return transferMessage("tx-reject", remoteSenderParty, domain.Party{AccountNumber: "CR0503000001000000000001"}, "10.00", testRemoteSecret)
			},
			wantReply: domain.ReplyUnresolved,
			wantType:  domain.RecordTypeIncomingRejected,
		},
		{
			name: "unknown local account",
			msg: func() domain.TransferMessage {
				return transferMessage("tx-reject", remoteSenderParty, domain.Party{AccountNumber: testAccountGhost}, "10.00", testRemoteSecret)
			},
			wantReply: domain.ReplyAccountNotFound,
			wantType:  domain.RecordTypeIncomingRejected,
		},
		{
			name: "currency mismatch",
			msg: func() domain.TransferMessage {
				msg := transferMessage("tx-reject", remoteSenderParty, domain.Party{AccountNumber: testAccountB}, "10.00", testRemoteSecret)
				msg.Amount.Currency = "USD"
				return msg
			},
			wantReply: domain.ReplyCurrencyMismatch,
			wantType:  domain.RecordTypeIncomingRejected,
		},
		{
			name: "local sender without funds",
			msg: func() domain.TransferMessage {
				return transferMessage("tx-reject", localSenderParty, domain.Party{AccountNumber: testAccountB}, "1000.01", testLocalSecret)
			},
			wantReply: domain.ReplyInsufficientFunds,
			wantType:  domain.RecordTypeIncomingRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newTestNode(t, PolicyManual)

			reply := node.svc.HandleInbound(context.Background(), encode(t, tt.msg()))
			if reply != tt.wantReply {
				t.Fatalf("expected %q, got %q", tt.wantReply, reply)
			}
			if got := node.account(t, testAccountA).Balance; got != 100000 {
				t.Fatalf("expected account A untouched, got %d", got)
			}
			if got := node.account(t, testAccountB).Balance; got != 5000 {
				t.Fatalf("expected account B untouched, got %d", got)
			}
			records := node.records(t, "tx-reject")
			if len(records) != 1 || records[0].Type != tt.wantType || records[0].Status != domain.StatusRejected {
				t.Fatalf("expected one rejected %s record, got %+v", tt.wantType, records)
			}
			if !node.publisher.has(domain.EventIncomingRejected) {
				t.Fatal("expected incoming rejected event")
			}
		})
	}
}

func TestHandleInbound_SubCentAmountIsRejected(t *testing.T) {
	node := newTestNode(t, PolicyManual)
	// The wire encoding rounds to two decimals, so the exact signed value is patched back in.
	payload := encode(t, transferMessage("tx-cents", remoteSenderParty, domain.Party{AccountNumber: testAccountB}, "10.001", testRemoteSecret))
	payload = bytes.Replace(payload, []byte(`"value":10.00`), []byte(`"value":10.001`), 1)

	if reply := node.svc.HandleInbound(context.Background(), payload); reply != domain.ReplyMalformed {
		t.Fatalf("expected %q, got %q", domain.ReplyMalformed, reply)
	}
	if got := node.account(t, testAccountB).Balance; got != 5000 {
		t.Fatalf("expected receiver balance untouched, got %d", got)
	}
	records := node.records(t, "tx-cents")
	if len(records) != 1 || records[0].Type != domain.RecordTypeIncomingRejected {
		t.Fatalf("expected one incoming_rejected record, got %+v", records)
	}
}

func TestHandleInbound_SubCentTamperFailsAuthentication(t *testing.T) {
	node := newTestNode(t, PolicyManual)
	payload := encode(t, transferMessage("tx-cents", remoteSenderParty, domain.Party{AccountNumber: testAccountB}, "10.00", testRemoteSecret))
	payload = bytes.Replace(payload, []byte(`"value":10.00`), []byte(`"value":10.004`), 1)

	if reply := node.svc.HandleInbound(context.Background(), payload); reply != domain.ReplyInvalidSignature {
		t.Fatalf("expected %q, got %q", domain.ReplyInvalidSignature, reply)
	}
	if got := node.account(t, testAccountB).Balance; got != 5000 {
		t.Fatalf("expected receiver balance untouched, got %d", got)
	}
}

func TestHandleInbound_AmountLimits(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{name: "beyond int64 cents", amount: "184467440737095517.16"},
		{name: "above configured maximum", amount: "1000000.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newTestNode(t, PolicyManual)
			msg := transferMessage("tx-huge", remoteSenderParty, domain.Party{AccountNumber: testAccountB}, tt.amount, testRemoteSecret)

			if reply := node.svc.HandleInbound(context.Background(), encode(t, msg)); reply != domain.ReplyMalformed {
				t.Fatalf("expected %q, got %q", domain.ReplyMalformed, reply)
			}
			if got := node.account(t, testAccountB).Balance; got != 5000 {
				t.Fatalf("expected receiver balance untouched, got %d", got)
			}
			records := node.records(t, "tx-huge")
			if len(records) != 1 || records[0].Type != domain.RecordTypeIncomingRejected || records[0].Status != domain.StatusRejected {
				t.Fatalf("expected one rejected incoming_rejected record, got %+v", records)
			}
		})
	}
}

func TestHandleInbound_MalformedPayloadLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "hello bank"},
		{name: "missing transaction id", payload: `{"sender":{"account_number":"CR0502000001000000000009"},"receiver":{"account_number":"CR2101520001000000000002"}}`},
		{name: "receiver with two identifiers", payload: `{"transaction_id":"tx-bad","sender":{"account_number":"CR0502000001000000000009"},"receiver":{"account_number":"CR2101520001000000000002","phone_number":"88887777"}}`},
		{name: "sender without identifier", payload: `{"transaction_id":"tx-bad","sender":{"name":"x"},"receiver":{"account_number":"CR2101520001000000000002"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newTestNode(t, PolicyManual)
			if reply := node.svc.HandleInbound(context.Background(), []byte(tt.payload)); reply != domain.ReplyMalformed {
				t.Fatalf("expected %q, got %q", domain.ReplyMalformed, reply)
			}
			if records := node.records(t, "tx-bad"); len(records) != 0 {
				t.Fatalf("expected no records, got %d", len(records))
			}
		})
	}
}
