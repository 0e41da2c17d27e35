package app

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/kijumbe/ledger-service/internal/domain"
)

type callbackHandlerStub struct {
	calls     int
	body      []byte
	signature string
	result    *ReconciliationResult
	err       error
}

func (s *callbackHandlerStub) HandleGatewayCallback(ctx context.Context, body []byte, signature string) (*ReconciliationResult, error) {
	s.calls++
	s.body = body
	s.signature = signature
	return s.result, s.err
}

func relayed(t *testing.T, body, signature string) []byte {
	t.Helper()
	msg, err := json.Marshal(domain.RelayedCallback{Body: []byte(body), Signature: signature})
	if err != nil {
		t.Fatalf("marshal relayed callback: %v", err)
	}
	return msg
}

func TestCallbackConsumer_AppliesRelayedCallback(t *testing.T) {
	handler := &callbackHandlerStub{result: &ReconciliationResult{Outcome: OutcomeCompleted, Reference: "KJB-1"}}
	consumer := NewCallbackConsumer(handler, testLogger())

	if ack := consumer.HandleMessage(relayed(t, `{"reference":"KJB-1","status":"success"}`, "sig")); !ack {
		t.Fatal("expected a processed callback to be acknowledged")
	}
	if handler.calls != 1 || string(handler.body) != `{"reference":"KJB-1","status":"success"}` || handler.signature != "sig" {
		t.Fatalf("handler received unexpected input: calls=%d body=%q signature=%q", handler.calls, handler.body, handler.signature)
	}
}

func TestCallbackConsumer_AckOrRequeue(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantAck bool
	}{
		{name: "bad signature is dropped", err: ErrInvalidSignature, wantAck: true},
		{name: "malformed body is dropped", err: fmt.Errorf("%w: bad json", ErrMalformedCallback), wantAck: true},
		{name: "integrity violation is dropped", err: ErrLedgerMismatch, wantAck: true},
		{name: "gateway outage is requeued", err: ErrGatewayUnavailable, wantAck: false},
		{name: "store outage is requeued", err: fmt.Errorf("%w: connection refused", domain.ErrExternalDependency), wantAck: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &callbackHandlerStub{err: tt.err}
			consumer := NewCallbackConsumer(handler, testLogger())
			if ack := consumer.HandleMessage(relayed(t, `{}`, "sig")); ack != tt.wantAck {
				t.Fatalf("expected ack=%t, got %t", tt.wantAck, ack)
			}
		})
	}
}

func TestCallbackConsumer_DropsUndecodableMessages(t *testing.T) {
	handler := &callbackHandlerStub{}
	consumer := NewCallbackConsumer(handler, testLogger())

	if !consumer.HandleMessage([]byte("not json")) {
		t.Fatal("expected an undecodable message to be acknowledged")
	}
	if !consumer.HandleMessage(relayed(t, "", "sig")) {
		t.Fatal("expected an empty relayed body to be acknowledged")
	}
	if handler.calls != 0 {
		t.Fatalf("expected the handler not to run, got %d calls", handler.calls)
	}
}
