package twilio

import (
	"context"
	"errors"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/voxhall/relay/pkg/errorsx"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerDial(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = stub

	sid, err := d.Dial(context.Background(), "+100", "+200", "https://example.com/voice")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+100" {
		t.Fatalf("To param not set")
	}
	if stub.last.From == nil || *stub.last.From != "+200" {
		t.Fatalf("From param not set")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://example.com/voice" {
		t.Fatalf("Url param not set")
	}
}

func TestDialerValidation(t *testing.T) {
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(context.Background(), "", "+200", ""); err == nil {
		t.Fatalf("expected error on missing to")
	}

	d = NewDialer(Config{})
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(context.Background(), "+100", "+200", ""); err == nil {
		t.Fatalf("expected error on missing credentials")
	}
}

func TestDialerWrapsProviderFailure(t *testing.T) {
	stub := &stubCreator{err: errors.New("rate limited")}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = stub

	_, err := d.Dial(context.Background(), "+100", "+200", "https://example.com/voice")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonDialFailed) {
		t.Fatalf("expected dial_failed reason, got %v", errorsx.Reason(err))
	}
}
