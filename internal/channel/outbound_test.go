package channel

import (
	"context"
	"errors"
	"testing"
)

func TestOutbound_Routes(t *testing.T) {
	sms := &fakeSender{name: "sms"}
	tg := &fakeSender{name: "telegram"}
	o := NewOutbound(sms, tg)
	ctx := context.Background()

	if err := o.Send(ctx, "15550100000", "a"); err != nil {
		t.Fatal(err)
	}
	if err := o.Send(ctx, "tg:42", "b"); err != nil {
		t.Fatal(err)
	}
	if len(sms.messages()) != 1 || len(tg.messages()) != 1 {
		t.Errorf("expected one message per transport, got sms=%d tg=%d", len(sms.messages()), len(tg.messages()))
	}

	if err := o.Send(ctx, "api:1", "c"); !errors.Is(err, ErrNoSender) {
		t.Errorf("expected ErrNoSender for an api channel, got %v", err)
	}
}

func TestOutbound_MissingTransport(t *testing.T) {
	o := NewOutbound(nil, &fakeSender{name: "telegram"})
	if err := o.Send(context.Background(), "15550100000", "a"); !errors.Is(err, ErrNoSender) {
		t.Errorf("expected ErrNoSender without sms, got %v", err)
	}
}
