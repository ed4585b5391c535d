package identity

import (
	"context"
	"errors"
	"testing"
)

func TestChain(t *testing.T) {
	p := Chain{Fallback: Static("driver-7")}

	actor, err := p.CurrentActor(context.Background())
	if err != nil || actor != "driver-7" {
		t.Fatalf("expected fallback actor, got %q err=%v", actor, err)
	}

	actor, err = p.CurrentActor(WithActor(context.Background(), "auth-42"))
	if err != nil || actor != "auth-42" {
		t.Fatalf("expected context actor, got %q err=%v", actor, err)
	}

	if _, err := (Chain{}).CurrentActor(context.Background()); !errors.Is(err, ErrNoActor) {
		t.Fatalf("expected ErrNoActor, got %v", err)
	}
	if _, err := Static("").CurrentActor(context.Background()); !errors.Is(err, ErrNoActor) {
		t.Fatalf("expected ErrNoActor for empty static, got %v", err)
	}
}
