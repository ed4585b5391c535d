// Package identity supplies the acting user's opaque identifier.
package identity

import (
	"context"
	"errors"
)

// ErrNoActor is returned when no actor is known.
var ErrNoActor = errors.New("no actor identity available")

// Provider returns the current actor's identifier.
type Provider interface {
	CurrentActor(ctx context.Context) (string, error)
}

// Static always returns the same actor, typically the signed-in driver of the device.
type Static string

func (s Static) CurrentActor(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoActor
	}
	return string(s), nil
}

type actorKey struct{}

// WithActor attaches an actor id to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// FromContext returns the actor attached by WithActor.
func FromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok && actor != ""
}

// Chain prefers an actor carried on the context and falls back to Fallback.
type Chain struct {
	Fallback Provider
}

func (c Chain) CurrentActor(ctx context.Context) (string, error) {
	if actor, ok := FromContext(ctx); ok {
		return actor, nil
	}
	if c.Fallback == nil {
		return "", ErrNoActor
	}
	return c.Fallback.CurrentActor(ctx)
}
