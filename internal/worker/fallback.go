package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"fieldsync/internal/remote"
	"fieldsync/internal/telemetry"
)

// strategy is one way of applying a mutation. When it fails with an error whose kind is in
// fallthroughOn, the next strategy in the chain is tried.
type strategy struct {
	name          string
	fallthroughOn []remote.Kind
	run           func(ctx context.Context) error
}

// runStrategies evaluates strategies in order and returns the name of the one that succeeded.
func runStrategies(ctx context.Context, strategies []strategy) (string, error) {
	if len(strategies) == 0 {
		return "", errors.New("no strategies")
	}
	var errs []error
	for i, s := range strategies {
		err := s.run(ctx)
		if err == nil {
			telemetry.FallbackUsed.WithLabelValues(s.name).Inc()
			return s.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		last := i == len(strategies)-1
		if last || !slices.Contains(s.fallthroughOn, remote.KindOf(err)) {
			return s.name, errors.Join(errs...)
		}
	}
	return "", errors.Join(errs...)
}
