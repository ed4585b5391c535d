package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"fieldsync/internal/identity"
	"fieldsync/internal/models"
	"fieldsync/internal/remote"
	"fieldsync/internal/resolver"
)

// Actions holds the dependencies shared by every action handler.
type Actions struct {
	remote      remote.Client
	resolver    *resolver.Resolver
	identity    identity.Provider
	visitWindow time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// ActionsConfig tunes handler behavior.
type ActionsConfig struct {
	// VisitDedupWindow is how far back an existing customer visit suppresses a new one.
	VisitDedupWindow time.Duration
}

func NewActions(client remote.Client, res *resolver.Resolver, ident identity.Provider, cfg ActionsConfig, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VisitDedupWindow <= 0 {
		cfg.VisitDedupWindow = time.Hour
	}
	return &Actions{
		remote:      client,
		resolver:    res,
		identity:    ident,
		visitWindow: cfg.VisitDedupWindow,
		logger:      logger,
		now:         time.Now,
	}
}

// RegisterAll binds every action handler on p.
func (a *Actions) RegisterAll(p *Processor) {
	p.RegisterHandler(models.ActionCreateTrip, a.CreateTrip)
	p.RegisterHandler(models.ActionUpdateTrip, a.UpdateTrip)
	p.RegisterHandler(models.ActionRecordFuelLog, a.RecordFuelLog)
	p.RegisterHandler(models.ActionUpdateOdometer, a.UpdateOdometer)
	p.RegisterHandler(models.ActionSaveLocation, a.SaveLocation)
	p.RegisterHandler(models.ActionCreatePosSale, a.CreatePosSale)
}

// actor picks the acting user's token: payload keys first, then the actor stamped at enqueue,
// then the identity provider.
func (a *Actions) actor(ctx context.Context, data map[string]any, keys ...string) string {
	if v := str(data, keys...); v != "" {
		return v
	}
	if a.identity == nil {
		return ""
	}
	actor, err := a.identity.CurrentActor(ctx)
	if err != nil {
		return ""
	}
	return actor
}

// str returns the first non-empty value among keys.
func str(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := remote.AsString(data[k]); v != "" {
			return v
		}
	}
	return ""
}

// num returns the first numeric value among keys.
func num(data map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := asFloat(data[k]); ok {
			return f, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// without copies data dropping the given keys.
func without(data map[string]any, keys ...string) remote.Row {
	out := make(remote.Row, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// updateMileage cascades an odometer reading to the fleet vehicle row.
func (a *Actions) updateMileage(ctx context.Context, vehicleID string, mileage float64) error {
	if vehicleID == "" {
		return nil
	}
	return a.remote.Update(ctx, remote.TableFleetVehicles, vehicleID, remote.Row{
		"current_mileage": mileage,
		"updated_at":      a.now().UTC(),
	})
}
