// Package resolver maps tokens held on the device to the remote schema's foreign keys.
//
// A device may hold an auth identity id, an employee id, a vehicle id or a location id
// depending on where in the UI a mutation came from. Every lookup is best-effort: a failed
// or empty lookup falls back to the raw token so processing can move forward.
package resolver

import (
	"context"
	"log/slog"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
)

// Resolver looks tokens up against the remote store.
type Resolver struct {
	client remote.Client
	logger *slog.Logger
}

func New(client remote.Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{client: client, logger: logger}
}

// Resolve returns the remote ids for actor and vehicleOrLocation.
func (r *Resolver) Resolve(ctx context.Context, actor, vehicleOrLocation string) models.ResolvedIDs {
	ids := models.ResolvedIDs{
		EmployeeID:      actor,
		DriverID:        actor,
		FleetVehicleID:  vehicleOrLocation,
		LegacyVehicleID: vehicleOrLocation,
	}

	if actor != "" {
		if id, ok := r.lookup(ctx, remote.Query{
			Table: remote.TableEmployees,
			AnyOf: []remote.Filter{remote.Eq("id", actor), remote.Eq("user_id", actor)},
		}); ok {
			ids.EmployeeID = id
		}
		if id, ok := r.lookup(ctx, remote.Query{
			Table: remote.TableFleetDrivers,
			Where: []remote.Filter{remote.Eq("employee_id", ids.EmployeeID)},
		}); ok {
			ids.DriverID = id
		}
	}

	if vehicleOrLocation != "" {
		if id, ok := r.lookup(ctx, vehicleQuery(remote.TableFleetVehicles, vehicleOrLocation)); ok {
			ids.FleetVehicleID = id
		}
		if id, ok := r.lookup(ctx, vehicleQuery(remote.TableVehicles, vehicleOrLocation)); ok {
			ids.LegacyVehicleID = id
		}
	}
	return ids
}

// FleetVehicle resolves only the fleet vehicle id for token.
func (r *Resolver) FleetVehicle(ctx context.Context, token string) string {
	if token == "" {
		return ""
	}
	if id, ok := r.lookup(ctx, vehicleQuery(remote.TableFleetVehicles, token)); ok {
		return id
	}
	return token
}

func vehicleQuery(table, token string) remote.Query {
	return remote.Query{
		Table: table,
		AnyOf: []remote.Filter{remote.Eq("id", token), remote.Eq("location_id", token)},
	}
}

func (r *Resolver) lookup(ctx context.Context, q remote.Query) (string, bool) {
	q.Columns = []string{"id"}
	row, found, err := remote.SelectOne(ctx, r.client, q)
	if err != nil {
		r.logger.Debug("identifier lookup failed, using raw token", "table", q.Table, "err", err)
		return "", false
	}
	if !found || row.String("id") == "" {
		return "", false
	}
	return row.String("id"), true
}
