package worker

import (
	"context"
	"errors"
	"fmt"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
)

// CreateTrip inserts a trip keyed by its client-generated id. A trip that already exists
// remotely counts as applied.
func (a *Actions) CreateTrip(ctx context.Context, item models.QueueItem) error {
	data := item.Data
	tripID := str(data, "id")
	if tripID == "" {
		tripID = item.ID
	}

	exists, err := remote.Exists(ctx, a.remote, remote.Query{
		Table: remote.TableFleetTrips,
		Where: []remote.Filter{remote.Eq("id", tripID)},
	})
	if err != nil {
		return fmt.Errorf("check trip %s: %w", tripID, err)
	}
	if exists {
		a.logger.Debug("trip already synced", "trip_id", tripID, "item_id", item.ID)
		return nil
	}

	ids := a.resolver.Resolve(ctx, a.actor(ctx, data, "driver_id"), str(data, "vehicle_id"))
	row := without(data, "actor_id")
	row["id"] = tripID
	row["driver_id"] = ids.DriverID
	if ids.FleetVehicleID != "" {
		row["vehicle_id"] = ids.FleetVehicleID
	}
	if _, err := a.remote.Insert(ctx, remote.TableFleetTrips, row); err != nil {
		if remote.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("insert trip %s: %w", tripID, err)
	}
	return nil
}

// UpdateTrip applies the payload to the trip row. An ending odometer reading also moves the
// vehicle's current mileage.
func (a *Actions) UpdateTrip(ctx context.Context, item models.QueueItem) error {
	data := item.Data
	tripID := str(data, "id", "trip_id")
	if tripID == "" {
		return errors.New("update_trip: missing trip id")
	}

	vehicleToken := str(data, "vehicle_id")
	fields := without(data, "id", "trip_id", "actor_id", "vehicle_id")
	if vehicleToken != "" {
		fields["vehicle_id"] = a.resolver.FleetVehicle(ctx, vehicleToken)
	}
	if len(fields) > 0 {
		if err := a.remote.Update(ctx, remote.TableFleetTrips, tripID, fields); err != nil {
			return fmt.Errorf("update trip %s: %w", tripID, err)
		}
	}

	odometer, ok := num(data, "end_odometer")
	if !ok {
		return nil
	}
	vehicleID, _ := fields["vehicle_id"].(string)
	if vehicleID == "" {
		row, found, err := remote.SelectOne(ctx, a.remote, remote.Query{
			Table:   remote.TableFleetTrips,
			Columns: []string{"vehicle_id"},
			Where:   []remote.Filter{remote.Eq("id", tripID)},
		})
		if err != nil {
			return fmt.Errorf("load trip %s vehicle: %w", tripID, err)
		}
		if !found {
			a.logger.Warn("trip not found for mileage update", "trip_id", tripID)
			return nil
		}
		vehicleID = row.String("vehicle_id")
	}
	if err := a.updateMileage(ctx, vehicleID, odometer); err != nil {
		return fmt.Errorf("update vehicle %s mileage: %w", vehicleID, err)
	}
	return nil
}
