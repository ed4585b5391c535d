package worker

import (
	"context"
	"fmt"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
)

// UpdateOdometer sets the vehicle's current mileage.
func (a *Actions) UpdateOdometer(ctx context.Context, item models.QueueItem) error {
	data := item.Data
	token := str(data, "vehicle_id", "location_id")
	if token == "" {
		return fmt.Errorf("update_odometer %s: missing vehicle", item.ID)
	}
	mileage, ok := num(data, "current_mileage", "mileage", "odometer", "odometer_reading")
	if !ok {
		return fmt.Errorf("update_odometer %s: missing odometer reading", item.ID)
	}
	vehicleID := a.resolver.FleetVehicle(ctx, token)
	if err := a.updateMileage(ctx, vehicleID, mileage); err != nil {
		return fmt.Errorf("update vehicle %s mileage: %w", vehicleID, err)
	}
	return nil
}

// SaveLocation appends a GPS sample. Duplicate samples are harmless and not filtered.
func (a *Actions) SaveLocation(ctx context.Context, item models.QueueItem) error {
	data := item.Data
	if _, ok := num(data, "latitude"); !ok {
		return fmt.Errorf("save_location %s: missing latitude", item.ID)
	}
	if _, ok := num(data, "longitude"); !ok {
		return fmt.Errorf("save_location %s: missing longitude", item.ID)
	}

	row := without(data, "actor_id")
	if token := str(data, "vehicle_id"); token != "" {
		row["vehicle_id"] = a.resolver.FleetVehicle(ctx, token)
	}
	if str(data, "recorded_at") == "" {
		row["recorded_at"] = item.CreatedAt()
	}
	if _, err := a.remote.Insert(ctx, remote.TableGPSLocations, row); err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}
