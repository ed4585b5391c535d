package worker

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
	"fieldsync/internal/telemetry"
)

// fuelEntry is a fuel purchase decoded from a record_fuel_log payload.
type fuelEntry struct {
	quantity    float64
	price       float64
	total       float64
	odometer    float64
	hasOdometer bool
	fuelType    string
	station     string
	loggedAt    time.Time
}

func parseFuelEntry(item models.QueueItem) (fuelEntry, error) {
	data := item.Data
	e := fuelEntry{
		fuelType: str(data, "p_fuel_type", "fuel_type"),
		station:  str(data, "p_station_name", "station_name"),
		loggedAt: item.CreatedAt(),
	}
	var ok bool
	if e.quantity, ok = num(data, "p_quantity_liters", "quantity_liters"); !ok {
		return e, fmt.Errorf("record_fuel_log %s: missing quantity", item.ID)
	}
	e.price, _ = num(data, "p_price_per_liter", "price_per_liter")
	if e.total, ok = num(data, "p_total_cost", "total_cost"); !ok {
		e.total = e.quantity * e.price
	}
	e.odometer, e.hasOdometer = num(data, "p_odometer_reading", "odometer_reading")
	if raw := str(data, "p_log_date", "log_date"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			e.loggedAt = t
		}
	}
	return e, nil
}

// RecordFuelLog applies a fuel purchase through the first available strategy: the remote
// procedure, then the fleet fuel-log table, then the legacy fuel-log table.
func (a *Actions) RecordFuelLog(ctx context.Context, item models.QueueItem) error {
	entry, err := parseFuelEntry(item)
	if err != nil {
		return err
	}
	data := item.Data
	ids := a.resolver.Resolve(ctx,
		a.actor(ctx, data, "p_driver_id", "driver_id"),
		str(data, "p_vehicle_id", "vehicle_id"))

	used, err := runStrategies(ctx, a.fuelLogStrategies(entry, ids))
	if err != nil {
		return fmt.Errorf("record fuel log: %w", err)
	}
	a.logger.Debug("fuel log recorded", "item_id", item.ID, "strategy", used)
	return nil
}

func (a *Actions) fuelLogStrategies(e fuelEntry, ids models.ResolvedIDs) []strategy {
	missing := []remote.Kind{remote.KindNotImplemented}
	return []strategy{
		{
			name:          "rpc",
			fallthroughOn: missing,
			run: func(ctx context.Context) error {
				args := remote.Row{
					"p_driver_id":       ids.DriverID,
					"p_vehicle_id":      ids.FleetVehicleID,
					"p_quantity_liters": e.quantity,
					"p_price_per_liter": e.price,
					"p_total_cost":      e.total,
					"p_log_date":        e.loggedAt,
				}
				if e.hasOdometer {
					args["p_odometer_reading"] = e.odometer
				}
				if e.fuelType != "" {
					args["p_fuel_type"] = e.fuelType
				}
				if e.station != "" {
					args["p_station_name"] = e.station
				}
				_, err := a.remote.Call(ctx, remote.ProcRecordFuelEntry, args)
				return err
			},
		},
		{
			name:          remote.TableFleetFuelLogs,
			fallthroughOn: missing,
			run: func(ctx context.Context) error {
				row := remote.Row{
					"driver_id":       ids.DriverID,
					"vehicle_id":      ids.FleetVehicleID,
					"quantity_liters": e.quantity,
					"price_per_liter": e.price,
					"total_cost":      e.total,
					"log_date":        e.loggedAt,
				}
				if e.hasOdometer {
					row["odometer_reading"] = e.odometer
				}
				if e.fuelType != "" {
					row["fuel_type"] = e.fuelType
				}
				if e.station != "" {
					row["station_name"] = e.station
				}
				if _, err := a.remote.Insert(ctx, remote.TableFleetFuelLogs, row); err != nil {
					return err
				}
				if e.hasOdometer {
					// The fuel row is already stored; retrying the item would duplicate it.
					if err := a.updateMileage(ctx, ids.FleetVehicleID, e.odometer); err != nil {
						telemetry.SideEffectFailures.WithLabelValues("fuel_mileage").Inc()
						a.logger.Warn("fuel log mileage update failed", "vehicle_id", ids.FleetVehicleID, "err", err)
					}
				}
				return nil
			},
		},
		{
			name: remote.TableFuelLogs,
			run: func(ctx context.Context) error {
				row := remote.Row{
					"vehicle_id":     ids.LegacyVehicleID,
					"driver_id":      ids.EmployeeID,
					"liters":         e.quantity,
					"cost_per_liter": e.price,
					"total_amount":   e.total,
					"fuel_date":      e.loggedAt,
				}
				if e.hasOdometer {
					row["odometer"] = e.odometer
				}
				_, err := a.remote.Insert(ctx, remote.TableFuelLogs, row)
				return err
			},
		},
	}
}
