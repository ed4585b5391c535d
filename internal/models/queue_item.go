package models

import (
	"time"
)

// Action names the kind of deferred mutation a queue item carries.
type Action string

// Actions recorded by the driver view. The set is closed.
const (
	ActionCreateTrip     Action = "create_trip"
	ActionUpdateTrip     Action = "update_trip"
	ActionRecordFuelLog  Action = "record_fuel_log"
	ActionUpdateOdometer Action = "update_odometer"
	ActionSaveLocation   Action = "save_location"
	ActionCreatePosSale  Action = "create_pos_sale"
)

// Actions lists every known action in a stable order.
var Actions = []Action{
	ActionCreateTrip,
	ActionUpdateTrip,
	ActionRecordFuelLog,
	ActionUpdateOdometer,
	ActionSaveLocation,
	ActionCreatePosSale,
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// DefaultMaxRetries is the failed-attempt count after which an item is exhausted.
const DefaultMaxRetries = 3

// QueueItem is a unit of deferred work persisted on the device.
type QueueItem struct {
	ID         string         `json:"id"`
	Action     Action         `json:"action"`
	Data       map[string]any `json:"data"`
	Timestamp  int64          `json:"timestamp"`
	RetryCount int            `json:"retry_count"`
	LastError  string         `json:"last_error,omitempty"`
}

// CreatedAt returns the enqueue time.
func (i QueueItem) CreatedAt() time.Time {
	return time.UnixMilli(i.Timestamp).UTC()
}

// Exhausted reports whether the item reached the retry cap.
func (i QueueItem) Exhausted(maxRetries int) bool {
	return i.RetryCount >= maxRetries
}

// QueueStats summarizes the queue for display.
type QueueStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
}

// Trigger identifies what started a sync pass.
type Trigger string

const (
	TriggerReconnect Trigger = "reconnect"
	TriggerTimer     Trigger = "timer"
	TriggerManual    Trigger = "manual"
)

// SyncResult is the summary reported at the end of a pass.
type SyncResult struct {
	Trigger   Trigger       `json:"trigger"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Remaining int           `json:"remaining"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Drained reports whether nothing is left in the queue after the pass.
func (r SyncResult) Drained() bool {
	return r.Remaining == 0
}

// ResolvedIDs carries the remote foreign keys derived from locally held tokens.
type ResolvedIDs struct {
	EmployeeID      string `json:"employee_id"`
	DriverID        string `json:"driver_id"`
	FleetVehicleID  string `json:"fleet_vehicle_id"`
	LegacyVehicleID string `json:"legacy_vehicle_id"`
}
