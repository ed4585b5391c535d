package remote

// Tables and procedures of the ERP schema the sync handlers touch.
const (
	TableEmployees     = "employees"
	TableFleetDrivers  = "fleet_drivers"
	TableFleetVehicles = "fleet_vehicles"
	TableVehicles      = "vehicles"
	TableFleetTrips    = "fleet_trips"
	TableFleetFuelLogs = "fleet_fuel_logs"
	TableFuelLogs      = "fuel_logs"
	TableGPSLocations  = "fleet_gps_locations"
	TablePosSales      = "pos_sales"
	TablePosSaleItems  = "pos_sale_items"
	TableVisits        = "customer_visits"

	ProcRecordFuelEntry = "record_fuel_entry"
)
