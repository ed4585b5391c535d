package worker

import (
	"context"
	"fmt"
	"maps"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
	"fieldsync/internal/telemetry"
)

// generatedSaleColumns are computed by the remote store and rejected on insert.
var generatedSaleColumns = []string{"id", "created_at", "updated_at", "amount_due", "change_due"}

// CreatePosSale records a point-of-sale transaction keyed by its business sale number,
// then its line items, then a best-effort customer visit.
func (a *Actions) CreatePosSale(ctx context.Context, item models.QueueItem) error {
	data := item.Data
	saleNumber := str(data, "sale_number")
	if saleNumber == "" {
		return fmt.Errorf("create_pos_sale %s: missing sale_number", item.ID)
	}
	lines, err := saleLines(data["items"])
	if err != nil {
		return fmt.Errorf("create_pos_sale %s: %w", item.ID, err)
	}

	ids := a.resolver.Resolve(ctx, a.actor(ctx, data, "cashier_id", "driver_id"), "")

	saleID, tripID, err := a.upsertSale(ctx, data, saleNumber, ids)
	if err != nil {
		return err
	}
	if err := a.insertSaleLines(ctx, saleID, lines); err != nil {
		return err
	}
	a.recordVisit(ctx, item, visit{
		tripID:     tripID,
		customerID: str(data, "customer_id"),
		driverID:   ids.DriverID,
		saleID:     saleID,
	})
	return nil
}

// upsertSale returns the id and trip reference of the sale with saleNumber, inserting it first
// when it does not exist yet.
func (a *Actions) upsertSale(ctx context.Context, data map[string]any, saleNumber string, ids models.ResolvedIDs) (string, string, error) {
	if id, trip, found, err := a.findSale(ctx, saleNumber); err != nil || found {
		return id, trip, err
	}

	row := without(data, append(generatedSaleColumns, "items", "actor_id")...)
	tripID := str(data, "trip_id")
	if tripID != "" {
		ok, err := remote.Exists(ctx, a.remote, remote.Query{
			Table: remote.TableFleetTrips,
			Where: []remote.Filter{remote.Eq("id", tripID)},
		})
		if err != nil {
			return "", "", fmt.Errorf("check trip %s: %w", tripID, err)
		}
		if !ok {
			a.logger.Warn("sale references unknown trip, clearing reference", "sale_number", saleNumber, "trip_id", tripID)
			tripID = ""
		}
	}
	if tripID == "" {
		row["trip_id"] = nil
	}
	if ids.EmployeeID != "" {
		row["cashier_id"] = ids.EmployeeID
	}

	inserted, err := a.remote.Insert(ctx, remote.TablePosSales, row)
	if err != nil {
		if remote.IsUniqueViolation(err) {
			// Another replay won the race on sale_number.
			id, trip, found, findErr := a.findSale(ctx, saleNumber)
			if findErr == nil && found {
				return id, trip, nil
			}
		}
		return "", "", fmt.Errorf("insert sale %s: %w", saleNumber, err)
	}
	return inserted.String("id"), tripID, nil
}

func (a *Actions) findSale(ctx context.Context, saleNumber string) (string, string, bool, error) {
	row, found, err := remote.SelectOne(ctx, a.remote, remote.Query{
		Table:   remote.TablePosSales,
		Columns: []string{"id", "trip_id"},
		Where:   []remote.Filter{remote.Eq("sale_number", saleNumber)},
	})
	if err != nil {
		return "", "", false, fmt.Errorf("find sale %s: %w", saleNumber, err)
	}
	if !found {
		return "", "", false, nil
	}
	return row.String("id"), row.String("trip_id"), true, nil
}

// insertSaleLines stores the line items unless the sale already has some.
func (a *Actions) insertSaleLines(ctx context.Context, saleID string, lines []remote.Row) error {
	if len(lines) == 0 {
		return nil
	}
	exists, err := remote.Exists(ctx, a.remote, remote.Query{
		Table: remote.TablePosSaleItems,
		Where: []remote.Filter{remote.Eq("sale_id", saleID)},
	})
	if err != nil {
		return fmt.Errorf("check sale %s items: %w", saleID, err)
	}
	if exists {
		return nil
	}
	rows := make([]remote.Row, 0, len(lines))
	for _, line := range lines {
		row := maps.Clone(line)
		delete(row, "id")
		row["sale_id"] = saleID
		if _, ok := row["line_total"]; !ok {
			qty, _ := asFloat(row["quantity"])
			price, _ := asFloat(row["unit_price"])
			discount, _ := asFloat(row["discount"])
			row["line_total"] = qty*price - discount
		}
		rows = append(rows, row)
	}
	if err := a.remote.InsertMany(ctx, remote.TablePosSaleItems, rows); err != nil {
		return fmt.Errorf("insert sale %s items: %w", saleID, err)
	}
	return nil
}

type visit struct {
	tripID     string
	customerID string
	driverID   string
	saleID     string
}

// recordVisit logs a customer visit for the trip unless one was already recorded within the
// dedup window before the sale. Failures are logged and discarded.
func (a *Actions) recordVisit(ctx context.Context, item models.QueueItem, v visit) {
	if v.tripID == "" || v.customerID == "" {
		return
	}
	at := item.CreatedAt()
	fail := func(msg string, err error) {
		telemetry.SideEffectFailures.WithLabelValues("customer_visit").Inc()
		a.logger.Warn(msg, "trip_id", v.tripID, "customer_id", v.customerID, "err", err)
	}

	exists, err := remote.Exists(ctx, a.remote, remote.Query{
		Table: remote.TableVisits,
		Where: []remote.Filter{
			remote.Eq("trip_id", v.tripID),
			remote.Eq("customer_id", v.customerID),
			remote.Gte("visit_time", at.Add(-a.visitWindow)),
		},
	})
	if err != nil {
		fail("visit lookup failed", err)
		return
	}
	if exists {
		return
	}
	_, err = a.remote.Insert(ctx, remote.TableVisits, remote.Row{
		"trip_id":     v.tripID,
		"customer_id": v.customerID,
		"driver_id":   v.driverID,
		"sale_id":     v.saleID,
		"visit_type":  "sale",
		"visit_time":  at,
	})
	if err != nil {
		fail("visit insert failed", err)
	}
}

func saleLines(raw any) ([]remote.Row, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]map[string]any); ok {
			list = make([]any, 0, len(typed))
			for _, m := range typed {
				list = append(list, m)
			}
		} else {
			return nil, fmt.Errorf("items must be a list, got %T", raw)
		}
	}
	lines := make([]remote.Row, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d must be an object, got %T", i, entry)
		}
		lines = append(lines, remote.Row(m))
	}
	return lines, nil
}
