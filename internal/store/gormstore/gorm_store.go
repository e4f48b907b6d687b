package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cyclone/internal/cycle"
	"cyclone/internal/gateway/venue"
	"cyclone/internal/store"
	storemodel "cyclone/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type cycleModel = storemodel.CycleModel
type orderModel = storemodel.OrderModel
type snapshotModel = storemodel.AccountSnapshotModel

// GormStore implements cycle, ledger and snapshot storage using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var (
	_ store.CycleStore    = (*GormStore)(nil)
	_ store.OrderLedger   = (*GormStore)(nil)
	_ store.SnapshotStore = (*GormStore)(nil)
)

// NewGormStore initializes a new GormStore instance.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path must not be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&cycleModel{},
		&orderModel{},
		&snapshotModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	return s.db.DB()
}

// GormDB exposes the underlying *gorm.DB (read-only reference).
func (s *GormStore) GormDB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// --------------------------- CycleStore --------------------------------

func (s *GormStore) CreateCycle(ctx context.Context, c *cycle.Cycle) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if c == nil || strings.TrimSpace(c.CycleID) == "" {
		return fmt.Errorf("cycle_id required")
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.OpenedAt.IsZero() {
		c.OpenedAt = now
	}
	model := newCycleModel(*c)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapDB("create cycle", err)
	}
	c.ID = model.ID
	return nil
}

func (s *GormStore) GetCycle(ctx context.Context, id int64) (cycle.Cycle, bool, error) {
	if s == nil || s.db == nil {
		return cycle.Cycle{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m cycleModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cycle.Cycle{}, false, nil
		}
		return cycle.Cycle{}, false, wrapDB("get cycle", err)
	}
	return cycleModelToCycle(m), true, nil
}

func (s *GormStore) GetCycleByCycleID(ctx context.Context, cycleID string) (cycle.Cycle, bool, error) {
	if s == nil || s.db == nil {
		return cycle.Cycle{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m cycleModel
	if err := s.db.WithContext(ctx).Where("cycle_id = ?", strings.TrimSpace(cycleID)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cycle.Cycle{}, false, nil
		}
		return cycle.Cycle{}, false, wrapDB("get cycle by cycle_id", err)
	}
	return cycleModelToCycle(m), true, nil
}

func (s *GormStore) ListActiveCycles(ctx context.Context) ([]cycle.Cycle, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []cycleModel
	if err := s.db.WithContext(ctx).
		Where("is_closed = ?", 0).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, wrapDB("list active cycles", err)
	}
	out := make([]cycle.Cycle, 0, len(models))
	for _, m := range models {
		out = append(out, cycleModelToCycle(m))
	}
	return out, nil
}

func (s *GormStore) ListRecentCycles(ctx context.Context, symbol string, limit, offset int) ([]cycle.Cycle, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := s.db.WithContext(ctx).Model(&cycleModel{})
	if sym := cycle.NormalizeSymbol(symbol); sym != "" {
		query = query.Where("symbol = ?", sym)
	}
	var models []cycleModel
	if err := query.
		Order("COALESCE(NULLIF(closed_at, 0), opened_at) DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, wrapDB("list recent cycles", err)
	}
	out := make([]cycle.Cycle, 0, len(models))
	for _, m := range models {
		out = append(out, cycleModelToCycle(m))
	}
	return out, nil
}

func (s *GormStore) UpdateCycle(ctx context.Context, cycleID string, patch store.CyclePatch) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	cycleID = strings.TrimSpace(cycleID)
	if cycleID == "" {
		return fmt.Errorf("cycle_id required")
	}
	payload := map[string]interface{}{
		"updated_at": time.Now().UnixMilli(),
	}
	if patch.Status != nil {
		payload["status"] = string(*patch.Status)
		payload["is_pending"] = boolToInt(*patch.Status == cycle.StatusPendingOpen)
	}
	if patch.Roles != nil {
		payload["pending"] = ticketsJSON(patch.Roles.Pending)
		payload["initial"] = ticketsJSON(patch.Roles.Initial)
		payload["hedge"] = ticketsJSON(patch.Roles.Hedge)
		payload["recovery"] = ticketsJSON(patch.Roles.Recovery)
		payload["max_recovery"] = ticketsJSON(patch.Roles.MaxRecovery)
		payload["closed"] = ticketsJSON(patch.Roles.Closed)
	}
	if patch.ZoneIndex != nil {
		payload["zone_index"] = *patch.ZoneIndex
	}
	if patch.LotIdx != nil {
		payload["lot_idx"] = *patch.LotIdx
	}
	if patch.HedgeAttempts != nil {
		payload["hedge_attempts"] = *patch.HedgeAttempts
	}
	if patch.LowerBound != nil {
		payload["lower_bound"] = *patch.LowerBound
	}
	if patch.UpperBound != nil {
		payload["upper_bound"] = *patch.UpperBound
	}
	if patch.ThresholdLower != nil {
		payload["threshold_lower"] = *patch.ThresholdLower
	}
	if patch.ThresholdUpper != nil {
		payload["threshold_upper"] = *patch.ThresholdUpper
	}
	if patch.TotalVolume != nil {
		payload["total_volume"] = *patch.TotalVolume
	}
	if patch.TotalProfit != nil {
		payload["total_profit"] = *patch.TotalProfit
	}
	if patch.ClosingMethod != nil {
		payload["closing_method"] = string(*patch.ClosingMethod)
	}
	// Closed cycles are immutable; the guard makes a late patch from a
	// shutting-down worker a harmless no-op.
	res := s.db.WithContext(ctx).Model(&cycleModel{}).
		Where("cycle_id = ? AND is_closed = ?", cycleID, 0).
		Updates(payload)
	if res.Error != nil {
		return wrapDB("update cycle", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrClosedCycle(ctx, cycleID)
	}
	return nil
}

func (s *GormStore) CloseCycle(ctx context.Context, cycleID string, method cycle.ClosingMethod, closedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	cycleID = strings.TrimSpace(cycleID)
	if cycleID == "" {
		return fmt.Errorf("cycle_id required")
	}
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	res := s.db.WithContext(ctx).Model(&cycleModel{}).
		Where("cycle_id = ? AND is_closed = ?", cycleID, 0).
		Updates(map[string]interface{}{
			"status":         string(cycle.StatusClosed),
			"is_closed":      1,
			"is_pending":     0,
			"closing_method": string(method),
			"closed_at":      closedAt.UnixMilli(),
			"updated_at":     time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return wrapDB("close cycle", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrClosedCycle(ctx, cycleID)
	}
	return nil
}

// missingOrClosedCycle distinguishes "no such cycle" from "already closed"
// after a guarded update matched nothing.
func (s *GormStore) missingOrClosedCycle(ctx context.Context, cycleID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&cycleModel{}).
		Where("cycle_id = ?", cycleID).
		Count(&count).Error; err != nil {
		return wrapDB("check cycle", err)
	}
	if count == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --------------------------- OrderLedger -------------------------------

func (s *GormStore) UpsertOrder(ctx context.Context, rec store.OrderRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if rec.Ticket <= 0 {
		return fmt.Errorf("ticket required")
	}
	model := newOrderModel(rec)
	// Live fields follow the venue; close state and provenance are sticky.
	// cycle_id and correlation_id only ever gain a value, so a reconciler
	// upsert that knows neither cannot erase what submit recorded.
	updates := clause.Assignments(map[string]interface{}{
		"cycle_id":       gorm.Expr("COALESCE(NULLIF(excluded.cycle_id, ''), orders.cycle_id)"),
		"correlation_id": gorm.Expr("COALESCE(excluded.correlation_id, orders.correlation_id)"),
		"symbol":         gorm.Expr("excluded.symbol"),
		"kind":           gorm.Expr("excluded.kind"),
		"type":           gorm.Expr("excluded.type"),
		"volume":         gorm.Expr("excluded.volume"),
		"open_price":     gorm.Expr("excluded.open_price"),
		"current_price":  gorm.Expr("excluded.current_price"),
		"stop_loss":      gorm.Expr("excluded.stop_loss"),
		"take_profit":    gorm.Expr("excluded.take_profit"),
		"commission":     gorm.Expr("excluded.commission"),
		"swap":           gorm.Expr("excluded.swap"),
		"profit":         gorm.Expr("excluded.profit"),
		"magic":          gorm.Expr("excluded.magic"),
		"comment":        gorm.Expr("excluded.comment"),
		"opened_by":      gorm.Expr("COALESCE(NULLIF(orders.opened_by, ''), excluded.opened_by)"),
		"opened_at":      gorm.Expr("excluded.opened_at"),
		"last_seen_at":   gorm.Expr("excluded.last_seen_at"),
		"updated_at":     gorm.Expr("excluded.updated_at"),
	})
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticket"}},
			DoUpdates: updates,
		}).
		Create(&model).Error
	if err != nil {
		return wrapDB("upsert order", err)
	}
	return nil
}

func (s *GormStore) GetOrder(ctx context.Context, ticket venue.Ticket) (store.OrderRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.OrderRecord{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m orderModel
	if err := s.db.WithContext(ctx).Where("ticket = ?", int64(ticket)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.OrderRecord{}, false, nil
		}
		return store.OrderRecord{}, false, wrapDB("get order", err)
	}
	return orderModelToRecord(m), true, nil
}

func (s *GormStore) GetOrderByCorrelation(ctx context.Context, correlationID string) (store.OrderRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.OrderRecord{}, false, fmt.Errorf("gorm store not initialized")
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return store.OrderRecord{}, false, nil
	}
	var m orderModel
	if err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.OrderRecord{}, false, nil
		}
		return store.OrderRecord{}, false, wrapDB("get order by correlation", err)
	}
	return orderModelToRecord(m), true, nil
}

func (s *GormStore) ListOrdersByCycle(ctx context.Context, cycleID string) ([]store.OrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []orderModel
	if err := s.db.WithContext(ctx).
		Where("cycle_id = ?", strings.TrimSpace(cycleID)).
		Order("opened_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, wrapDB("list orders by cycle", err)
	}
	return orderModelsToRecords(models), nil
}

func (s *GormStore) ListOpenOrders(ctx context.Context) ([]store.OrderRecord, error) {
	return s.listOpenByKind(ctx, venue.KindPosition)
}

func (s *GormStore) ListPendingOrders(ctx context.Context) ([]store.OrderRecord, error) {
	return s.listOpenByKind(ctx, venue.KindPending)
}

func (s *GormStore) listOpenByKind(ctx context.Context, kind venue.OrderKind) ([]store.OrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []orderModel
	if err := s.db.WithContext(ctx).
		Where("is_closed = ? AND kind = ?", 0, string(kind)).
		Order("opened_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, wrapDB("list open orders", err)
	}
	return orderModelsToRecords(models), nil
}

func (s *GormStore) MarkOrderClosed(ctx context.Context, ticket venue.Ticket, reason string, closedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if ticket <= 0 {
		return fmt.Errorf("ticket required")
	}
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	res := s.db.WithContext(ctx).Model(&orderModel{}).
		Where("ticket = ? AND is_closed = ?", int64(ticket), 0).
		Updates(map[string]interface{}{
			"is_closed":    1,
			"close_reason": strings.TrimSpace(reason),
			"closed_at":    closedAt.UnixMilli(),
			"updated_at":   time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return wrapDB("mark order closed", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&orderModel{}).
		Where("ticket = ?", int64(ticket)).
		Count(&count).Error; err != nil {
		return wrapDB("check order", err)
	}
	if count == 0 {
		return store.ErrNotFound
	}
	// Already closed: the first transition's reason stands.
	return nil
}

func (s *GormStore) CloseOrdersMissingFrom(ctx context.Context, live []venue.Ticket, closedAt time.Time) ([]store.OrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	var missing []orderModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("is_closed = ?", 0)
		if len(live) > 0 {
			query = query.Where("ticket NOT IN ?", ticketValues(live))
		}
		if err := query.Find(&missing).Error; err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		tickets := make([]int64, 0, len(missing))
		for _, m := range missing {
			tickets = append(tickets, m.Ticket)
		}
		return tx.Model(&orderModel{}).
			Where("ticket IN ? AND is_closed = ?", tickets, 0).
			Updates(map[string]interface{}{
				"is_closed":    1,
				"close_reason": store.CloseReasonReconciliation,
				"closed_at":    closedAt.UnixMilli(),
				"updated_at":   time.Now().UnixMilli(),
			}).Error
	})
	if err != nil {
		return nil, wrapDB("close missing orders", err)
	}
	out := make([]store.OrderRecord, 0, len(missing))
	for _, m := range missing {
		rec := orderModelToRecord(m)
		rec.IsClosed = true
		rec.CloseReason = store.CloseReasonReconciliation
		ts := closedAt
		rec.ClosedAt = &ts
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) SeenCorrelation(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&orderModel{}).
		Where("correlation_id = ?", key).
		Count(&count).Error; err != nil {
		return false, wrapDB("seen correlation", err)
	}
	return count > 0, nil
}

// --------------------------- SnapshotStore -----------------------------

func (s *GormStore) AppendAccountSnapshot(ctx context.Context, rec store.AccountSnapshotRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	model := snapshotModel{
		Balance:       rec.Balance,
		Equity:        rec.Equity,
		Margin:        rec.Margin,
		MarginFree:    rec.MarginFree,
		Profit:        rec.Profit,
		OpenPositions: rec.OpenPositions,
		AtMillis:      rec.At.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapDB("append account snapshot", err)
	}
	return nil
}

func (s *GormStore) ListAccountSnapshots(ctx context.Context, since time.Time, limit int) ([]store.AccountSnapshotRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var models []snapshotModel
	query := s.db.WithContext(ctx).Limit(limit)
	if since.IsZero() {
		// Most recent window, returned oldest first.
		if err := query.Order("at DESC, id DESC").Find(&models).Error; err != nil {
			return nil, wrapDB("list account snapshots", err)
		}
		for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
			models[i], models[j] = models[j], models[i]
		}
	} else {
		if err := query.
			Where("at >= ?", since.UnixMilli()).
			Order("at ASC, id ASC").
			Find(&models).Error; err != nil {
			return nil, wrapDB("list account snapshots", err)
		}
	}
	out := make([]store.AccountSnapshotRecord, 0, len(models))
	for _, m := range models {
		out = append(out, store.AccountSnapshotRecord{
			ID:            m.ID,
			Balance:       m.Balance,
			Equity:        m.Equity,
			Margin:        m.Margin,
			MarginFree:    m.MarginFree,
			Profit:        m.Profit,
			OpenPositions: m.OpenPositions,
			At:            millisToTime(m.AtMillis),
		})
	}
	return out, nil
}

// --------------------------- Model Helpers ------------------------------

func ensureDir(path string) error {
	dir := filepathDir(path)
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func newCycleModel(c cycle.Cycle) cycleModel {
	return cycleModel{
		ID:                 c.ID,
		CycleID:            strings.TrimSpace(c.CycleID),
		Symbol:             cycle.NormalizeSymbol(c.Symbol),
		Account:            c.Account,
		Bot:                strings.TrimSpace(c.Bot),
		Status:             string(c.Status),
		Direction:          string(c.Direction),
		IsPending:          boolToInt(c.IsPending()),
		IsClosed:           boolToInt(c.IsClosed()),
		LowerBound:         c.LowerBound,
		UpperBound:         c.UpperBound,
		Threshold:          c.Threshold,
		ThresholdLower:     c.ThresholdLower,
		ThresholdUpper:     c.ThresholdUpper,
		ZoneIndex:          c.ZoneIndex,
		LotIdx:             c.LotIdx,
		HedgeAttempts:      c.HedgeAttempts,
		PendingTickets:     ticketsJSON(c.Roles.Pending),
		InitialTickets:     ticketsJSON(c.Roles.Initial),
		HedgeTickets:       ticketsJSON(c.Roles.Hedge),
		RecoveryTickets:    ticketsJSON(c.Roles.Recovery),
		MaxRecoveryTickets: ticketsJSON(c.Roles.MaxRecovery),
		ClosedTickets:      ticketsJSON(c.Roles.Closed),
		TotalVolume:        c.TotalVolume,
		TotalProfit:        c.TotalProfit,
		ParamsJSON:         paramsJSON(c.Params),
		ClosingMethod:      string(c.ClosingMethod),
		Magic:              c.Magic,
		OpenedAtMillis:     timeToMillis(c.OpenedAt),
		ClosedAtMillis:     timePtrToMillis(c.ClosedAt),
		CreatedAtUnix:      c.CreatedAt.UnixMilli(),
		UpdatedAtUnix:      c.UpdatedAt.UnixMilli(),
	}
}

func cycleModelToCycle(m cycleModel) cycle.Cycle {
	c := cycle.Cycle{
		ID:             m.ID,
		CycleID:        strings.TrimSpace(m.CycleID),
		Symbol:         cycle.NormalizeSymbol(m.Symbol),
		Account:        m.Account,
		Bot:            strings.TrimSpace(m.Bot),
		Status:         cycle.Status(m.Status),
		Direction:      venue.Side(m.Direction),
		LowerBound:     m.LowerBound,
		UpperBound:     m.UpperBound,
		Threshold:      m.Threshold,
		ThresholdLower: m.ThresholdLower,
		ThresholdUpper: m.ThresholdUpper,
		ZoneIndex:      m.ZoneIndex,
		LotIdx:         m.LotIdx,
		HedgeAttempts:  m.HedgeAttempts,
		Roles: cycle.RoleSets{
			Pending:     ticketsFromJSON(m.PendingTickets),
			Initial:     ticketsFromJSON(m.InitialTickets),
			Hedge:       ticketsFromJSON(m.HedgeTickets),
			Recovery:    ticketsFromJSON(m.RecoveryTickets),
			MaxRecovery: ticketsFromJSON(m.MaxRecoveryTickets),
			Closed:      ticketsFromJSON(m.ClosedTickets),
		},
		TotalVolume:   m.TotalVolume,
		TotalProfit:   m.TotalProfit,
		Params:        paramsFromJSON(m.ParamsJSON),
		ClosingMethod: cycle.ClosingMethod(m.ClosingMethod),
		Magic:         m.Magic,
		OpenedAt:      millisToTime(m.OpenedAtMillis),
		CreatedAt:     millisToTime(m.CreatedAtUnix),
		UpdatedAt:     millisToTime(m.UpdatedAtUnix),
	}
	if m.ClosedAtMillis > 0 {
		ts := millisToTime(m.ClosedAtMillis)
		c.ClosedAt = &ts
	}
	return c
}

func newOrderModel(rec store.OrderRecord) orderModel {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return orderModel{
		Ticket:           int64(rec.Ticket),
		CycleID:          strings.TrimSpace(rec.CycleID),
		CorrelationID:    corrPtr(rec.CorrelationID),
		Symbol:           cycle.NormalizeSymbol(rec.Symbol),
		Kind:             string(rec.Kind),
		Type:             string(rec.Type),
		Volume:           rec.Volume,
		OpenPrice:        rec.OpenPrice,
		CurrentPrice:     rec.CurrentPrice,
		StopLoss:         rec.StopLoss,
		TakeProfit:       rec.TakeProfit,
		Commission:       rec.Commission,
		Swap:             rec.Swap,
		Profit:           rec.Profit,
		Magic:            rec.Magic,
		Comment:          strings.TrimSpace(rec.Comment),
		OpenedBy:         strings.TrimSpace(rec.OpenedBy),
		ClosingMethod:    strings.TrimSpace(rec.ClosingMethod),
		IsClosed:         boolToInt(rec.IsClosed),
		CloseReason:      strings.TrimSpace(rec.CloseReason),
		OpenedAtMillis:   timeToMillis(rec.OpenedAt),
		ClosedAtMillis:   timePtrToMillis(rec.ClosedAt),
		LastSeenAtMillis: timePtrToMillis(rec.LastSeenAt),
		CreatedAtUnix:    rec.CreatedAt.UnixMilli(),
		UpdatedAtUnix:    rec.UpdatedAt.UnixMilli(),
	}
}

func orderModelToRecord(m orderModel) store.OrderRecord {
	rec := store.OrderRecord{
		Ticket:        venue.Ticket(m.Ticket),
		CycleID:       strings.TrimSpace(m.CycleID),
		CorrelationID: corrString(m.CorrelationID),
		Symbol:        cycle.NormalizeSymbol(m.Symbol),
		Kind:          venue.OrderKind(m.Kind),
		Type:          venue.OrderType(m.Type),
		Volume:        m.Volume,
		OpenPrice:     m.OpenPrice,
		CurrentPrice:  m.CurrentPrice,
		StopLoss:      m.StopLoss,
		TakeProfit:    m.TakeProfit,
		Commission:    m.Commission,
		Swap:          m.Swap,
		Profit:        m.Profit,
		Magic:         m.Magic,
		Comment:       m.Comment,
		OpenedBy:      m.OpenedBy,
		ClosingMethod: m.ClosingMethod,
		IsClosed:      m.IsClosed != 0,
		CloseReason:   m.CloseReason,
		OpenedAt:      millisToTime(m.OpenedAtMillis),
		CreatedAt:     millisToTime(m.CreatedAtUnix),
		UpdatedAt:     millisToTime(m.UpdatedAtUnix),
	}
	if m.ClosedAtMillis > 0 {
		ts := millisToTime(m.ClosedAtMillis)
		rec.ClosedAt = &ts
	}
	if m.LastSeenAtMillis > 0 {
		ts := millisToTime(m.LastSeenAtMillis)
		rec.LastSeenAt = &ts
	}
	return rec
}

func orderModelsToRecords(models []orderModel) []store.OrderRecord {
	out := make([]store.OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, orderModelToRecord(m))
	}
	return out
}

// --------------------------- Helper Functions ---------------------------

// wrapDB classifies storage errors. Not-found passes through untouched,
// constraint violations stay plain errors so callers do not retry them, and
// everything else becomes an UnavailableError.
func wrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if strings.Contains(err.Error(), "constraint") {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &store.UnavailableError{Op: op, Err: err}
}

func ticketsJSON(set []venue.Ticket) datatypes.JSON {
	if len(set) == 0 {
		return datatypes.JSON([]byte("[]"))
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}

func ticketsFromJSON(data datatypes.JSON) []venue.Ticket {
	if len(data) == 0 {
		return nil
	}
	var out []venue.Ticket
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func paramsJSON(p cycle.Params) datatypes.JSON {
	raw, err := json.Marshal(p)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func paramsFromJSON(data datatypes.JSON) cycle.Params {
	var p cycle.Params
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}
	return p
}

func ticketValues(set []venue.Ticket) []int64 {
	out := make([]int64, 0, len(set))
	for _, t := range set {
		out = append(out, int64(t))
	}
	return out
}

func corrPtr(key string) *string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return &key
}

func corrString(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timePtrToMillis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func filepathDir(path string) string {
	last := strings.LastIndex(path, "/")
	if last == -1 {
		last = strings.LastIndex(path, "\\")
	}
	if last == -1 {
		return ""
	}
	return path[:last]
}
