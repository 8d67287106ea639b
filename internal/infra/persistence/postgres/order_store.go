package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/orderstore"
	"github.com/coachpo/orbit/internal/domain/schema"
)

// OrderStore persists order snapshots and fills for audit and query.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	defaultOrderLimit = 200
	maxOrderLimit     = 1000
	defaultFillLimit  = 500
	maxFillLimit      = 5000
)

const (
	orderUpsertSQL = `
INSERT INTO orders (
    order_id,
    signal_id,
    strategy_id,
    instrument_id,
    position_id,
    is_exit,
    side,
    order_type,
    quantity,
    limit_price,
    trigger_price,
    status,
    filled_quantity,
    avg_fill_price,
    broker_order_id,
    reject_reason,
    attempts,
    version,
    snapshot,
    created_at,
    updated_at
)
VALUES (
    @order_id,
    @signal_id,
    @strategy_id,
    @instrument_id,
    @position_id,
    @is_exit,
    @side,
    @order_type,
    @quantity,
    @limit_price,
    @trigger_price,
    @status,
    @filled_quantity,
    @avg_fill_price,
    @broker_order_id,
    @reject_reason,
    @attempts,
    @version,
    @snapshot::jsonb,
    @created_at,
    @updated_at
)
ON CONFLICT (order_id) DO UPDATE
SET status = EXCLUDED.status,
    quantity = EXCLUDED.quantity,
    limit_price = EXCLUDED.limit_price,
    trigger_price = EXCLUDED.trigger_price,
    filled_quantity = EXCLUDED.filled_quantity,
    avg_fill_price = EXCLUDED.avg_fill_price,
    broker_order_id = EXCLUDED.broker_order_id,
    reject_reason = EXCLUDED.reject_reason,
    attempts = EXCLUDED.attempts,
    version = EXCLUDED.version,
    snapshot = EXCLUDED.snapshot,
    updated_at = EXCLUDED.updated_at
WHERE orders.version < EXCLUDED.version;
`

	fillInsertSQL = `
INSERT INTO order_fills (
    fill_id,
    order_id,
    broker_order_id,
    instrument_id,
    side,
    quantity,
    price,
    filled_at
)
VALUES (@fill_id, @order_id, @broker_order_id, @instrument_id, @side, @quantity, @price, @filled_at)
ON CONFLICT (fill_id) DO NOTHING;
`

	orderGetSQL = `
SELECT snapshot
FROM orders
WHERE order_id = $1;
`

	orderSelectBase = `
SELECT snapshot
FROM orders`

	fillSelectBase = `
SELECT fill_id, order_id, broker_order_id, instrument_id, side, quantity, price, filled_at
FROM order_fills`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type orderTx struct {
	tx    pgx.Tx
	store *OrderStore
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

func (s *OrderStore) upsertOrderWith(ctx context.Context, exec execer, order *schema.Order) error {
	if order == nil || strings.TrimSpace(order.OrderID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	snapshot, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("order store: encode snapshot: %w", err)
	}
	quantity, err := numericFromDecimal(order.Quantity)
	if err != nil {
		return fmt.Errorf("order store: quantity: %w", err)
	}
	filled, err := numericFromDecimal(order.FilledQuantity)
	if err != nil {
		return fmt.Errorf("order store: filled quantity: %w", err)
	}
	avgPrice, err := numericFromDecimal(order.AvgFillPrice)
	if err != nil {
		return fmt.Errorf("order store: avg fill price: %w", err)
	}
	limitPrice, err := numericFromOptional(order.LimitPrice)
	if err != nil {
		return fmt.Errorf("order store: limit price: %w", err)
	}
	triggerPrice, err := numericFromOptional(order.TriggerPrice)
	if err != nil {
		return fmt.Errorf("order store: trigger price: %w", err)
	}
	args := pgx.NamedArgs{
		"order_id":        order.OrderID,
		"signal_id":       order.SignalID,
		"strategy_id":     order.StrategyID,
		"instrument_id":   order.InstrumentID,
		"position_id":     nullableString(order.PositionID),
		"is_exit":         order.Exit,
		"side":            string(order.Side),
		"order_type":      string(order.Type),
		"quantity":        quantity,
		"limit_price":     limitPrice,
		"trigger_price":   triggerPrice,
		"status":          string(order.Status),
		"filled_quantity": filled,
		"avg_fill_price":  avgPrice,
		"broker_order_id": nullableString(order.BrokerOrderID),
		"reject_reason":   nullableString(order.RejectReason),
		"attempts":        order.Attempts,
		"version":         order.Version,
		"snapshot":        snapshot,
		"created_at":      order.CreatedAt,
		"updated_at":      order.UpdatedAt,
	}
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return classify("postgres/order_store", fmt.Errorf("order store: upsert order: %w", err))
	}
	return nil
}

func (s *OrderStore) recordFillWith(ctx context.Context, exec execer, fill schema.Fill) error {
	if strings.TrimSpace(fill.FillID) == "" {
		return fmt.Errorf("order store: fill id required")
	}
	quantity, err := numericFromDecimal(fill.Quantity)
	if err != nil {
		return fmt.Errorf("order store: fill quantity: %w", err)
	}
	price, err := numericFromDecimal(fill.Price)
	if err != nil {
		return fmt.Errorf("order store: fill price: %w", err)
	}
	args := pgx.NamedArgs{
		"fill_id":         fill.FillID,
		"order_id":        fill.OrderID,
		"broker_order_id": nullableString(fill.BrokerOrderID),
		"instrument_id":   fill.InstrumentID,
		"side":            string(fill.Side),
		"quantity":        quantity,
		"price":           price,
		"filled_at":       fill.Timestamp,
	}
	if _, err := exec.Exec(ctx, fillInsertSQL, args); err != nil {
		return classify("postgres/order_store", fmt.Errorf("order store: insert fill: %w", err))
	}
	return nil
}

// UpsertOrder stores the order snapshot; older versions never overwrite newer ones.
func (s *OrderStore) UpsertOrder(ctx context.Context, order *schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.upsertOrderWith(ctx, pool, order)
}

// RecordFill stores a fill once; duplicates are ignored.
func (s *OrderStore) RecordFill(ctx context.Context, fill schema.Fill) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordFillWith(ctx, pool, fill)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return classify("postgres/order_store", fmt.Errorf("order store: begin tx: %w", err))
	}
	wrapped := &orderTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("order store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classify("postgres/order_store", fmt.Errorf("order store: commit tx: %w", err))
	}
	return nil
}

// GetOrder loads the latest snapshot of an order.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = pool.QueryRow(ctx, orderGetSQL, strings.TrimSpace(id)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New("postgres/order_store", errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithField("order_id", id))
	}
	if err != nil {
		return nil, classify("postgres/order_store", fmt.Errorf("order store: get order: %w", err))
	}
	return decodeOrder(raw)
}

// ListOrders retrieves persisted orders matching the supplied query filters.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.OrderQuery) ([]*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.TrimSpace(query.StrategyID); trimmed != "" {
		fmt.Fprintf(&builder, " AND strategy_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.InstrumentID); trimmed != "" {
		fmt.Fprintf(&builder, " AND instrument_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	statuses := normalizedStatuses(query.Statuses)
	if len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, classify("postgres/order_store", fmt.Errorf("order store: list orders: %w", err))
	}
	defer rows.Close()

	var orders []*schema.Order
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		order, err := decodeOrder(raw)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

// ListFills retrieves persisted fills, newest first.
func (s *OrderStore) ListFills(ctx context.Context, query orderstore.FillQuery) ([]schema.Fill, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultFillLimit, maxFillLimit)

	builder := strings.Builder{}
	builder.WriteString(fillSelectBase)
	args := make([]any, 0, 2)
	argPos := 1
	if trimmed := strings.TrimSpace(query.OrderID); trimmed != "" {
		fmt.Fprintf(&builder, " WHERE order_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY filled_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, classify("postgres/order_store", fmt.Errorf("order store: list fills: %w", err))
	}
	defer rows.Close()

	var fills []schema.Fill
	for rows.Next() {
		var (
			fill          schema.Fill
			brokerOrderID pgtype.Text
			side          string
			quantity      pgtype.Numeric
			price         pgtype.Numeric
		)
		if err := rows.Scan(&fill.FillID, &fill.OrderID, &brokerOrderID, &fill.InstrumentID, &side, &quantity, &price, &fill.Timestamp); err != nil {
			return nil, fmt.Errorf("order store: scan fill: %w", err)
		}
		if brokerOrderID.Valid {
			fill.BrokerOrderID = brokerOrderID.String
		}
		fill.Side = schema.Side(side)
		if fill.Quantity, err = decimalFromNumeric(quantity); err != nil {
			return nil, fmt.Errorf("order store: fill quantity: %w", err)
		}
		if fill.Price, err = decimalFromNumeric(price); err != nil {
			return nil, fmt.Errorf("order store: fill price: %w", err)
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate fills: %w", err)
	}
	return fills, nil
}

func (t *orderTx) UpsertOrder(ctx context.Context, order *schema.Order) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.upsertOrderWith(ctx, t.tx, order)
}

func (t *orderTx) RecordFill(ctx context.Context, fill schema.Fill) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.recordFillWith(ctx, t.tx, fill)
}

func decodeOrder(raw []byte) (*schema.Order, error) {
	var order schema.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("order store: decode snapshot: %w", err)
	}
	return &order, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedStatuses(statuses []schema.OrderStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		trimmed := strings.ToUpper(strings.TrimSpace(string(status)))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ orderstore.Store = (*OrderStore)(nil)
