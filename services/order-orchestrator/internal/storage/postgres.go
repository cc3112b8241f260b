package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

const orderColumns = `id, portfolio_id, broker, instrument_id, qty::text, price_limit::text, side, status,
	ext_order_id, fill_price::text, fill_qty::text, reject_reason, batch_id, created_at, executed_at, updated_at`

const batchColumns = `id, user_id, portfolio_id, orders_json, status, idempotency_key, response, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateBatch inserts a batch. When the idempotency key is already taken the
// existing batch is returned with created=false.
func (s *Store) CreateBatch(ctx context.Context, batch Batch) (*Batch, bool, error) {
	if batch.Status == "" {
		batch.Status = BatchStatusPending
	}
	ordersJSON := batch.OrdersJSON
	if len(ordersJSON) == 0 {
		ordersJSON = json.RawMessage("[]")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO order_batches (user_id, portfolio_id, orders_json, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING `+batchColumns,
		batch.UserID, batch.PortfolioID, []byte(ordersJSON), batch.Status, batch.IdempotencyKey)

	stored, err := scanBatchRow(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	if batch.IdempotencyKey == nil {
		return nil, false, fmt.Errorf("insert batch returned no row")
	}

	existing, err := s.GetBatchByIdempotencyKey(ctx, *batch.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM order_batches WHERE id = $1`, id)
	batch, err := scanBatchRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return batch, nil
}

func (s *Store) GetBatchByIdempotencyKey(ctx context.Context, key string) (*Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM order_batches WHERE idempotency_key = $1`, key)
	batch, err := scanBatchRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return batch, nil
}

func (s *Store) UpdateBatchStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_batches
		SET status = $1, updated_at = now()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SaveBatchResponse(ctx context.Context, id int64, response []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_batches
		SET response = $1, updated_at = now()
		WHERE id = $2
	`, response, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RefreshBatchStatus recomputes a processing batch's status from its orders
// under a row lock and returns the resulting status.
func (s *Store) RefreshBatchStatus(ctx context.Context, id int64) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM order_batches WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	orders, err := listOrdersByBatch(ctx, tx, id)
	if err != nil {
		return "", err
	}
	next := NextBatchStatus(current, orders)
	if next != current {
		if _, err := tx.Exec(ctx, `UPDATE order_batches SET status = $1, updated_at = now() WHERE id = $2`, next, id); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return next, nil
}

func (s *Store) CreateOrder(ctx context.Context, order Order) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (portfolio_id, broker, instrument_id, qty, price_limit, side, status,
			ext_order_id, fill_price, fill_qty, reject_reason, batch_id, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+orderColumns,
		order.PortfolioID, order.Broker, order.InstrumentID, order.Quantity.String(), decimalArg(order.PriceLimit),
		order.Side, order.Status, order.ExtOrderID, decimalArg(order.FillPrice), decimalArg(order.FillQty),
		order.RejectReason, order.BatchID, order.ExecutedAt)

	stored, err := scanOrderRow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) GetOrderByExtID(ctx context.Context, broker, extOrderID string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE broker = $1 AND ext_order_id = $2
	`, broker, extOrderID)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) ListOrdersByBatch(ctx context.Context, batchID int64) ([]Order, error) {
	return listOrdersByBatch(ctx, s.pool, batchID)
}

// UpdateOrder loads the order with a row lock, applies mutate and persists the
// result in the same transaction. A mutate error aborts without writing.
func (s *Store) UpdateOrder(ctx context.Context, id int64, mutate func(*Order) error) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := mutate(order); err != nil {
		return nil, err
	}

	row = tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, ext_order_id = $2, fill_price = $3, fill_qty = $4,
			reject_reason = $5, executed_at = $6, updated_at = now()
		WHERE id = $7
		RETURNING `+orderColumns,
		order.Status, order.ExtOrderID, decimalArg(order.FillPrice), decimalArg(order.FillQty),
		order.RejectReason, order.ExecutedAt, id)
	updated, err := scanOrderRow(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ListBrokerConfigs(ctx context.Context, activeOnly bool) ([]BrokerConfig, error) {
	query := `SELECT id, broker_name, config_json, active, created_at, updated_at FROM broker_connector_configs`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make([]BrokerConfig, 0)
	for rows.Next() {
		cfg, err := scanBrokerConfigRow(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

func (s *Store) UpsertBrokerConfig(ctx context.Context, cfg BrokerConfig) (*BrokerConfig, error) {
	name := strings.TrimSpace(cfg.BrokerName)
	if name == "" {
		return nil, fmt.Errorf("broker name required")
	}
	raw, err := json.Marshal(nonNilConfig(cfg.Config))
	if err != nil {
		return nil, fmt.Errorf("marshal broker config: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO broker_connector_configs (broker_name, config_json, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (broker_name) DO UPDATE
		SET config_json = EXCLUDED.config_json, active = EXCLUDED.active, updated_at = now()
		RETURNING id, broker_name, config_json, active, created_at, updated_at
	`, name, raw, cfg.Active)
	return scanBrokerConfigRow(row)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listOrdersByBatch(ctx context.Context, q queryer, batchID int64) ([]Order, error) {
	rows, err := q.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE batch_id = $1
		ORDER BY id
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return orders, nil
}

func scanOrderRow(row pgx.Row) (*Order, error) {
	var (
		order      Order
		qty        string
		priceLimit *string
		fillPrice  *string
		fillQty    *string
		executedAt *time.Time
	)
	if err := row.Scan(
		&order.ID, &order.PortfolioID, &order.Broker, &order.InstrumentID, &qty, &priceLimit, &order.Side, &order.Status,
		&order.ExtOrderID, &fillPrice, &fillQty, &order.RejectReason, &order.BatchID, &order.CreatedAt, &executedAt, &order.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if order.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parse qty: %w", err)
	}
	if order.PriceLimit, err = parseNullableDecimal(priceLimit); err != nil {
		return nil, fmt.Errorf("parse price_limit: %w", err)
	}
	if order.FillPrice, err = parseNullableDecimal(fillPrice); err != nil {
		return nil, fmt.Errorf("parse fill_price: %w", err)
	}
	if order.FillQty, err = parseNullableDecimal(fillQty); err != nil {
		return nil, fmt.Errorf("parse fill_qty: %w", err)
	}
	if executedAt != nil {
		t := executedAt.UTC()
		order.ExecutedAt = &t
	}
	return &order, nil
}

func scanBatchRow(row pgx.Row) (*Batch, error) {
	var (
		batch      Batch
		ordersJSON []byte
	)
	if err := row.Scan(
		&batch.ID, &batch.UserID, &batch.PortfolioID, &ordersJSON, &batch.Status,
		&batch.IdempotencyKey, &batch.Response, &batch.CreatedAt, &batch.UpdatedAt,
	); err != nil {
		return nil, err
	}
	batch.OrdersJSON = json.RawMessage(ordersJSON)
	return &batch, nil
}

func scanBrokerConfigRow(row pgx.Row) (*BrokerConfig, error) {
	var (
		cfg BrokerConfig
		raw []byte
	)
	if err := row.Scan(&cfg.ID, &cfg.BrokerName, &raw, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	cfg.Config = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg.Config); err != nil {
			return nil, fmt.Errorf("decode broker config %s: %w", cfg.BrokerName, err)
		}
	}
	return &cfg, nil
}

func parseNullableDecimal(v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*v))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nonNilConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}
