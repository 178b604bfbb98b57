package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/oms"
	"github.com/tradefab/execd/internal/schema"
)

// OrderStore persists unified order records in Postgres.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ oms.Store = (*OrderStore)(nil)

const (
	orderInsertSQL = `
INSERT INTO orders (
    operation_id,
    operation,
    canonical_id,
    venue,
    venue_kind,
    venue_order_id,
    side,
    quantity,
    price,
    order_type,
    time_in_force,
    exec_algorithm,
    exec_algo_params,
    status,
    expected_deltas,
    parent_operation_id,
    atomic_group_id,
    sequence_in_group,
    group_size,
    odds,
    selection,
    potential_payout,
    rejection_reason,
    error_message,
    strategy_id,
    created_at,
    updated_at
)
VALUES (
    @operation_id,
    @operation,
    @canonical_id,
    @venue,
    @venue_kind,
    @venue_order_id,
    @side,
    @quantity,
    @price,
    @order_type,
    @time_in_force,
    @exec_algorithm,
    @exec_algo_params::jsonb,
    @status,
    @expected_deltas::jsonb,
    @parent_operation_id,
    @atomic_group_id,
    @sequence_in_group,
    @group_size,
    @odds,
    @selection,
    @potential_payout,
    @rejection_reason,
    @error_message,
    @strategy_id,
    @created_at,
    @updated_at
);
`

	orderUpdateSQL = `
UPDATE orders
SET venue = @venue,
    venue_kind = @venue_kind,
    venue_order_id = @venue_order_id,
    status = @status,
    rejection_reason = @rejection_reason,
    error_message = @error_message,
    updated_at = @updated_at
WHERE operation_id = @operation_id;
`

	fillUpsertSQL = `
INSERT INTO fills (
    operation_id,
    fill_id,
    venue_fill_id,
    quantity,
    price,
    fee,
    filled_at
)
VALUES (
    @operation_id,
    @fill_id,
    @venue_fill_id,
    @quantity,
    @price,
    @fee,
    @filled_at
)
ON CONFLICT (operation_id, fill_id) DO NOTHING;
`

	orderSelectBase = `
SELECT
    operation_id,
    operation,
    canonical_id,
    venue,
    venue_kind,
    venue_order_id,
    side,
    quantity::text,
    price::text,
    order_type,
    time_in_force,
    exec_algorithm,
    exec_algo_params,
    status,
    expected_deltas,
    parent_operation_id,
    atomic_group_id,
    sequence_in_group,
    group_size,
    odds::text,
    selection,
    potential_payout::text,
    rejection_reason,
    error_message,
    strategy_id,
    created_at,
    updated_at
FROM orders
`

	fillSelectSQL = `
SELECT
    operation_id,
    fill_id,
    venue_fill_id,
    quantity::text,
    price::text,
    fee::text,
    filled_at
FROM fills
WHERE operation_id = ANY($1)
ORDER BY id;
`

	orderCountSQL = `
SELECT COUNT(*) FROM orders
WHERE strategy_id = $1 AND created_at >= $2;
`

	defaultListLimit = 50
	maxListLimit     = 500

	uniqueViolationCode = "23505"
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Insert stores a new order. A duplicate operation ID fails with
// DUPLICATE_OPERATION so the orchestrator can replay the stored record.
func (s *OrderStore) Insert(ctx context.Context, order *schema.Order) error {
	args, err := orderArgs(order)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, orderInsertSQL, args); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
				return errs.New(order.Venue, errs.KindDuplicateOperation,
					errs.WithMessage("operation already stored: "+order.OperationID))
			}
			return fmt.Errorf("order store: insert order: %w", err)
		}
		return s.upsertFills(ctx, tx, order)
	})
}

// Update replaces the stored record's mutable fields and appends new fills.
func (s *OrderStore) Update(ctx context.Context, order *schema.Order) error {
	args := pgx.NamedArgs{
		"operation_id":     order.OperationID,
		"venue":            order.Venue,
		"venue_kind":       string(order.VenueKind),
		"venue_order_id":   order.VenueOrderID,
		"status":           string(order.Status),
		"rejection_reason": order.RejectionReason,
		"error_message":    order.ErrorMessage,
		"updated_at":       order.UpdatedAt,
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, orderUpdateSQL, args)
		if err != nil {
			return fmt.Errorf("order store: update order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.New("", errs.KindNotFound,
				errs.WithMessage("operation "+order.OperationID+" not found"))
		}
		return s.upsertFills(ctx, tx, order)
	})
}

// Get returns the order for an operation ID.
func (s *OrderStore) Get(ctx context.Context, operationID string) (*schema.Order, error) {
	orders, err := s.selectOrders(ctx, orderSelectBase+" WHERE operation_id = $1", operationID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, errs.New("", errs.KindNotFound,
			errs.WithMessage("operation "+operationID+" not found"))
	}
	return orders[0], nil
}

// GetByVenueOrder resolves an order from its venue assignment.
func (s *OrderStore) GetByVenueOrder(ctx context.Context, venueName, venueOrderID string) (*schema.Order, error) {
	orders, err := s.selectOrders(ctx,
		orderSelectBase+" WHERE venue = $1 AND venue_order_id = $2", venueName, venueOrderID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, errs.New(venueName, errs.KindNotFound,
			errs.WithMessage("no order bound to venue order "+venueOrderID))
	}
	return orders[0], nil
}

// List returns orders matching the filter, newest first.
func (s *OrderStore) List(ctx context.Context, filter oms.Filter) ([]*schema.Order, error) {
	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	if filter.StrategyID != "" {
		fmt.Fprintf(&builder, " AND strategy_id = $%d", argPos)
		args = append(args, filter.StrategyID)
		argPos++
	}
	if filter.Venue != "" {
		fmt.Fprintf(&builder, " AND venue = $%d", argPos)
		args = append(args, filter.Venue)
		argPos++
	}
	if filter.Instrument != "" {
		fmt.Fprintf(&builder, " AND canonical_id = $%d", argPos)
		args = append(args, filter.Instrument)
		argPos++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	return s.selectOrders(ctx, builder.String(), args...)
}

// CountSince counts orders created by a strategy at or after the cutoff.
func (s *OrderStore) CountSince(ctx context.Context, strategyID string, cutoff time.Time) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, orderCountSQL, strategyID, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("order store: count orders: %w", err)
	}
	return count, nil
}

func (s *OrderStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("order store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("order store: rollback tx: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("order store: commit tx: %w", err)
	}
	return nil
}

func (s *OrderStore) upsertFills(ctx context.Context, exec execer, order *schema.Order) error {
	for _, fill := range order.Fills {
		quantity, err := numericFrom(fill.Quantity)
		if err != nil {
			return fmt.Errorf("order store: fill quantity: %w", err)
		}
		price, err := numericFrom(fill.Price)
		if err != nil {
			return fmt.Errorf("order store: fill price: %w", err)
		}
		fee, err := numericFrom(fill.Fee)
		if err != nil {
			return fmt.Errorf("order store: fill fee: %w", err)
		}
		args := pgx.NamedArgs{
			"operation_id":  order.OperationID,
			"fill_id":       fill.FillID,
			"venue_fill_id": fill.VenueFillID,
			"quantity":      quantity,
			"price":         price,
			"fee":           fee,
			"filled_at":     fill.Timestamp,
		}
		if _, err := exec.Exec(ctx, fillUpsertSQL, args); err != nil {
			return fmt.Errorf("order store: upsert fill: %w", err)
		}
	}
	return nil
}

func (s *OrderStore) selectOrders(ctx context.Context, query string, args ...any) ([]*schema.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("order store: select orders: %w", err)
	}
	defer rows.Close()

	var orders []*schema.Order
	ids := make([]string, 0, 8)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.OperationID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}
	if err := s.attachFills(ctx, orders, ids); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *OrderStore) attachFills(ctx context.Context, orders []*schema.Order, ids []string) error {
	rows, err := s.pool.Query(ctx, fillSelectSQL, ids)
	if err != nil {
		return fmt.Errorf("order store: select fills: %w", err)
	}
	defer rows.Close()

	byOp := make(map[string]*schema.Order, len(orders))
	for _, order := range orders {
		byOp[order.OperationID] = order
	}
	for rows.Next() {
		var (
			operationID string
			fillID      string
			venueFillID string
			quantity    string
			price       string
			fee         string
			filledAt    time.Time
		)
		if err := rows.Scan(&operationID, &fillID, &venueFillID, &quantity, &price, &fee, &filledAt); err != nil {
			return fmt.Errorf("order store: scan fill: %w", err)
		}
		qty, err := decimalFromText(quantity)
		if err != nil {
			return err
		}
		px, err := decimalFromText(price)
		if err != nil {
			return err
		}
		feeDec, err := decimalFromText(fee)
		if err != nil {
			return err
		}
		if order, ok := byOp[operationID]; ok {
			order.Fills = append(order.Fills, schema.Fill{
				FillID:      fillID,
				VenueFillID: venueFillID,
				Quantity:    qty,
				Price:       px,
				Fee:         feeDec,
				Timestamp:   filledAt,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("order store: iterate fills: %w", err)
	}
	return nil
}

func orderArgs(order *schema.Order) (pgx.NamedArgs, error) {
	quantity, err := numericFrom(order.Quantity)
	if err != nil {
		return nil, fmt.Errorf("order store: quantity: %w", err)
	}
	price, err := numericFromOptional(order.Price)
	if err != nil {
		return nil, fmt.Errorf("order store: price: %w", err)
	}
	odds, err := numericFromOptional(order.Odds)
	if err != nil {
		return nil, fmt.Errorf("order store: odds: %w", err)
	}
	payout, err := numericFromOptional(order.PotentialPayout)
	if err != nil {
		return nil, fmt.Errorf("order store: potential payout: %w", err)
	}
	algoParams, err := encodeJSONB(order.ExecAlgoParams)
	if err != nil {
		return nil, fmt.Errorf("order store: algo params: %w", err)
	}
	deltas, err := encodeDeltas(order.ExpectedDeltas)
	if err != nil {
		return nil, fmt.Errorf("order store: expected deltas: %w", err)
	}
	return pgx.NamedArgs{
		"operation_id":        order.OperationID,
		"operation":           string(order.Operation),
		"canonical_id":        order.CanonicalID,
		"venue":               order.Venue,
		"venue_kind":          string(order.VenueKind),
		"venue_order_id":      order.VenueOrderID,
		"side":                string(order.Side),
		"quantity":            quantity,
		"price":               price,
		"order_type":          string(order.OrderType),
		"time_in_force":       string(order.TimeInForce),
		"exec_algorithm":      string(order.ExecAlgorithm),
		"exec_algo_params":    algoParams,
		"status":              string(order.Status),
		"expected_deltas":     deltas,
		"parent_operation_id": order.ParentOperation,
		"atomic_group_id":     order.AtomicGroupID,
		"sequence_in_group":   order.SequenceInGroup,
		"group_size":          order.GroupSize,
		"odds":                odds,
		"selection":           order.Selection,
		"potential_payout":    payout,
		"rejection_reason":    order.RejectionReason,
		"error_message":       order.ErrorMessage,
		"strategy_id":         order.StrategyID,
		"created_at":          order.CreatedAt,
		"updated_at":          order.UpdatedAt,
	}, nil
}

func scanOrder(rows pgx.Rows) (*schema.Order, error) {
	var (
		order         schema.Order
		quantity      string
		price         *string
		algoParams    []byte
		deltas        []byte
		odds          *string
		payout        *string
		operation     string
		venueKind     string
		side          string
		orderType     string
		timeInForce   string
		execAlgorithm string
		status        string
	)
	if err := rows.Scan(
		&order.OperationID,
		&operation,
		&order.CanonicalID,
		&order.Venue,
		&venueKind,
		&order.VenueOrderID,
		&side,
		&quantity,
		&price,
		&orderType,
		&timeInForce,
		&execAlgorithm,
		&algoParams,
		&status,
		&deltas,
		&order.ParentOperation,
		&order.AtomicGroupID,
		&order.SequenceInGroup,
		&order.GroupSize,
		&odds,
		&order.Selection,
		&payout,
		&order.RejectionReason,
		&order.ErrorMessage,
		&order.StrategyID,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("order store: scan order: %w", err)
	}

	order.Operation = schema.Operation(operation)
	order.VenueKind = schema.VenueKind(venueKind)
	order.Side = schema.Side(side)
	order.OrderType = schema.OrderType(orderType)
	order.TimeInForce = schema.TimeInForce(timeInForce)
	order.ExecAlgorithm = schema.ExecAlgorithm(execAlgorithm)
	order.Status = schema.Status(status)

	var err error
	if order.Quantity, err = decimalFromText(quantity); err != nil {
		return nil, err
	}
	if order.Price, err = decimalFromNullable(price); err != nil {
		return nil, err
	}
	if order.Odds, err = decimalFromNullable(odds); err != nil {
		return nil, err
	}
	if order.PotentialPayout, err = decimalFromNullable(payout); err != nil {
		return nil, err
	}
	if len(algoParams) > 0 {
		if err := json.Unmarshal(algoParams, &order.ExecAlgoParams); err != nil {
			return nil, fmt.Errorf("order store: decode algo params: %w", err)
		}
	}
	if len(deltas) > 0 {
		raw := make(map[string]string)
		if err := json.Unmarshal(deltas, &raw); err != nil {
			return nil, fmt.Errorf("order store: decode expected deltas: %w", err)
		}
		order.ExpectedDeltas = make(map[string]decimal.Decimal, len(raw))
		for key, value := range raw {
			dec, err := decimalFromText(value)
			if err != nil {
				return nil, err
			}
			order.ExpectedDeltas[key] = dec
		}
	}
	return &order, nil
}

func encodeJSONB(value map[string]any) (any, error) {
	if len(value) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func encodeDeltas(deltas map[string]decimal.Decimal) (any, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	raw := make(map[string]string, len(deltas))
	for key, value := range deltas {
		raw[key] = value.String()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
