package postgres

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/internal/positions"
	"github.com/tradefab/execd/internal/schema"
)

// PositionStore persists the position book in Postgres so a restart does not
// lose realized PnL and average-entry state between venue reconciliations.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore constructs a PositionStore backed by the provided pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ positions.Store = (*PositionStore)(nil)

const (
	positionUpsertSQL = `
INSERT INTO positions (
    canonical_key,
    base_asset,
    aggregated_quantity,
    per_venue_quantity,
    per_venue_kind,
    avg_entry_price,
    realized_pnl,
    unrealized_pnl,
    last_mark_price,
    updated_at
)
VALUES (
    @canonical_key,
    @base_asset,
    @aggregated_quantity,
    @per_venue_quantity::jsonb,
    @per_venue_kind::jsonb,
    @avg_entry_price,
    @realized_pnl,
    @unrealized_pnl,
    @last_mark_price,
    @updated_at
)
ON CONFLICT (canonical_key) DO UPDATE SET
    base_asset = EXCLUDED.base_asset,
    aggregated_quantity = EXCLUDED.aggregated_quantity,
    per_venue_quantity = EXCLUDED.per_venue_quantity,
    per_venue_kind = EXCLUDED.per_venue_kind,
    avg_entry_price = EXCLUDED.avg_entry_price,
    realized_pnl = EXCLUDED.realized_pnl,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    last_mark_price = EXCLUDED.last_mark_price,
    updated_at = EXCLUDED.updated_at;
`

	positionSelectSQL = `
SELECT
    canonical_key,
    base_asset,
    aggregated_quantity::text,
    per_venue_quantity,
    per_venue_kind,
    avg_entry_price::text,
    realized_pnl::text,
    unrealized_pnl::text,
    last_mark_price::text,
    updated_at
FROM positions
ORDER BY canonical_key;
`
)

// UpsertPosition writes the current state of one position.
func (s *PositionStore) UpsertPosition(ctx context.Context, pos *schema.Position) error {
	quantity, err := numericFrom(pos.AggregatedQuantity)
	if err != nil {
		return fmt.Errorf("position store: aggregated quantity: %w", err)
	}
	avgEntry, err := numericFromOptional(pos.AvgEntryPrice)
	if err != nil {
		return fmt.Errorf("position store: avg entry: %w", err)
	}
	realized, err := numericFromOptional(pos.RealizedPnL)
	if err != nil {
		return fmt.Errorf("position store: realized pnl: %w", err)
	}
	unrealized, err := numericFromOptional(pos.UnrealizedPnL)
	if err != nil {
		return fmt.Errorf("position store: unrealized pnl: %w", err)
	}
	mark, err := numericFromOptional(pos.LastMarkPrice)
	if err != nil {
		return fmt.Errorf("position store: mark price: %w", err)
	}
	venueQty, err := encodeVenueQuantities(pos.PerVenueQuantity)
	if err != nil {
		return fmt.Errorf("position store: venue quantities: %w", err)
	}
	venueKinds, err := encodeVenueKinds(pos.PerVenueKind)
	if err != nil {
		return fmt.Errorf("position store: venue kinds: %w", err)
	}

	args := pgx.NamedArgs{
		"canonical_key":       pos.CanonicalKey,
		"base_asset":          pos.BaseAsset,
		"aggregated_quantity": quantity,
		"per_venue_quantity":  venueQty,
		"per_venue_kind":      venueKinds,
		"avg_entry_price":     avgEntry,
		"realized_pnl":        realized,
		"unrealized_pnl":      unrealized,
		"last_mark_price":     mark,
		"updated_at":          pos.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("position store: upsert position: %w", err)
	}
	return nil
}

// ListPositions loads the whole position book sorted by canonical key.
func (s *PositionStore) ListPositions(ctx context.Context) ([]*schema.Position, error) {
	rows, err := s.pool.Query(ctx, positionSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("position store: select positions: %w", err)
	}
	defer rows.Close()

	var out []*schema.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position store: iterate positions: %w", err)
	}
	return out, nil
}

func scanPosition(rows pgx.Rows) (*schema.Position, error) {
	var (
		pos        schema.Position
		quantity   string
		venueQty   []byte
		venueKinds []byte
		avgEntry   *string
		realized   *string
		unrealized *string
		mark       *string
	)
	if err := rows.Scan(
		&pos.CanonicalKey,
		&pos.BaseAsset,
		&quantity,
		&venueQty,
		&venueKinds,
		&avgEntry,
		&realized,
		&unrealized,
		&mark,
		&pos.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("position store: scan position: %w", err)
	}

	var err error
	if pos.AggregatedQuantity, err = decimalFromText(quantity); err != nil {
		return nil, err
	}
	if pos.AvgEntryPrice, err = decimalFromNullable(avgEntry); err != nil {
		return nil, err
	}
	if pos.RealizedPnL, err = decimalFromNullable(realized); err != nil {
		return nil, err
	}
	if pos.UnrealizedPnL, err = decimalFromNullable(unrealized); err != nil {
		return nil, err
	}
	if pos.LastMarkPrice, err = decimalFromNullable(mark); err != nil {
		return nil, err
	}

	pos.PerVenueQuantity = make(map[string]decimal.Decimal)
	if len(venueQty) > 0 {
		raw := make(map[string]string)
		if err := json.Unmarshal(venueQty, &raw); err != nil {
			return nil, fmt.Errorf("position store: decode venue quantities: %w", err)
		}
		for venueName, value := range raw {
			dec, err := decimalFromText(value)
			if err != nil {
				return nil, err
			}
			pos.PerVenueQuantity[venueName] = dec
		}
	}
	pos.PerVenueKind = make(map[string]schema.VenueKind)
	if len(venueKinds) > 0 {
		raw := make(map[string]string)
		if err := json.Unmarshal(venueKinds, &raw); err != nil {
			return nil, fmt.Errorf("position store: decode venue kinds: %w", err)
		}
		for venueName, kind := range raw {
			pos.PerVenueKind[venueName] = schema.VenueKind(kind)
		}
	}
	return &pos, nil
}

func encodeVenueQuantities(quantities map[string]decimal.Decimal) (any, error) {
	if len(quantities) == 0 {
		return nil, nil
	}
	raw := make(map[string]string, len(quantities))
	for venueName, value := range quantities {
		raw[venueName] = value.String()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func encodeVenueKinds(kinds map[string]schema.VenueKind) (any, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	raw := make(map[string]string, len(kinds))
	for venueName, kind := range kinds {
		raw[venueName] = string(kind)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
