package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/tags"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const orderColumns = `id, tag, contract_symbol, position_id, state, quantity, price::TEXT, type, side, broker_id, created_at, updated_at`

const positionColumns = `id, contract_symbol, state, quantity, price_avg::TEXT, broker_id, created_at, updated_at`

// PostgresStore implements Interface on PostgreSQL. Prices are stored as
// NUMERIC and moved through decimal strings to keep them exact.
type PostgresStore struct {
	pool *pgxpool.Pool
	tags tags.Issuer
}

// NewPostgresStore creates a ledger on an existing pool. A nil issuer defaults to UUID tags.
func NewPostgresStore(pool *pgxpool.Pool, issuer tags.Issuer) *PostgresStore {
	if issuer == nil {
		issuer = tags.UUIDIssuer{}
	}
	return &PostgresStore{pool: pool, tags: issuer}
}

// EnsureSchema creates the ledger tables when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrders(ctx context.Context, f Filter) ([]models.Order, error) {
	if err := f.validate(orderFields); err != nil {
		return nil, err
	}
	where, args := buildWhere(f, 1)
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o models.Order) (string, error) {
	if err := validateOrder(o); err != nil {
		return "", err
	}
	tag := s.tags.Next()
	if !tags.Valid(tag) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (tag, contract_symbol, position_id, state, quantity, price, type, side, broker_id)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		tag, o.ContractSymbol, o.PositionID, string(o.State), o.Quantity,
		o.Price.String(), string(o.Type), string(o.Side), o.BrokerID,
	)
	if err != nil {
		return "", fmt.Errorf("insert order: %w", err)
	}
	return tag, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, ref OrderRef, u models.OrderUpdate) error {
	if !ref.valid() {
		return ErrMissingRef
	}
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.State != nil && u.StateFrom != nil {
		args = append(args, string(*u.StateFrom), string(*u.State))
		sets = append(sets, fmt.Sprintf("state = CASE WHEN state = $%d THEN $%d ELSE state END", len(args)-1, len(args)))
	} else if u.State != nil {
		add("state", string(*u.State))
	}
	if u.PositionID != nil {
		add("position_id", *u.PositionID)
	}
	if u.BrokerID != nil {
		add("broker_id", *u.BrokerID)
	}
	if u.Price != nil {
		args = append(args, u.Price.String())
		sets = append(sets, fmt.Sprintf("price = $%d::NUMERIC", len(args)))
	}
	if u.Quantity != nil {
		add("quantity", *u.Quantity)
	}
	sets = append(sets, "updated_at = now()")

	var cond string
	if ref.ID != 0 {
		args = append(args, ref.ID)
		cond = fmt.Sprintf("id = $%d", len(args))
	} else {
		args = append(args, ref.Tag)
		cond = fmt.Sprintf("tag = $%d", len(args))
	}

	tag, err := s.pool.Exec(ctx, `UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE `+cond, args...)
	if err != nil {
		return fmt.Errorf("update order %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", ref, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetPositions(ctx context.Context, f Filter) ([]models.Position, error) {
	if err := f.validate(positionFields); err != nil {
		return nil, err
	}
	where, args := buildWhere(f, 1)
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p models.Position) (int64, error) {
	if err := validatePosition(p); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO positions (contract_symbol, state, quantity, price_avg, broker_id)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5) RETURNING id`,
		p.ContractSymbol, string(p.State), p.Quantity, p.PriceAvg.String(), p.BrokerID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%s: %w", p.ContractSymbol, ErrOpenPositionExists)
		}
		return 0, fmt.Errorf("insert position: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, id int64, u models.PositionUpdate) error {
	if id == 0 {
		return ErrMissingRef
	}
	var sets []string
	var args []any
	if u.State != nil {
		args = append(args, string(*u.State))
		sets = append(sets, fmt.Sprintf("state = $%d", len(args)))
	}
	if u.Quantity != nil {
		args = append(args, *u.Quantity)
		sets = append(sets, fmt.Sprintf("quantity = $%d", len(args)))
	}
	if u.PriceAvg != nil {
		args = append(args, u.PriceAvg.String())
		sets = append(sets, fmt.Sprintf("price_avg = $%d::NUMERIC", len(args)))
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE positions SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("update position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return nil
}

// buildWhere renders f as a parameterized WHERE clause starting at placeholder $start.
// Field names are checked against a whitelist before reaching here.
func buildWhere(f Filter, start int) (string, []any) {
	if len(f) == 0 {
		return "", nil
	}
	var conds []string
	var args []any
	n := start
	for _, p := range f {
		switch p.Op {
		case OpIsNull:
			conds = append(conds, p.Field+" IS NULL")
		case OpEq:
			conds = append(conds, fmt.Sprintf("%s = $%d", p.Field, n))
			args = append(args, normalize(p.Values[0]))
			n++
		case OpIn:
			if len(p.Values) == 0 {
				conds = append(conds, "FALSE")
				continue
			}
			ph := make([]string, len(p.Values))
			for i, v := range p.Values {
				ph[i] = fmt.Sprintf("$%d", n)
				args = append(args, normalize(v))
				n++
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", p.Field, strings.Join(ph, ", ")))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	var state, typ, side, price string
	if err := row.Scan(&o.ID, &o.Tag, &o.ContractSymbol, &o.PositionID, &state, &o.Quantity,
		&price, &typ, &side, &o.BrokerID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return o, err
	}
	o.State = models.OrderState(state)
	o.Type = models.OrderType(typ)
	o.Side = models.OrderSide(side)
	o.Price, _ = decimal.NewFromString(price)
	return o, nil
}

func scanPosition(row pgx.Row) (models.Position, error) {
	var p models.Position
	var state, avg string
	if err := row.Scan(&p.ID, &p.ContractSymbol, &state, &p.Quantity, &avg,
		&p.BrokerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.State = models.PositionState(state)
	p.PriceAvg, _ = decimal.NewFromString(avg)
	return p, nil
}

// Ensure PostgresStore implements Interface
var _ Interface = (*PostgresStore)(nil)
