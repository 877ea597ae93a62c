package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrConflict means a conditional update matched fewer rows than required.
	ErrConflict = errors.New("order state changed concurrently")
	// ErrAmountMismatch means the orders awaiting an authorization no longer
	// add up to the amount that was paid.
	ErrAmountMismatch = errors.New("order totals do not match authorized amount")
)

// Filter narrows List. An empty OwnerID lists every owner.
type Filter struct {
	OwnerID string
	Status  models.Status
	// WithAuthorization keeps only orders that went through checkout.
	WithAuthorization bool
	AuthorizationID   string
}

type PostgresStore struct {
	db     *DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewPostgresStore(db *DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const orderColumns = `id, user_id, image_url, size_id, size_label, unit_price, quantity, total,
	payment_intent_id, payment_confirmed, status, created_at, updated_at`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS sticker_orders (
			id UUID PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			image_url TEXT NOT NULL,
			size_id INTEGER NOT NULL,
			size_label VARCHAR(64) NOT NULL,
			unit_price NUMERIC(10,2) NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 1),
			total NUMERIC(12,2) NOT NULL,
			payment_intent_id VARCHAR(255),
			payment_confirmed BOOLEAN,
			status VARCHAR(20) NOT NULL DEFAULT 'draft',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sticker_orders_user_id ON sticker_orders(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sticker_orders_payment_intent ON sticker_orders(payment_intent_id)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, order *models.Order) error {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sticker_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = db.ExecContext(ctx, query,
		order.ID, order.OwnerID, order.ImageURL, order.Size.ID, order.Size.Label,
		order.Size.UnitPrice, order.Quantity, order.Total,
		nullString(order.AuthorizationID), nullBool(order.PaymentConfirmed),
		string(order.Status), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Order, error) {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM sticker_orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*models.Order, error) {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return nil, err
	}

	var (
		conditions []string
		args       []interface{}
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.WithAuthorization {
		conditions = append(conditions, "payment_intent_id IS NOT NULL")
	}
	if filter.AuthorizationID != "" {
		args = append(args, filter.AuthorizationID)
		conditions = append(conditions, fmt.Sprintf("payment_intent_id = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM sticker_orders`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) FindByIDs(ctx context.Context, ids []string) ([]*models.Order, error) {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM sticker_orders WHERE id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to find orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// UpdateDraft rewrites the owner-editable fields of a draft order and unlinks
// it from its authorization. order.AuthorizationID must hold the link the
// caller read; a draft relinked since then is not touched.
func (s *PostgresStore) UpdateDraft(ctx context.Context, order *models.Order) error {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return err
	}

	updatedAt := s.now()
	result, err := db.ExecContext(ctx, `
		UPDATE sticker_orders
		SET image_url = $1, size_id = $2, size_label = $3, unit_price = $4,
			quantity = $5, total = $6, updated_at = $7, payment_intent_id = NULL
		WHERE id = $8 AND user_id = $9 AND status = 'draft'
			AND payment_intent_id IS NOT DISTINCT FROM $10
	`, order.ImageURL, order.Size.ID, order.Size.Label, order.Size.UnitPrice,
		order.Quantity, order.Total, updatedAt, order.ID, order.OwnerID,
		nullString(order.AuthorizationID))
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if err := requireRows(result, 1); err != nil {
		return err
	}
	order.UpdatedAt = updatedAt
	order.AuthorizationID = nil
	return nil
}

// AttachAuthorization links every listed draft order of owner to authID, or
// none of them.
func (s *PostgresStore) AttachAuthorization(ctx context.Context, owner string, ids []string, authID string) error {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE sticker_orders
		SET payment_intent_id = $1, updated_at = $2
		WHERE id = ANY($3::uuid[]) AND user_id = $4 AND status = 'draft'
	`, authID, s.now(), pq.Array(ids), owner)
	if err != nil {
		return fmt.Errorf("failed to attach authorization: %w", err)
	}
	if err := requireRows(result, int64(len(ids))); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit authorization: %w", err)
	}
	return nil
}

// ConfirmAuthorization moves the owner's draft orders linked to authID to
// status and stamps payment_confirmed, provided their totals add up to
// amountMinor. It returns the number of orders moved; when none are waiting
// it returns zero and no error.
func (s *PostgresStore) ConfirmAuthorization(ctx context.Context, owner, authID string, amountMinor int64, status models.Status) (int64, error) {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, total FROM sticker_orders
		WHERE user_id = $1 AND payment_intent_id = $2 AND status = 'draft'
		FOR UPDATE
	`, owner, authID)
	if err != nil {
		return 0, fmt.Errorf("failed to lock orders: %w", err)
	}
	var (
		ids   []string
		total decimal.Decimal
	)
	for rows.Next() {
		var (
			id        string
			lineTotal decimal.Decimal
		)
		if err := rows.Scan(&id, &lineTotal); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan order: %w", err)
		}
		ids = append(ids, id)
		total = total.Add(lineTotal)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("failed to read orders: %w", err)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read orders: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}
	if models.MinorUnits(total) != amountMinor {
		s.logger.WithFields(logrus.Fields{
			"owner_id":         owner,
			"authorization_id": authID,
			"authorized":       amountMinor,
			"order_total":      models.MinorUnits(total),
		}).Warn("Authorized amount does not match linked orders")
		return 0, ErrAmountMismatch
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sticker_orders
		SET status = $1, payment_confirmed = TRUE, updated_at = $2
		WHERE id = ANY($3::uuid[])
	`, string(status), s.now(), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to confirm orders: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit confirmation: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"owner_id":         owner,
		"authorization_id": authID,
		"updated":          affected,
	}).Debug("Confirmed orders for authorization")

	return affected, nil
}

// TransitionStatus applies from -> to only if the order is still in from.
func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to models.Status) error {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE sticker_orders SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, string(to), s.now(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if err := requireRows(result, 1); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id, owner string) error {
	db, err := s.db.Handle(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `DELETE FROM sticker_orders WHERE id = $1 AND user_id = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return requireRows(result, 1)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		order     models.Order
		status    string
		authID    sql.NullString
		confirmed sql.NullBool
	)
	err := row.Scan(
		&order.ID, &order.OwnerID, &order.ImageURL, &order.Size.ID, &order.Size.Label,
		&order.Size.UnitPrice, &order.Quantity, &order.Total,
		&authID, &confirmed, &status, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.Status = models.Status(status)
	if authID.Valid {
		order.AuthorizationID = &authID.String
	}
	if confirmed.Valid {
		order.PaymentConfirmed = &confirmed.Bool
	}
	return &order, nil
}

func scanOrders(rows *sql.Rows) ([]*models.Order, error) {
	orders := []*models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	return orders, nil
}

func requireRows(result sql.Result, want int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected != want {
		return ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
