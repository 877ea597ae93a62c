package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIntegrationStore connects to TEST_DATABASE_URL and skips otherwise.
func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres integration test")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db := NewDB(dsn, 4, logger)
	db.pingAttempts = 3
	t.Cleanup(func() { db.Close() })

	s := NewPostgresStore(db, logger)
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))

	handle, err := db.Handle(ctx)
	require.NoError(t, err)
	_, err = handle.ExecContext(ctx, `TRUNCATE sticker_orders`)
	require.NoError(t, err)

	return s
}

func draft(owner string, qty int) *models.Order {
	size, _ := models.LookupSize(2)
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := &models.Order{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		ImageURL:  "https://res.cloudinary.com/demo/image/upload/v1/stickers/cat.png",
		Size:      size,
		Quantity:  qty,
		Status:    models.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.Recompute()
	return o
}

func TestPostgresCreateAndGet(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	order := draft("user_a", 2)
	require.NoError(t, s.Create(ctx, order))

	got, err := s.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "user_a", got.OwnerID)
	assert.True(t, got.Total.Equal(order.Total))
	assert.Nil(t, got.AuthorizationID)
	assert.Equal(t, models.StatusDraft, got.Status)

	_, err = s.Get(ctx, uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresAttachAuthorizationAllOrNothing(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	a1, a2, b1 := draft("user_a", 1), draft("user_a", 2), draft("user_b", 1)
	for _, o := range []*models.Order{a1, a2, b1} {
		require.NoError(t, s.Create(ctx, o))
	}

	err := s.AttachAuthorization(ctx, "user_a", []string{a1.ID, a2.ID, b1.ID}, "pi_1")
	assert.ErrorIs(t, err, ErrConflict)

	for _, o := range []*models.Order{a1, a2, b1} {
		got, err := s.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Nil(t, got.AuthorizationID, "order %s must not keep a dangling authorization", o.ID)
	}

	require.NoError(t, s.AttachAuthorization(ctx, "user_a", []string{a1.ID, a2.ID}, "pi_2"))
	got, err := s.Get(ctx, a2.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AuthorizationID)
	assert.Equal(t, "pi_2", *got.AuthorizationID)
}

func TestPostgresConfirmAuthorizationIsIdempotent(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	order := draft("user_a", 2)
	require.NoError(t, s.Create(ctx, order))
	require.NoError(t, s.AttachAuthorization(ctx, "user_a", []string{order.ID}, "pi_3"))

	n, err := s.ConfirmAuthorization(ctx, "user_b", "pi_3", 798, models.StatusProcessing)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ConfirmAuthorization(ctx, "user_a", "pi_3", 798, models.StatusProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.ConfirmAuthorization(ctx, "user_a", "pi_3", 798, models.StatusProcessing)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.PaymentConfirmed)
	assert.True(t, *got.PaymentConfirmed)
}

func TestPostgresConfirmAuthorizationChecksAmount(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	a := draft("user_a", 1)
	b := draft("user_a", 2)
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.AttachAuthorization(ctx, "user_a", []string{a.ID, b.ID}, "pi_5"))

	n, err := s.ConfirmAuthorization(ctx, "user_a", "pi_5", 399, models.StatusProcessing)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Zero(t, n)

	for _, id := range []string{a.ID, b.ID} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDraft, got.Status)
		assert.Nil(t, got.PaymentConfirmed)
	}

	n, err = s.ConfirmAuthorization(ctx, "user_a", "pi_5", 1197, models.StatusProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestPostgresUpdateDraftUnlinksAuthorization(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	order := draft("user_a", 1)
	require.NoError(t, s.Create(ctx, order))
	require.NoError(t, s.AttachAuthorization(ctx, "user_a", []string{order.ID}, "pi_6"))

	stale, err := s.Get(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, s.AttachAuthorization(ctx, "user_a", []string{order.ID}, "pi_7"))

	stale.Quantity = 100
	stale.Recompute()
	assert.ErrorIs(t, s.UpdateDraft(ctx, stale), ErrNotFound, "draft relinked since it was read")

	current, err := s.Get(ctx, order.ID)
	require.NoError(t, err)
	current.Quantity = 100
	current.Recompute()
	require.NoError(t, s.UpdateDraft(ctx, current))
	assert.Nil(t, current.AuthorizationID)

	got, err := s.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Quantity)
	assert.Nil(t, got.AuthorizationID)

	found, err := s.FindByIDs(ctx, []string{order.ID, uuid.New().String()})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, order.ID, found[0].ID)
}

func TestPostgresTransitionAndDelete(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	order := draft("user_a", 1)
	require.NoError(t, s.Create(ctx, order))

	assert.ErrorIs(t, s.TransitionStatus(ctx, order.ID, models.StatusPending, models.StatusCompleted), ErrConflict)
	assert.ErrorIs(t, s.Delete(ctx, order.ID, "user_b"), ErrNotFound)
	require.NoError(t, s.Delete(ctx, order.ID, "user_a"))

	_, err := s.Get(ctx, order.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresListFilters(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, draft("user_a", 1)))
	require.NoError(t, s.Create(ctx, draft("user_a", 2)))
	require.NoError(t, s.Create(ctx, draft("user_b", 3)))

	own, err := s.List(ctx, Filter{OwnerID: "user_a"})
	require.NoError(t, err)
	assert.Len(t, own, 2)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.List(ctx, Filter{Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, none)

	theirs, err := s.List(ctx, Filter{OwnerID: "user_b"})
	require.NoError(t, err)
	require.NoError(t, s.AttachAuthorization(ctx, "user_b", []string{theirs[0].ID}, "pi_4"))
	checkedOut, err := s.List(ctx, Filter{WithAuthorization: true})
	require.NoError(t, err)
	require.Len(t, checkedOut, 1)
	assert.Equal(t, "user_b", checkedOut[0].OwnerID)

	linked, err := s.List(ctx, Filter{OwnerID: "user_b", AuthorizationID: "pi_4"})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, theirs[0].ID, linked[0].ID)
}
