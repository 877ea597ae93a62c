package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jogardn/sticker-storefront/internal/payments"
	"github.com/jogardn/sticker-storefront/internal/store"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticOrders struct {
	orders []*models.Order
	err    error
	filter store.Filter
}

func (s *staticOrders) List(ctx context.Context, filter store.Filter) ([]*models.Order, error) {
	s.filter = filter
	return s.orders, s.err
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) RetrieveAuthorization(ctx context.Context, id string) (payments.Authorization, error) {
	args := m.Called(id)
	return args.Get(0).(payments.Authorization), args.Error(1)
}

type mockConfirmer struct {
	mock.Mock
}

func (m *mockConfirmer) ConfirmCheckout(ctx context.Context, owner, authID string) (int64, error) {
	args := m.Called(owner, authID)
	return args.Get(0).(int64), args.Error(1)
}

func order(id, owner, authID string, status models.Status, qty int, updated time.Time) *models.Order {
	size, _ := models.LookupSize(1)
	o := &models.Order{
		ID:              id,
		OwnerID:         owner,
		Size:            size,
		Quantity:        qty,
		AuthorizationID: &authID,
		Status:          status,
		UpdatedAt:       updated,
	}
	o.Recompute()
	return o
}

func authorization(id, owner string, status payments.AuthorizationStatus, amount int64) payments.Authorization {
	return payments.Authorization{
		ID:       id,
		Amount:   amount,
		Status:   status,
		Metadata: map[string]string{payments.MetadataOwnerKey: owner},
	}
}

func newReconciler(orders []*models.Order, gateway *mockGateway, confirmer Confirmer, dryRun bool) *Reconciler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := DefaultConfig()
	cfg.DelayBetween = 0
	cfg.DryRun = dryRun

	r := NewReconciler(&staticOrders{orders: orders}, gateway, confirmer, cfg, logger)
	r.now = func() time.Time { return now }
	return r
}

func issuesOfType(report *Report, kind IssueType) []Issue {
	var out []Issue
	for _, issue := range report.Issues {
		if issue.Type == kind {
			out = append(out, issue)
		}
	}
	return out
}

func TestReconcileConsistentBatch(t *testing.T) {
	gateway := &mockGateway{}
	orders := []*models.Order{
		order("o1", "user_a", "pi_1", models.StatusProcessing, 1, now),
		order("o2", "user_a", "pi_1", models.StatusCompleted, 2, now),
	}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusSucceeded, 897), nil)

	report, err := newReconciler(orders, gateway, nil, true).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Authorizations)
	assert.Equal(t, 2, report.Orders)
	assert.Equal(t, 1, report.Consistent)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 100.0, report.Statistics.ConsistencyScore)
	gateway.AssertExpectations(t)
}

func TestReconcileOnlyListsCheckedOutOrders(t *testing.T) {
	lister := &staticOrders{}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	_, err := NewReconciler(lister, &mockGateway{}, nil, DefaultConfig(), logger).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, lister.filter.WithAuthorization)
}

func TestReconcileDryRunReportsUnconfirmedPayment(t *testing.T) {
	gateway := &mockGateway{}
	confirmer := &mockConfirmer{}
	orders := []*models.Order{order("o1", "user_a", "pi_1", models.StatusDraft, 1, now)}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusSucceeded, 299), nil)

	report, err := newReconciler(orders, gateway, confirmer, true).Run(context.Background())
	require.NoError(t, err)

	issues := issuesOfType(report, IssueUnconfirmedPayment)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityCritical, issues[0].Severity)
	assert.False(t, issues[0].Repaired)
	assert.Equal(t, []string{"o1"}, issues[0].OrderIDs)
	assert.Contains(t, report.Recommendations[0], "--dry-run")
	confirmer.AssertNotCalled(t, "ConfirmCheckout", mock.Anything, mock.Anything)
}

func TestReconcileConfirmsMissedPayments(t *testing.T) {
	gateway := &mockGateway{}
	confirmer := &mockConfirmer{}
	orders := []*models.Order{
		order("o1", "user_a", "pi_1", models.StatusDraft, 1, now),
		order("o2", "user_a", "pi_1", models.StatusDraft, 1, now),
	}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusSucceeded, 598), nil)
	confirmer.On("ConfirmCheckout", "user_a", "pi_1").Return(int64(2), nil)

	report, err := newReconciler(orders, gateway, confirmer, false).Run(context.Background())
	require.NoError(t, err)

	issues := issuesOfType(report, IssueUnconfirmedPayment)
	require.Len(t, issues, 1)
	assert.True(t, issues[0].Repaired)
	assert.EqualValues(t, 2, report.Statistics.OrdersRepaired)
	confirmer.AssertExpectations(t)
}

func TestReconcileNeverConfirmsForeignOrders(t *testing.T) {
	gateway := &mockGateway{}
	confirmer := &mockConfirmer{}
	orders := []*models.Order{order("o1", "user_b", "pi_1", models.StatusDraft, 1, now)}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusSucceeded, 299), nil)

	report, err := newReconciler(orders, gateway, confirmer, false).Run(context.Background())
	require.NoError(t, err)

	mismatch := issuesOfType(report, IssueOwnerMismatch)
	require.Len(t, mismatch, 1)
	assert.Equal(t, "user_a", mismatch[0].Expected)
	assert.Equal(t, "user_b", mismatch[0].Actual)
	confirmer.AssertNotCalled(t, "ConfirmCheckout", mock.Anything, mock.Anything)
}

func TestReconcileFlagsUnpaidConfirmation(t *testing.T) {
	gateway := &mockGateway{}
	orders := []*models.Order{order("o1", "user_a", "pi_1", models.StatusProcessing, 1, now)}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusRequiresPayment, 299), nil)

	report, err := newReconciler(orders, gateway, nil, true).Run(context.Background())
	require.NoError(t, err)

	issues := issuesOfType(report, IssueUnpaidConfirmation)
	require.Len(t, issues, 1)
	assert.Equal(t, "requires_payment_method", issues[0].Actual)
	assert.Equal(t, 1, report.Statistics.CriticalIssues)
	assert.Zero(t, report.Consistent)
}

func TestReconcileFlagsAmountChangedAfterCheckout(t *testing.T) {
	gateway := &mockGateway{}
	orders := []*models.Order{order("o1", "user_a", "pi_1", models.StatusProcessing, 3, now)}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusSucceeded, 299), nil)

	report, err := newReconciler(orders, gateway, nil, true).Run(context.Background())
	require.NoError(t, err)

	issues := issuesOfType(report, IssueAmountMismatch)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityCritical, issues[0].Severity)
	assert.EqualValues(t, 299, issues[0].Expected)
	assert.EqualValues(t, 897, issues[0].Actual)
}

func TestReconcileDoesNotConfirmMismatchedAmount(t *testing.T) {
	gateway := &mockGateway{}
	confirmer := &mockConfirmer{}
	orders := []*models.Order{order("o1", "user_a", "pi_1", models.StatusDraft, 100, now)}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusSucceeded, 299), nil)

	report, err := newReconciler(orders, gateway, confirmer, false).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, issuesOfType(report, IssueAmountMismatch), 1)
	unconfirmed := issuesOfType(report, IssueUnconfirmedPayment)
	require.Len(t, unconfirmed, 1)
	assert.False(t, unconfirmed[0].Repaired)
	assert.Zero(t, report.Statistics.OrdersRepaired)
	confirmer.AssertNotCalled(t, "ConfirmCheckout", mock.Anything, mock.Anything)
}

func TestReconcileAbandonedCheckoutOnlyWhenStale(t *testing.T) {
	gateway := &mockGateway{}
	orders := []*models.Order{
		order("fresh", "user_a", "pi_1", models.StatusDraft, 1, now.Add(-time.Hour)),
		order("old", "user_b", "pi_2", models.StatusDraft, 1, now.Add(-48*time.Hour)),
	}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusRequiresPayment, 299), nil)
	gateway.On("RetrieveAuthorization", "pi_2").Return(authorization("pi_2", "user_b", payments.StatusRequiresPayment, 299), nil)

	report, err := newReconciler(orders, gateway, nil, true).Run(context.Background())
	require.NoError(t, err)

	issues := issuesOfType(report, IssueAbandonedCheckout)
	require.Len(t, issues, 1)
	assert.Equal(t, []string{"old"}, issues[0].OrderIDs)
	assert.Equal(t, SeverityInfo, issues[0].Severity)
	assert.Equal(t, 1, report.Consistent)
}

func TestReconcileMissingAndFailedLookups(t *testing.T) {
	gateway := &mockGateway{}
	orders := []*models.Order{
		order("o1", "user_a", "pi_gone", models.StatusDraft, 1, now),
		order("o2", "user_a", "pi_down", models.StatusDraft, 1, now),
	}
	gateway.On("RetrieveAuthorization", "pi_gone").Return(payments.Authorization{}, payments.ErrNotFound)
	gateway.On("RetrieveAuthorization", "pi_down").Return(payments.Authorization{}, errors.New("connection reset"))

	report, err := newReconciler(orders, gateway, nil, true).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, issuesOfType(report, IssueMissingAuthorization), 1)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "pi_down", report.Failures[0].AuthorizationID)
	assert.Equal(t, 0.0, report.Statistics.ConsistencyScore)
}

func TestReconcileListFailure(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r := NewReconciler(&staticOrders{err: errors.New("db down")}, &mockGateway{}, nil, DefaultConfig(), logger)

	_, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestRenderSummary(t *testing.T) {
	gateway := &mockGateway{}
	orders := []*models.Order{order("o1", "user_a", "pi_1", models.StatusDraft, 1, now)}
	gateway.On("RetrieveAuthorization", "pi_1").Return(authorization("pi_1", "user_a", payments.StatusSucceeded, 299), nil)

	report, err := newReconciler(orders, gateway, nil, true).Run(context.Background())
	require.NoError(t, err)

	out, err := Render(report, "summary")
	require.NoError(t, err)
	text := string(out)
	assert.True(t, strings.HasPrefix(text, "PAYMENT RECONCILIATION REPORT"))
	assert.Contains(t, text, "unconfirmed_payment")
	assert.Contains(t, text, "dry run")

	_, err = Render(report, "json")
	assert.NoError(t, err)

	_, err = Render(report, "xml")
	assert.Error(t, err)
}
