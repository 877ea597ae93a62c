// Package reconcile compares order records against the payment processor's
// view of their authorizations and repairs confirmations that never landed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/sticker-storefront/internal/payments"
	"github.com/jogardn/sticker-storefront/internal/store"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type OrderLister interface {
	List(ctx context.Context, filter store.Filter) ([]*models.Order, error)
}

type AuthorizationFetcher interface {
	RetrieveAuthorization(ctx context.Context, id string) (payments.Authorization, error)
}

// Confirmer applies a verified payment to the owner's draft orders.
type Confirmer interface {
	ConfirmCheckout(ctx context.Context, owner, authID string) (int64, error)
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type IssueType string

const (
	IssueUnconfirmedPayment   IssueType = "unconfirmed_payment"
	IssueUnpaidConfirmation   IssueType = "unpaid_confirmation"
	IssueOwnerMismatch        IssueType = "owner_mismatch"
	IssueAmountMismatch       IssueType = "amount_mismatch"
	IssueMissingAuthorization IssueType = "missing_authorization"
	IssueAbandonedCheckout    IssueType = "abandoned_checkout"
)

type Issue struct {
	AuthorizationID string      `json:"authorization_id"`
	OwnerID         string      `json:"owner_id"`
	OrderIDs        []string    `json:"order_ids"`
	Type            IssueType   `json:"type"`
	Severity        Severity    `json:"severity"`
	Expected        interface{} `json:"expected,omitempty"`
	Actual          interface{} `json:"actual,omitempty"`
	Description     string      `json:"description"`
	Repaired        bool        `json:"repaired"`
}

type Failure struct {
	AuthorizationID string    `json:"authorization_id"`
	Error           string    `json:"error"`
	Timestamp       time.Time `json:"timestamp"`
}

type Statistics struct {
	ConsistencyScore float64 `json:"consistency_score"`
	CriticalIssues   int     `json:"critical_issues"`
	WarningIssues    int     `json:"warning_issues"`
	InfoIssues       int     `json:"info_issues"`
	OrdersRepaired   int64   `json:"orders_repaired"`
}

type Report struct {
	Authorizations  int           `json:"authorizations"`
	Orders          int           `json:"orders"`
	Consistent      int           `json:"consistent"`
	Issues          []Issue       `json:"issues"`
	Failures        []Failure     `json:"failures"`
	Statistics      Statistics    `json:"statistics"`
	Recommendations []string      `json:"recommendations"`
	DryRun          bool          `json:"dry_run"`
	Duration        time.Duration `json:"duration"`
	Timestamp       time.Time     `json:"timestamp"`
}

type Config struct {
	Concurrency  int
	DelayBetween time.Duration
	// StaleAfter is how long a draft may sit on an unpaid authorization
	// before it is reported as abandoned.
	StaleAfter time.Duration
	// DryRun reports unconfirmed payments without confirming them.
	DryRun bool
}

func DefaultConfig() Config {
	return Config{
		Concurrency:  5,
		DelayBetween: 100 * time.Millisecond,
		StaleAfter:   24 * time.Hour,
		DryRun:       true,
	}
}

type Reconciler struct {
	orders    OrderLister
	gateway   AuthorizationFetcher
	confirmer Confirmer
	config    Config
	logger    *logrus.Logger
	now       func() time.Time
}

func NewReconciler(orders OrderLister, gateway AuthorizationFetcher, confirmer Confirmer, config Config, logger *logrus.Logger) *Reconciler {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Reconciler{
		orders:    orders,
		gateway:   gateway,
		confirmer: confirmer,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type group struct {
	authID string
	orders []*models.Order
}

type outcome struct {
	issues   []Issue
	failure  *Failure
	repaired int64
}

// Run checks every order that went through checkout, one authorization at
// a time, with at most Concurrency gateway lookups in flight.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	start := r.now()

	orders, err := r.orders.List(ctx, store.Filter{WithAuthorization: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	groups := groupByAuthorization(orders)
	report := &Report{
		Authorizations: len(groups),
		Orders:         len(orders),
		Issues:         []Issue{},
		Failures:       []Failure{},
		DryRun:         r.config.DryRun,
		Timestamp:      start,
	}

	r.logger.WithFields(logrus.Fields{
		"authorizations": len(groups),
		"orders":         len(orders),
		"dry_run":        r.config.DryRun,
	}).Info("Starting payment reconciliation")

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, r.config.Concurrency)
	results := make(chan outcome, len(groups))

	for _, g := range groups {
		wg.Add(1)
		go func(g group) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				results <- outcome{failure: &Failure{AuthorizationID: g.authID, Error: ctx.Err().Error(), Timestamp: r.now()}}
				return
			}
			results <- r.check(ctx, g)
			sleepContext(ctx, r.config.DelayBetween)
			<-semaphore
		}(g)
	}

	wg.Wait()
	close(results)

	for res := range results {
		if res.failure != nil {
			report.Failures = append(report.Failures, *res.failure)
			continue
		}
		if len(res.issues) == 0 {
			report.Consistent++
		}
		report.Issues = append(report.Issues, res.issues...)
		report.Statistics.OrdersRepaired += res.repaired
	}

	sort.Slice(report.Issues, func(i, j int) bool {
		if report.Issues[i].AuthorizationID != report.Issues[j].AuthorizationID {
			return report.Issues[i].AuthorizationID < report.Issues[j].AuthorizationID
		}
		return report.Issues[i].Type < report.Issues[j].Type
	})

	report.Statistics = r.calculateStatistics(report)
	report.Recommendations = recommendations(report)
	report.Duration = r.now().Sub(start)

	r.logger.WithFields(logrus.Fields{
		"issues":            len(report.Issues),
		"failures":          len(report.Failures),
		"orders_repaired":   report.Statistics.OrdersRepaired,
		"consistency_score": report.Statistics.ConsistencyScore,
		"duration":          report.Duration.String(),
	}).Info("Payment reconciliation completed")

	return report, nil
}

func groupByAuthorization(orders []*models.Order) []group {
	index := make(map[string]int)
	var groups []group
	for _, order := range orders {
		if order.AuthorizationID == nil || *order.AuthorizationID == "" {
			continue
		}
		authID := *order.AuthorizationID
		i, ok := index[authID]
		if !ok {
			i = len(groups)
			index[authID] = i
			groups = append(groups, group{authID: authID})
		}
		groups[i].orders = append(groups[i].orders, order)
	}
	return groups
}

func (r *Reconciler) check(ctx context.Context, g group) outcome {
	fields := logrus.Fields{"authorization_id": g.authID, "orders": len(g.orders)}

	auth, err := r.gateway.RetrieveAuthorization(ctx, g.authID)
	if errors.Is(err, payments.ErrNotFound) {
		return outcome{issues: []Issue{r.issue(g, g.orders, IssueMissingAuthorization, SeverityWarning,
			"orders reference an authorization the processor does not know")}}
	}
	if err != nil {
		r.logger.WithError(err).WithFields(fields).WithField("error_code", payments.ErrorCode(err)).
			Warn("Failed to retrieve authorization during reconciliation")
		return outcome{failure: &Failure{AuthorizationID: g.authID, Error: err.Error(), Timestamp: r.now()}}
	}

	var (
		res       outcome
		drafts    []*models.Order
		confirmed []*models.Order
		foreign   []*models.Order
		owner     = auth.OwnerID()
		amount    int64
	)
	for _, order := range g.orders {
		if order.OwnerID != owner {
			foreign = append(foreign, order)
		}
		if order.Status == models.StatusDraft {
			drafts = append(drafts, order)
		} else {
			confirmed = append(confirmed, order)
		}
		amount += models.MinorUnits(order.Total)
	}

	if len(foreign) > 0 {
		issue := r.issue(g, foreign, IssueOwnerMismatch, SeverityCritical,
			"orders carry an authorization issued to another user")
		issue.Expected = owner
		issue.Actual = foreign[0].OwnerID
		res.issues = append(res.issues, issue)
	}

	if auth.Status != payments.StatusSucceeded {
		if len(confirmed) > 0 {
			issue := r.issue(g, confirmed, IssueUnpaidConfirmation, SeverityCritical,
				"orders left draft but the authorization has not succeeded")
			issue.Actual = string(auth.Status)
			res.issues = append(res.issues, issue)
		}
		if stale := r.stale(drafts); len(stale) > 0 {
			issue := r.issue(g, stale, IssueAbandonedCheckout, SeverityInfo,
				"checkout was started but never paid")
			issue.Actual = string(auth.Status)
			res.issues = append(res.issues, issue)
		}
		return res
	}

	mismatch := amount != auth.Amount
	if mismatch {
		issue := r.issue(g, g.orders, IssueAmountMismatch, SeverityCritical,
			"order totals do not match the authorized amount")
		issue.Expected = auth.Amount
		issue.Actual = amount
		res.issues = append(res.issues, issue)
	}

	if len(drafts) > 0 {
		issue := r.issue(g, drafts, IssueUnconfirmedPayment, SeverityCritical,
			"authorization succeeded but orders are still draft")
		// Confirmation would be refused anyway; mismatched batches need a person.
		if !r.config.DryRun && !mismatch && len(foreign) == 0 && r.confirmer != nil {
			updated, err := r.confirmer.ConfirmCheckout(ctx, owner, g.authID)
			if err != nil {
				r.logger.WithError(err).WithFields(fields).Error("Failed to confirm orders during reconciliation")
			} else {
				issue.Repaired = true
				res.repaired = updated
				r.logger.WithFields(fields).WithField("updated", updated).Info("Confirmed orders missed by checkout")
			}
		}
		res.issues = append(res.issues, issue)
	}

	return res
}

func (r *Reconciler) issue(g group, orders []*models.Order, kind IssueType, severity Severity, description string) Issue {
	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	return Issue{
		AuthorizationID: g.authID,
		OwnerID:         g.orders[0].OwnerID,
		OrderIDs:        ids,
		Type:            kind,
		Severity:        severity,
		Description:     description,
	}
}

func (r *Reconciler) stale(drafts []*models.Order) []*models.Order {
	cutoff := r.now().Add(-r.config.StaleAfter)
	var out []*models.Order
	for _, order := range drafts {
		if order.UpdatedAt.Before(cutoff) {
			out = append(out, order)
		}
	}
	return out
}

func (r *Reconciler) calculateStatistics(report *Report) Statistics {
	stats := Statistics{OrdersRepaired: report.Statistics.OrdersRepaired}

	for _, issue := range report.Issues {
		switch issue.Severity {
		case SeverityCritical:
			stats.CriticalIssues++
		case SeverityWarning:
			stats.WarningIssues++
		case SeverityInfo:
			stats.InfoIssues++
		}
	}

	checked := report.Authorizations - len(report.Failures)
	if checked > 0 {
		stats.ConsistencyScore = math.Round(float64(report.Consistent)*10000/float64(checked)) / 100
	}
	return stats
}

func recommendations(report *Report) []string {
	var out []string
	counts := make(map[IssueType]int)
	unrepaired := 0
	for _, issue := range report.Issues {
		counts[issue.Type]++
		if issue.Type == IssueUnconfirmedPayment && !issue.Repaired {
			unrepaired++
		}
	}

	if unrepaired > 0 {
		if report.DryRun {
			out = append(out, fmt.Sprintf("Re-run without --dry-run to confirm %d paid checkout(s)", unrepaired))
		} else {
			out = append(out, fmt.Sprintf("%d paid checkout(s) could not be confirmed, check the logs", unrepaired))
		}
	}
	if n := counts[IssueUnpaidConfirmation]; n > 0 {
		out = append(out, fmt.Sprintf("Hold fulfilment for %d checkout(s) confirmed without payment", n))
	}
	if n := counts[IssueOwnerMismatch]; n > 0 {
		out = append(out, fmt.Sprintf("Investigate %d authorization(s) attached to another user's orders", n))
	}
	if n := counts[IssueAmountMismatch]; n > 0 {
		out = append(out, fmt.Sprintf("Review %d order batch(es) whose totals differ from the amount paid", n))
	}
	if len(report.Failures) > 0 {
		out = append(out, fmt.Sprintf("Retry %d authorization lookup(s) that failed", len(report.Failures)))
	}
	if len(out) == 0 {
		out = append(out, "Orders and payments agree, no action required")
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
