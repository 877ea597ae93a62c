package lifecycle

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/jogardn/sticker-storefront/internal/payments"
	"github.com/jogardn/sticker-storefront/internal/store"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// memoryStore mirrors the conditional updates of the Postgres store.
type memoryStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{orders: make(map[string]*models.Order)}
}

func clone(o *models.Order) *models.Order {
	cp := *o
	if o.AuthorizationID != nil {
		id := *o.AuthorizationID
		cp.AuthorizationID = &id
	}
	if o.PaymentConfirmed != nil {
		v := *o.PaymentConfirmed
		cp.PaymentConfirmed = &v
	}
	return &cp
}

func (s *memoryStore) put(o *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = clone(o)
}

func (s *memoryStore) snapshot(id string) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	return clone(o)
}

func (s *memoryStore) Create(ctx context.Context, order *models.Order) error {
	if s.err != nil {
		return s.err
	}
	s.put(order)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*models.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	o := s.snapshot(id)
	if o == nil {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (s *memoryStore) List(ctx context.Context, filter store.Filter) ([]*models.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := []*models.Order{}
	for _, o := range s.orders {
		if filter.OwnerID != "" && o.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.WithAuthorization && o.AuthorizationID == nil {
			continue
		}
		if filter.AuthorizationID != "" && (o.AuthorizationID == nil || *o.AuthorizationID != filter.AuthorizationID) {
			continue
		}
		orders = append(orders, clone(o))
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

func (s *memoryStore) FindByIDs(ctx context.Context, ids []string) ([]*models.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := []*models.Order{}
	for _, id := range ids {
		if o, ok := s.orders[id]; ok {
			orders = append(orders, clone(o))
		}
	}
	return orders, nil
}

func (s *memoryStore) UpdateDraft(ctx context.Context, order *models.Order) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok || current.OwnerID != order.OwnerID || current.Status != models.StatusDraft ||
		!sameAuthorization(current.AuthorizationID, order.AuthorizationID) {
		return store.ErrNotFound
	}
	current.ImageURL = order.ImageURL
	current.Size = order.Size
	current.Quantity = order.Quantity
	current.Total = order.Total
	current.AuthorizationID = nil
	order.AuthorizationID = nil
	return nil
}

func sameAuthorization(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *memoryStore) AttachAuthorization(ctx context.Context, owner string, ids []string, authID string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		o, ok := s.orders[id]
		if !ok || o.OwnerID != owner || o.Status != models.StatusDraft {
			return store.ErrConflict
		}
	}
	for _, id := range ids {
		auth := authID
		s.orders[id].AuthorizationID = &auth
	}
	return nil
}

func (s *memoryStore) ConfirmAuthorization(ctx context.Context, owner, authID string, amountMinor int64, status models.Status) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		waiting []*models.Order
		total   = decimal.Zero
	)
	for _, o := range s.orders {
		if o.OwnerID == owner && o.AuthorizationID != nil && *o.AuthorizationID == authID && o.Status == models.StatusDraft {
			waiting = append(waiting, o)
			total = total.Add(o.Total)
		}
	}
	if len(waiting) == 0 {
		return 0, nil
	}
	if models.MinorUnits(total) != amountMinor {
		return 0, store.ErrAmountMismatch
	}
	for _, o := range waiting {
		confirmed := true
		o.Status = status
		o.PaymentConfirmed = &confirmed
	}
	return int64(len(waiting)), nil
}

func (s *memoryStore) TransitionStatus(ctx context.Context, id string, from, to models.Status) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return store.ErrConflict
	}
	o.Status = to
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id, owner string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.OwnerID != owner {
		return store.ErrNotFound
	}
	delete(s.orders, id)
	return nil
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateAuthorization(ctx context.Context, req payments.CreateRequest) (payments.Authorization, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(payments.Authorization), args.Error(1)
}

func (m *mockGateway) RetrieveAuthorization(ctx context.Context, id string) (payments.Authorization, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(payments.Authorization), args.Error(1)
}

func (m *mockGateway) CancelAuthorization(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockGateway) ParseWebhook(payload []byte, signature string) (payments.Notification, error) {
	args := m.Called(payload, signature)
	return args.Get(0).(payments.Notification), args.Error(1)
}

type fakeAssets struct {
	deleted []string
	result  bool
	err     error
}

func (f *fakeAssets) Store(ctx context.Context, filename string, body io.Reader) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeAssets) Delete(ctx context.Context, url string) (bool, error) {
	f.deleted = append(f.deleted, url)
	return f.result, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.OrderEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []models.OrderEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]models.OrderEventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}
