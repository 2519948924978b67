package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/commission"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/shipping"

	"github.com/shopspring/decimal"
)

type memRunStore struct {
	mu      sync.Mutex
	runs    map[string][]byte
	ttls    map[string]time.Duration
	saveErr error
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *memRunStore) SaveRun(_ context.Context, run *models.BatchRun, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}

	var stored int64
	if raw, ok := s.runs[run.SessionID]; ok {
		var prev models.BatchRun
		if err := json.Unmarshal(raw, &prev); err != nil {
			return err
		}
		stored = prev.Version
	}
	if stored != run.Version {
		return models.ErrStaleRun
	}

	run.Version++
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	s.runs[run.SessionID] = raw
	s.ttls[run.SessionID] = ttl
	return nil
}

func (s *memRunStore) LoadRun(_ context.Context, sessionID string) (*models.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.runs[sessionID]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	var run models.BatchRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// mutate edits the stored run in place, as a crashed process would have left it
func (s *memRunStore) mutate(t *testing.T, sessionID string, fn func(*models.BatchRun)) {
	t.Helper()
	run, err := s.LoadRun(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	fn(run)
	if err := s.SaveRun(context.Background(), run, time.Hour); err != nil {
		t.Fatal(err)
	}
}

type memLocker struct {
	mu        sync.Mutex
	held      map[string]string
	seq       int
	calls     int
	refreshes int
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]string{}}
}

func (l *memLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("token-%d", l.seq)
	l.held[key] = token
	return token, true, nil
}

func (l *memLocker) RefreshLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return l.held[key] == token, nil
}

func (l *memLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// expire drops the lock as if its ttl ran out
func (l *memLocker) expire(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func (l *memLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memIdempotency) ClaimIdempotencyKey(_ context.Context, key, sessionID string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]string{}
	}
	if existing, ok := m.keys[key]; ok {
		return existing, false, nil
	}
	m.keys[key] = sessionID
	return sessionID, true, nil
}

func (m *memIdempotency) ReleaseIdempotencyKey(_ context.Context, key, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] == sessionID {
		delete(m.keys, key)
	}
	return nil
}

type memCarts struct {
	mu    sync.Mutex
	items map[string][]models.CartItem
}

func newMemCarts() *memCarts {
	return &memCarts{items: map[string][]models.CartItem{}}
}

func (c *memCarts) GetCart(_ context.Context, customerID string) ([]models.CartItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CartItem(nil), c.items[customerID]...), nil
}

func (c *memCarts) RemoveLines(_ context.Context, customerID string, productIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	drop := map[string]bool{}
	for _, id := range productIDs {
		drop[id] = true
	}
	kept := c.items[customerID][:0]
	for _, item := range c.items[customerID] {
		if !drop[item.ProductID] {
			kept = append(kept, item)
		}
	}
	c.items[customerID] = kept
	return nil
}

func (c *memCarts) ClearCart(_ context.Context, customerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, customerID)
	return nil
}

func (c *memCarts) productIDs(customerID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := []string{}
	for _, item := range c.items[customerID] {
		ids = append(ids, item.ProductID)
	}
	return ids
}

type orderKey struct {
	session string
	index   int
}

type memOrders struct {
	mu        sync.Mutex
	nextID    int64
	orders    map[orderKey]*models.Order
	items     map[int64][]models.OrderItem
	entries   map[int64]*models.LedgerEntry
	commitErr error
}

func newMemOrders() *memOrders {
	return &memOrders{
		orders:  map[orderKey]*models.Order{},
		items:   map[int64][]models.OrderItem{},
		entries: map[int64]*models.LedgerEntry{},
	}
}

func (m *memOrders) GetOrderBySessionGroup(_ context.Context, sessionID string, groupIndex int) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[orderKey{sessionID, groupIndex}], nil
}

func (m *memOrders) CommitOrder(_ context.Context, order *models.Order, items []models.OrderItem, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.nextID++
	order.ID = m.nextID
	entry.OrderID = order.ID
	m.orders[orderKey{order.SessionID, order.GroupIndex}] = order
	m.items[order.ID] = items
	m.entries[order.ID] = entry
	return nil
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type memPublisher struct {
	mu        sync.Mutex
	committed []*models.OrderCommittedEvent
	batches   []*models.BatchCompletedEvent
	alerts    []*models.ReconciliationAlertEvent
}

func (p *memPublisher) PublishOrderCommitted(_ context.Context, e *models.OrderCommittedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = append(p.committed, e)
	return nil
}

func (p *memPublisher) PublishBatchCompleted(_ context.Context, e *models.BatchCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, e)
	return nil
}

func (p *memPublisher) PublishReconciliationAlert(_ context.Context, e *models.ReconciliationAlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, e)
	return nil
}

type memNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
	err  error
}

func (n *memNotifier) Notify(_ context.Context, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

type fakeSellers struct {
	sellers map[string]models.Seller
	err     error
	calls   int
}

func (f *fakeSellers) GetSellers(_ context.Context, ids []string) ([]models.Seller, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := []models.Seller{}
	for _, id := range ids {
		if s, ok := f.sellers[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeProducts struct {
	meta  map[string]models.ProductShippingMeta
	err   error
	calls [][]string
}

func (f *fakeProducts) GetShippingMeta(_ context.Context, ids []string) ([]models.ProductShippingMeta, error) {
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	out := []models.ProductShippingMeta{}
	for _, id := range ids {
		if m, ok := f.meta[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// scriptedGateway answers each reference with queued outcomes, defaulting to
// success. hold keeps every transaction open until the caller gives up.
type scriptedGateway struct {
	mu       sync.Mutex
	outcomes map[string][]gateway.Outcome
	initErr  error
	hold     bool
	calls    []gateway.TransactionRequest
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{outcomes: map[string][]gateway.Outcome{}}
}

func (g *scriptedGateway) script(reference string, outcomes ...gateway.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[reference] = append(g.outcomes[reference], outcomes...)
}

func (g *scriptedGateway) InitTransaction(_ context.Context, req gateway.TransactionRequest, cb gateway.Callback) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, req)
	if g.initErr != nil {
		return g.initErr
	}
	if g.hold {
		return nil
	}

	outcome := gateway.OutcomeSuccess
	if queue := g.outcomes[req.Reference]; len(queue) > 0 {
		outcome = queue[0]
		g.outcomes[req.Reference] = queue[1:]
	}

	go cb(gateway.Result{Outcome: outcome, GatewayReference: "gw-" + req.Reference})
	return nil
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGateway) references() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	refs := []string{}
	for _, c := range g.calls {
		refs = append(refs, c.Reference)
	}
	return refs
}

type testEnv struct {
	runs      *memRunStore
	locker    *memLocker
	idem      *memIdempotency
	carts     *memCarts
	orders    *memOrders
	publisher *memPublisher
	notifier  *memNotifier
	sellers   *fakeSellers
	products  *fakeProducts
	gw        *scriptedGateway

	partitioner  *Partitioner
	writer       *OrderWriter
	orchestrator *Orchestrator
	checkout     *CheckoutService
}

func testPricing() Pricing {
	return Pricing{
		Commission: commission.NewCalculator(commission.DefaultServiceChargeRate),
		Shipping:   shipping.NewAggregator(500000, decimal.NewFromInt(5)),
		VATRate:    decimal.RequireFromString("7.5"),
	}
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func modePtr(m models.FeeMode) *models.FeeMode { return &m }

func newTestEnv() *testEnv {
	env := &testEnv{
		runs:      newMemRunStore(),
		locker:    newMemLocker(),
		idem:      &memIdempotency{},
		carts:     newMemCarts(),
		orders:    newMemOrders(),
		publisher: &memPublisher{},
		notifier:  &memNotifier{},
		sellers: &fakeSellers{sellers: map[string]models.Seller{
			"s-zed":   {ID: "s-zed", OwnerUserID: "u-zed", DisplayName: "Zed Crafts", Tier: models.TierEconomy, PayoutDestination: strPtr("ACCT_ZED")},
			"s-alpha": {ID: "s-alpha", OwnerUserID: "u-alpha", DisplayName: "alpha goods", Tier: models.TierFirstClass, PayoutDestination: strPtr("ACCT_ALPHA")},
			"s-mid":   {ID: "s-mid", OwnerUserID: "u-mid", DisplayName: "Midway", Tier: models.TierFree},
		}},
		products: &fakeProducts{meta: map[string]models.ProductShippingMeta{}},
		gw:       newScriptedGateway(),
	}

	env.partitioner = NewPartitioner(env.sellers, env.products, testPricing())
	env.writer = NewOrderWriter(env.orders, env.notifier, env.publisher, 120)
	env.orchestrator = NewOrchestrator(env.runs, env.locker, env.gw, env.writer, env.carts, env.publisher, OrchestratorConfig{
		AdvanceDelay:    time.Second,
		RunTTL:          24 * time.Hour,
		CompletedRunTTL: 15 * time.Minute,
		LockTTL:         time.Hour,
	})
	env.orchestrator.sleep = func(context.Context, time.Duration) error { return nil }
	env.checkout = NewCheckoutService(env.carts, env.runs, env.idem, env.partitioner, env.orchestrator, "NGN", 24*time.Hour)
	return env
}

// threeSellerCart holds one line for each seller, declared in reverse name order
func threeSellerCart() []models.CartItem {
	return []models.CartItem{
		{ProductID: "p-zed", Name: "Zed mug", UnitPrice: 200000, Quantity: 1, SellerID: strPtr("s-zed"),
			ShippingFee: int64Ptr(1500), FeeMode: modePtr(models.FeeModeFlatOnce)},
		{ProductID: "p-mid", Name: "Mid lamp", UnitPrice: 150000, Quantity: 2, SellerID: strPtr("s-mid"),
			ShippingFee: int64Ptr(500), FeeMode: modePtr(models.FeeModePerUnit)},
		{ProductID: "p-alpha", Name: "Alpha rug", UnitPrice: 800000, Quantity: 1, SellerID: strPtr("s-alpha"),
			ShippingFee: int64Ptr(2500), FeeMode: modePtr(models.FeeModeFlatOnce)},
	}
}

func validRequest() StartCheckoutRequest {
	return StartCheckoutRequest{
		CustomerID:      "cust-1",
		Contact:         models.Contact{Name: "Ada", Email: "ada@example.com"},
		ShippingAddress: "12 Marina Road",
		PaymentMethod:   "card",
		Zone:            models.ZoneLocal,
	}
}

var errBoom = errors.New("boom")
