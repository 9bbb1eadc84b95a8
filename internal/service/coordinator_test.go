package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/gateway"
	"settlement-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu   sync.Mutex
	txns map[string]*models.Transaction
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txns: make(map[string]*models.Transaction)}
}

func (l *fakeLedger) Create(ctx context.Context, reference string, offeringID int64, email string, amountMinor int64, currency string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.txns[reference]; ok {
		return nil, models.ErrDuplicateReference
	}
	txn := &models.Transaction{
		Reference:   reference,
		OfferingID:  offeringID,
		Email:       email,
		AmountMinor: amountMinor,
		Currency:    currency,
		Status:      models.StatusInitiated,
		CreatedAt:   time.Now(),
	}
	l.txns[reference] = txn
	copied := *txn
	return &copied, nil
}

func (l *fakeLedger) Get(ctx context.Context, reference string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txn, ok := l.txns[reference]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	copied := *txn
	return &copied, nil
}

func (l *fakeLedger) Transition(ctx context.Context, reference string, from []models.TransactionStatus, to models.TransactionStatus) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txn, ok := l.txns[reference]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	for _, st := range from {
		if txn.Status == st {
			txn.Status = to
			txn.UpdatedAt = time.Now()
			copied := *txn
			return &copied, nil
		}
	}
	return nil, models.ErrInvalidTransition
}

func (l *fakeLedger) ListStale(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stale []models.Transaction
	for _, txn := range l.txns {
		if !txn.Status.IsTerminal() && txn.CreatedAt.Before(cutoff) {
			stale = append(stale, *txn)
		}
	}
	return stale, nil
}

func (l *fakeLedger) backdate(reference string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txns[reference].CreatedAt = l.txns[reference].CreatedAt.Add(-d)
}

type fakeInventory struct {
	mu        sync.Mutex
	offering  models.Offering
	tokens    map[string]string
	byRef     map[string][]string
	commits   int
	releases  int
	commitErr error
}

func newFakeInventory(capacity int) *fakeInventory {
	return &fakeInventory{
		offering: models.Offering{
			ID:         1,
			Slug:       "conference",
			Name:       "Conference Ticket",
			PriceMinor: 250000,
			Currency:   "NGN",
			Capacity:   capacity,
		},
		tokens: make(map[string]string),
		byRef:  make(map[string][]string),
	}
}

func (inv *fakeInventory) Reserve(ctx context.Context, offeringID int64, reference string) (string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.offering.Sold+inv.offering.Reserved >= inv.offering.Capacity {
		return "", models.ErrSoldOut
	}
	inv.offering.Reserved++
	token := uuid.New().String()
	inv.tokens[token] = models.ReservationHeld
	inv.byRef[reference] = append(inv.byRef[reference], token)
	return token, nil
}

func (inv *fakeInventory) Commit(ctx context.Context, token string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.commitErr != nil {
		err := inv.commitErr
		inv.commitErr = nil
		return err
	}
	if inv.tokens[token] == models.ReservationHeld {
		inv.tokens[token] = models.ReservationCommitted
		inv.offering.Sold++
		inv.offering.Reserved--
		inv.commits++
	}
	return nil
}

func (inv *fakeInventory) Release(ctx context.Context, token string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.tokens[token] == models.ReservationHeld {
		inv.tokens[token] = models.ReservationReleased
		inv.offering.Reserved--
		inv.releases++
	}
	return nil
}

func (inv *fakeInventory) TokenFor(ctx context.Context, reference string) (string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	tokens, ok := inv.byRef[reference]
	if !ok {
		return "", models.ErrReservationNotFound
	}
	// A rolled-back duplicate leaves a released sibling; the held one wins.
	for _, token := range tokens {
		if inv.tokens[token] == models.ReservationHeld {
			return token, nil
		}
	}
	return tokens[len(tokens)-1], nil
}

func (inv *fakeInventory) Offering(ctx context.Context, offeringID int64) (*models.Offering, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if offeringID != inv.offering.ID {
		return nil, models.ErrOfferingNotFound
	}
	copied := inv.offering
	return &copied, nil
}

func (inv *fakeInventory) counts() (sold, reserved int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.offering.Sold, inv.offering.Reserved
}

type fakeGateway struct {
	mu           sync.Mutex
	initErr      error
	verification *gateway.Verification
	verifyErr    error
	initCalls    int
}

func (g *fakeGateway) InitializeTransaction(ctx context.Context, req *gateway.InitializeRequest) (*gateway.Initialization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.initCalls++
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &gateway.Initialization{
		AuthorizationURL: "https://checkout.example.com/" + req.Reference,
		AccessCode:       "access-" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (g *fakeGateway) VerifyTransaction(ctx context.Context, reference string) (*gateway.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return g.verification, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	fulfilled []*models.TicketFulfilledEvent
	failed    []*models.PurchaseFailedEvent
}

func (p *fakePublisher) PublishTicketFulfilled(ctx context.Context, event *models.TicketFulfilledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fulfilled = append(p.fulfilled, event)
	return nil
}

func (p *fakePublisher) PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event)
	return nil
}

func (p *fakePublisher) fulfilledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fulfilled)
}

func newTestCoordinator(capacity int) (*Coordinator, *fakeLedger, *fakeInventory, *fakeGateway, *fakePublisher) {
	ledger := newFakeLedger()
	inventory := newFakeInventory(capacity)
	gw := &fakeGateway{}
	publisher := &fakePublisher{}
	coordinator := NewCoordinator(ledger, inventory, gw, publisher, 30*time.Minute)
	return coordinator, ledger, inventory, gw, publisher
}

func TestInitiateReturnsRedirect(t *testing.T) {
	coordinator, _, inventory, _, _ := newTestCoordinator(10)

	resp, err := coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 1,
		Email:      "attendee@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Reference)
	assert.Contains(t, resp.RedirectURL, resp.Reference)
	assert.Equal(t, string(models.StatusPendingVerification), resp.Status)

	sold, reserved := inventory.counts()
	assert.Equal(t, 0, sold)
	assert.Equal(t, 1, reserved)
}

func TestInitiateRollsBackOnGatewayFailure(t *testing.T) {
	coordinator, ledger, inventory, gw, _ := newTestCoordinator(10)
	gw.initErr = models.ErrGatewayUnavailable

	_, err := coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 1,
		Email:      "attendee@example.com",
	})
	require.ErrorIs(t, err, models.ErrGatewayUnavailable)

	sold, reserved := inventory.counts()
	assert.Equal(t, 0, sold)
	assert.Equal(t, 0, reserved, "no orphaned reservation may survive a failed initiate")

	for reference := range ledger.txns {
		txn, err := ledger.Get(context.Background(), reference)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, txn.Status)
	}
}

func TestInitiateSoldOut(t *testing.T) {
	coordinator, _, _, _, _ := newTestCoordinator(0)

	_, err := coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 1,
		Email:      "attendee@example.com",
	})
	assert.ErrorIs(t, err, models.ErrSoldOut)
}

func TestInitiateDuplicateReference(t *testing.T) {
	coordinator, _, inventory, _, _ := newTestCoordinator(10)

	_, err := coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 1,
		Email:      "attendee@example.com",
		Reference:  "client-ref-1",
	})
	require.NoError(t, err)

	_, err = coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 1,
		Email:      "attendee@example.com",
		Reference:  "client-ref-1",
	})
	assert.ErrorIs(t, err, models.ErrDuplicateReference)

	// The losing attempt must not leave an extra reservation behind.
	sold, reserved := inventory.counts()
	assert.Equal(t, 0, sold)
	assert.Equal(t, 1, reserved)
}

func TestInitiateDuplicateReferenceThenSettleCommitsHeldUnit(t *testing.T) {
	coordinator, _, inventory, _, publisher := newTestCoordinator(10)

	resp, err := coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 1,
		Email:      "attendee@example.com",
		Reference:  "client-ref-1",
	})
	require.NoError(t, err)

	_, err = coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 1,
		Email:      "attendee@example.com",
		Reference:  "client-ref-1",
	})
	require.ErrorIs(t, err, models.ErrDuplicateReference)

	// The rolled-back duplicate left a released sibling reservation; the
	// winning outcome must still commit the original held unit.
	txn, err := coordinator.Reconcile(context.Background(), resp.Reference,
		Outcome{Status: models.StatusSucceeded, AmountMinor: 250000, Currency: "NGN", Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, txn.Status)

	sold, reserved := inventory.counts()
	assert.Equal(t, 1, sold)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 1, inventory.commits)
	assert.Equal(t, 1, publisher.fulfilledCount())
}

func TestInitiateRejectsWrongAmount(t *testing.T) {
	coordinator, _, inventory, _, _ := newTestCoordinator(10)

	_, err := coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID:  1,
		Email:       "attendee@example.com",
		AmountMinor: 999,
	})
	assert.ErrorIs(t, err, models.ErrAmountMismatch)

	sold, reserved := inventory.counts()
	assert.Equal(t, 0, sold)
	assert.Equal(t, 0, reserved)
}

func TestInitiateUnknownOffering(t *testing.T) {
	coordinator, _, _, _, _ := newTestCoordinator(10)

	_, err := coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 99,
		Email:      "attendee@example.com",
	})
	assert.ErrorIs(t, err, models.ErrOfferingNotFound)
}

func TestConcurrentInitiateRespectsCapacity(t *testing.T) {
	coordinator, _, inventory, _, _ := newTestCoordinator(1)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coordinator.Initiate(context.Background(), &InitiateRequest{
				OfferingID: 1,
				Email:      "attendee@example.com",
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var won, soldOut int
	for err := range results {
		if err == nil {
			won++
		} else if assert.ErrorIs(t, err, models.ErrSoldOut) {
			soldOut++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, soldOut)

	sold, reserved := inventory.counts()
	assert.Equal(t, 0, sold)
	assert.Equal(t, 1, reserved)
}

func initiated(t *testing.T, coordinator *Coordinator) string {
	t.Helper()
	resp, err := coordinator.Initiate(context.Background(), &InitiateRequest{
		OfferingID: 1,
		Email:      "attendee@example.com",
	})
	require.NoError(t, err)
	return resp.Reference
}

func TestReconcileSucceededCommitsOnce(t *testing.T) {
	coordinator, _, inventory, _, publisher := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	outcome := Outcome{Status: models.StatusSucceeded, AmountMinor: 250000, Currency: "NGN", Source: "webhook"}

	txn, err := coordinator.Reconcile(context.Background(), reference, outcome)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, txn.Status)

	// Duplicate webhook deliveries and late verify polls are no-ops.
	for i := 0; i < 3; i++ {
		txn, err = coordinator.Reconcile(context.Background(), reference, outcome)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, txn.Status)
	}
	txn, err = coordinator.Reconcile(context.Background(), reference,
		Outcome{Status: models.StatusFailed, Source: "verify"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, txn.Status, "a terminal state is absorbing")

	sold, reserved := inventory.counts()
	assert.Equal(t, 1, sold)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 1, inventory.commits)
	assert.Equal(t, 0, inventory.releases)
	assert.Equal(t, 1, publisher.fulfilledCount(), "fulfillment is emitted exactly once")
}

func TestReconcileRetrySettlesInventoryAfterCommitFailure(t *testing.T) {
	coordinator, _, inventory, _, _ := newTestCoordinator(10)
	reference := initiated(t, coordinator)
	inventory.commitErr = errors.New("connection reset")

	outcome := Outcome{Status: models.StatusSucceeded, AmountMinor: 250000, Currency: "NGN", Source: "webhook"}

	// The status transition wins but the inventory commit fails; the caller
	// sees an error so the gateway redelivers.
	_, err := coordinator.Reconcile(context.Background(), reference, outcome)
	require.Error(t, err)

	sold, _ := inventory.counts()
	assert.Equal(t, 0, sold)

	// The redelivery finds the transaction already terminal and heals the
	// still-held reservation.
	txn, err := coordinator.Reconcile(context.Background(), reference, outcome)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, txn.Status)

	sold, reserved := inventory.counts()
	assert.Equal(t, 1, sold)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 1, inventory.commits)
}

func TestReconcileFailedThenSucceededReleasesOnly(t *testing.T) {
	coordinator, _, inventory, _, publisher := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	txn, err := coordinator.Reconcile(context.Background(), reference,
		Outcome{Status: models.StatusFailed, Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, txn.Status)

	txn, err = coordinator.Reconcile(context.Background(), reference,
		Outcome{Status: models.StatusSucceeded, AmountMinor: 250000, Currency: "NGN", Source: "verify"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, txn.Status)

	sold, reserved := inventory.counts()
	assert.Equal(t, 0, sold)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 0, inventory.commits)
	assert.Equal(t, 1, inventory.releases)
	assert.Equal(t, 0, publisher.fulfilledCount())
}

func TestReconcileAmountMismatchSettlesAsFailed(t *testing.T) {
	coordinator, _, inventory, _, publisher := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	txn, err := coordinator.Reconcile(context.Background(), reference,
		Outcome{Status: models.StatusSucceeded, AmountMinor: 100, Currency: "NGN", Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, txn.Status)

	sold, _ := inventory.counts()
	assert.Equal(t, 0, sold)
	assert.Equal(t, 0, publisher.fulfilledCount())
}

func TestReconcileCurrencyMismatchSettlesAsFailed(t *testing.T) {
	coordinator, _, _, _, _ := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	txn, err := coordinator.Reconcile(context.Background(), reference,
		Outcome{Status: models.StatusSucceeded, AmountMinor: 250000, Currency: "USD", Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, txn.Status)
}

func TestConcurrentReconcileSettlesExactlyOnce(t *testing.T) {
	coordinator, _, inventory, _, publisher := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	outcomes := []Outcome{
		{Status: models.StatusSucceeded, AmountMinor: 250000, Currency: "NGN", Source: "webhook"},
		{Status: models.StatusFailed, Source: "verify"},
	}

	var wg sync.WaitGroup
	for _, outcome := range outcomes {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(o Outcome) {
				defer wg.Done()
				_, err := coordinator.Reconcile(context.Background(), reference, o)
				assert.NoError(t, err)
			}(outcome)
		}
	}
	wg.Wait()

	sold, reserved := inventory.counts()
	assert.Equal(t, 0, reserved)
	// Whichever outcome won, there was exactly one commit or one release,
	// never both and never neither.
	assert.Equal(t, 1, inventory.commits+inventory.releases)
	if inventory.commits == 1 {
		assert.Equal(t, 1, sold)
		assert.Equal(t, 1, publisher.fulfilledCount())
	} else {
		assert.Equal(t, 0, sold)
		assert.Equal(t, 0, publisher.fulfilledCount())
	}
}

func TestVerifyAndReconcileSuccess(t *testing.T) {
	coordinator, _, inventory, gw, _ := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	gw.verification = &gateway.Verification{
		Status:      gateway.VerifyStatusSuccess,
		AmountMinor: 250000,
		Currency:    "NGN",
		PayerEmail:  "attendee@example.com",
	}

	txn, err := coordinator.VerifyAndReconcile(context.Background(), reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, txn.Status)

	sold, _ := inventory.counts()
	assert.Equal(t, 1, sold)
}

func TestVerifyAndReconcilePendingLeavesTransactionOpen(t *testing.T) {
	coordinator, _, inventory, gw, _ := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	gw.verification = &gateway.Verification{Status: gateway.VerifyStatusPending}

	txn, err := coordinator.VerifyAndReconcile(context.Background(), reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingVerification, txn.Status)

	_, reserved := inventory.counts()
	assert.Equal(t, 1, reserved)
}

func TestVerifyAndReconcileSkipsGatewayWhenTerminal(t *testing.T) {
	coordinator, _, _, gw, _ := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	_, err := coordinator.Reconcile(context.Background(), reference,
		Outcome{Status: models.StatusFailed, Source: "webhook"})
	require.NoError(t, err)

	gw.verifyErr = models.ErrGatewayUnavailable

	txn, err := coordinator.VerifyAndReconcile(context.Background(), reference)
	require.NoError(t, err, "a terminal transaction must not hit the gateway")
	assert.Equal(t, models.StatusFailed, txn.Status)
}

func TestExpireStaleReleasesAndBlocksLateOutcome(t *testing.T) {
	coordinator, ledger, inventory, _, _ := newTestCoordinator(10)
	reference := initiated(t, coordinator)
	ledger.backdate(reference, time.Hour)

	require.NoError(t, coordinator.ExpireStale(context.Background(), time.Now()))

	txn, err := ledger.Get(context.Background(), reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, txn.Status)

	sold, reserved := inventory.counts()
	assert.Equal(t, 0, sold)
	assert.Equal(t, 0, reserved)

	// A late outcome for an expired transaction is a stale no-op.
	txn, err = coordinator.Reconcile(context.Background(), reference,
		Outcome{Status: models.StatusSucceeded, AmountMinor: 250000, Currency: "NGN", Source: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, txn.Status)
	assert.Equal(t, 0, inventory.commits)
}

func TestExpireStaleIgnoresFreshTransactions(t *testing.T) {
	coordinator, ledger, _, _, _ := newTestCoordinator(10)
	reference := initiated(t, coordinator)

	require.NoError(t, coordinator.ExpireStale(context.Background(), time.Now()))

	txn, err := ledger.Get(context.Background(), reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingVerification, txn.Status)
}
