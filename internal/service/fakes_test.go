package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/epay"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/imsi"
	"github.com/rs/zerolog"
)

var nopLogger = zerolog.Nop()

// memPayments is an in-memory PaymentRepository with the same CAS and
// credit-once behaviour as the Mongo implementation.
type memPayments struct {
	mu        sync.Mutex
	records   map[string]domain.PaymentRecord
	invoices  map[string]string
	checkouts map[string]string
	ledger    map[string]domain.WalletCredit
	balances  map[string]float64
	counter   int
	commits   int

	// beforeCommit runs once, outside the lock, ahead of the next commit.
	beforeCommit func()
}

func newMemPayments() *memPayments {
	return &memPayments{
		records:   map[string]domain.PaymentRecord{},
		invoices:  map[string]string{},
		checkouts: map[string]string{},
		ledger:    map[string]domain.WalletCredit{},
		balances:  map[string]float64{},
	}
}

func (m *memPayments) NextInvoiceID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return fmt.Sprintf("%06d", 100000+m.counter), nil
}

func (m *memPayments) Create(ctx context.Context, record *domain.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[record.InvoiceID]; ok {
		return domain.ErrConflict
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.CreatedAt = record.CreatedAt.UTC().Truncate(time.Millisecond)
	record.UpdatedAt = record.CreatedAt

	m.records[record.ID] = *record
	m.invoices[record.InvoiceID] = record.ID
	if record.CheckoutToken != "" {
		m.checkouts[record.CheckoutToken] = record.ID
	}
	return nil
}

// put stores a record as-is, bypassing Create.
func (m *memPayments) put(record domain.PaymentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = record
	m.invoices[record.InvoiceID] = record.ID
	if record.CheckoutToken != "" {
		m.checkouts[record.CheckoutToken] = record.ID
	}
}

func (m *memPayments) get(id string) domain.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *memPayments) balance(userID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *memPayments) ledgerSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledger)
}

func (m *memPayments) GetByID(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (m *memPayments) GetForUser(ctx context.Context, userID, id string) (*domain.PaymentRecord, error) {
	rec, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memPayments) GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	m.mu.Lock()
	id, ok := m.invoices[invoiceID]
	m.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *memPayments) ResolveCheckout(ctx context.Context, paymentID, token string) (*domain.PaymentRecord, error) {
	m.mu.Lock()
	id, ok := m.checkouts[token]
	m.mu.Unlock()
	if !ok || id != paymentID {
		return nil, domain.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *memPayments) ListByUser(ctx context.Context, userID string, limit int64) ([]*domain.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.PaymentRecord
	for _, rec := range m.records {
		if rec.UserID == userID {
			rec := rec
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayments) CommitTransition(ctx context.Context, prev, next *domain.PaymentRecord, credit *domain.WalletCredit) error {
	if hook := m.beforeCommit; hook != nil {
		m.beforeCommit = nil
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next.UpdatedAt = next.UpdatedAt.UTC().Truncate(time.Millisecond)
	if !next.UpdatedAt.After(prev.UpdatedAt) {
		next.UpdatedAt = prev.UpdatedAt.Add(time.Millisecond)
	}

	cur, ok := m.records[prev.ID]
	if !ok || cur.Status != prev.Status || !cur.UpdatedAt.Equal(prev.UpdatedAt) {
		return domain.ErrConflict
	}

	if credit != nil {
		key := domain.WalletTransactionID(credit.PaymentID)
		if _, done := m.ledger[key]; !done {
			m.ledger[key] = *credit
			m.balances[credit.UserID] += credit.Amount
		}
		if next.CreditedAt == nil {
			at := next.UpdatedAt
			next.CreditedAt = &at
		}
	}

	stored := *next
	if stored.CreditedAt == nil {
		stored.CreditedAt = cur.CreditedAt
	}
	m.records[prev.ID] = stored
	m.commits++
	return nil
}

func (m *memPayments) MarkCredited(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.CreditedAt != nil {
		return domain.ErrConflict
	}
	rec.CreditedAt = &at
	m.records[id] = rec
	return nil
}

// memEsims is an in-memory EsimRepository with an atomic autopay lock.
type memEsims struct {
	mu       sync.Mutex
	esims    map[string]domain.Esim
	acquires int
	releases int
}

func newMemEsims(esims ...domain.Esim) *memEsims {
	m := &memEsims{esims: map[string]domain.Esim{}}
	for _, e := range esims {
		m.esims[e.ID] = e
	}
	return m
}

func (m *memEsims) get(id string) domain.Esim {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.esims[id]
}

func (m *memEsims) GetByID(ctx context.Context, id string) (*domain.Esim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.esims[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (m *memEsims) GetForUser(ctx context.Context, userID, id string) (*domain.Esim, error) {
	e, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (m *memEsims) ListByUser(ctx context.Context, userID string) ([]*domain.Esim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Esim
	for _, e := range m.esims {
		if e.UserID == userID {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memEsims) update(id string, fn func(e *domain.Esim)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.esims[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&e)
	m.esims[id] = e
	return nil
}

func (m *memEsims) UpdateIdentity(ctx context.Context, id, iccid, msisdn string) error {
	return m.update(id, func(e *domain.Esim) {
		e.ICCID = iccid
		e.MSISDN = msisdn
	})
}

func (m *memEsims) AddDataLimit(ctx context.Context, id string, mb float64) error {
	return m.update(id, func(e *domain.Esim) { e.DataLimitMB += mb })
}

func (m *memEsims) AcquireAutopayLock(ctx context.Context, id string, now time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.esims[id]
	if !ok || !e.Autopay.Eligible(now, cooldown) {
		return false, nil
	}
	e.Autopay.InProgress = true
	e.Autopay.LastAttemptAt = &now
	m.esims[id] = e
	m.acquires++
	return true, nil
}

func (m *memEsims) ReleaseAutopayLock(ctx context.Context, id string) error {
	m.mu.Lock()
	m.releases++
	m.mu.Unlock()
	return m.update(id, func(e *domain.Esim) { e.Autopay.InProgress = false })
}

func (m *memEsims) RecordAutopayStatus(ctx context.Context, id, status string) error {
	return m.update(id, func(e *domain.Esim) { e.Autopay.LastStatus = status })
}

func (m *memEsims) RecordAutopaySuccess(ctx context.Context, id string, outcome domain.AutopaySuccess) error {
	return m.update(id, func(e *domain.Esim) {
		at := outcome.At
		e.Autopay.LastStatus = domain.AutopayStatusSuccess
		e.Autopay.LastSuccessAt = &at
		e.Autopay.LastCardID = outcome.CardID
		e.Autopay.LastRateUSDPerMB = outcome.RateUSDPerMB
		e.Autopay.LastAmountUSD = outcome.AmountUSD
		e.Autopay.LastAmountKZT = outcome.AmountKZT
		e.Autopay.LastCountry = outcome.Country
		e.Autopay.LastPaymentID = outcome.PaymentID
	})
}

// memUsers is an in-memory UserRepository.
type memUsers struct {
	mu    sync.Mutex
	users map[string]domain.User
	seq   int
}

func newMemUsers(users ...domain.User) *memUsers {
	m := &memUsers{users: map[string]domain.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) Create(ctx context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	user.ID = fmt.Sprintf("user-%d", m.seq)
	m.users[user.ID] = *user
	return nil
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (m *memUsers) find(match func(u domain.User) bool) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return m.find(func(u domain.User) bool { return u.Email == email })
}

func (m *memUsers) GetByFirebaseUID(ctx context.Context, uid string) (*domain.User, error) {
	return m.find(func(u domain.User) bool { return u.FirebaseUID == uid })
}

func (m *memUsers) UpdateFirebaseUID(ctx context.Context, userID string, firebaseUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.FirebaseUID = firebaseUID
	m.users[userID] = u
	return nil
}

// fakeGateway is a Gateway whose answers are set per test.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int

	tokenRequests []epay.PaymentTokenRequest
	cardPayments  []epay.CardPaymentRequest

	serviceToken     func() (string, error)
	checkStatus      func(invoiceID string) (*epay.StatusResponse, error)
	payWithSavedCard func(req epay.CardPaymentRequest) (*epay.CardPaymentResponse, error)
	savedCards       func(accountID string) ([]epay.SavedCard, error)
	operation        func(action, transactionID string, amount *float64) error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: map[string]int{}}
}

func (g *fakeGateway) count(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[name]++
}

func (g *fakeGateway) callCount(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func (g *fakeGateway) TerminalID() string { return "term-1" }

func (g *fakeGateway) ServiceToken(ctx context.Context) (string, error) {
	g.count("ServiceToken")
	if g.serviceToken != nil {
		return g.serviceToken()
	}
	return "service-token", nil
}

func (g *fakeGateway) PaymentToken(ctx context.Context, req epay.PaymentTokenRequest) (*epay.TokenResponse, error) {
	g.count("PaymentToken")
	g.mu.Lock()
	g.tokenRequests = append(g.tokenRequests, req)
	g.mu.Unlock()
	return &epay.TokenResponse{AccessToken: "pay-" + req.InvoiceID, ExpiresIn: 1200, TokenType: "Bearer", Scope: "payment"}, nil
}

func (g *fakeGateway) CardSaveToken(ctx context.Context, invoiceID, postLink string) (*epay.TokenResponse, error) {
	g.count("CardSaveToken")
	return &epay.TokenResponse{AccessToken: "save-" + invoiceID, ExpiresIn: 1200, TokenType: "Bearer", Scope: "payment"}, nil
}

func (g *fakeGateway) CheckStatus(ctx context.Context, invoiceID string) (*epay.StatusResponse, error) {
	g.count("CheckStatus")
	if g.checkStatus != nil {
		return g.checkStatus(invoiceID)
	}
	return &epay.StatusResponse{ResultCode: "102", ResultMessage: "not found"}, nil
}

func (g *fakeGateway) PayWithSavedCard(ctx context.Context, req epay.CardPaymentRequest, paymentToken string) (*epay.CardPaymentResponse, error) {
	g.count("PayWithSavedCard")
	g.mu.Lock()
	g.cardPayments = append(g.cardPayments, req)
	g.mu.Unlock()
	if g.payWithSavedCard != nil {
		return g.payWithSavedCard(req)
	}
	return &epay.CardPaymentResponse{ID: "tx-" + req.InvoiceID, InvoiceID: req.InvoiceID, Amount: epay.FlexFloat(req.Amount), Status: "AUTH"}, nil
}

func (g *fakeGateway) Charge(ctx context.Context, transactionID string, amount *float64) error {
	g.count("Charge")
	if g.operation != nil {
		return g.operation("charge", transactionID, amount)
	}
	return nil
}

func (g *fakeGateway) Refund(ctx context.Context, transactionID string, amount *float64) error {
	g.count("Refund")
	if g.operation != nil {
		return g.operation("refund", transactionID, amount)
	}
	return nil
}

func (g *fakeGateway) SavedCards(ctx context.Context, accountID string) ([]epay.SavedCard, error) {
	g.count("SavedCards")
	if g.savedCards != nil {
		return g.savedCards(accountID)
	}
	return nil, nil
}

func (g *fakeGateway) DeactivateCard(ctx context.Context, cardID string) error {
	g.count("DeactivateCard")
	return nil
}

// foundStatus is a status answer carrying one transaction.
func foundStatus(invoiceID, statusName string, amount float64) *epay.StatusResponse {
	return &epay.StatusResponse{
		ResultCode:    epay.ResultCodeSuccess,
		ResultMessage: "success",
		Transaction: &epay.TransactionDetail{
			ID:         "tx-" + invoiceID,
			InvoiceID:  invoiceID,
			Amount:     epay.FlexFloat(amount),
			Currency:   domain.CurrencyKZT,
			StatusName: statusName,
			CardMask:   "440043******6654",
			CardType:   "VISA",
			Reference:  "ref-1",
		},
	}
}

type topUpCall struct {
	imsi string
	mb   float64
}

// fakeProvider is a DataProvider recording top-ups.
type fakeProvider struct {
	mu       sync.Mutex
	infos    map[string]*imsi.Info
	infoErr  error
	topUpErr error
	topUps   []topUpCall
}

func (p *fakeProvider) Info(ctx context.Context, id string) (*imsi.Info, error) {
	if p.infoErr != nil {
		return nil, p.infoErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.infos[id]
	if !ok {
		return nil, &domain.GatewayError{Service: "imsi", StatusCode: 404, Message: "unknown imsi"}
	}
	return info, nil
}

func (p *fakeProvider) TopUp(ctx context.Context, id string, amountMB float64) (*imsi.TopUpResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topUpErr != nil {
		return nil, p.topUpErr
	}
	p.topUps = append(p.topUps, topUpCall{imsi: id, mb: amountMB})
	return &imsi.TopUpResult{Added: amountMB, After: amountMB}, nil
}

func (p *fakeProvider) topUpCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topUps)
}

type archivedWebhook struct {
	invoiceID string
	body      []byte
}

type fakeArchive struct {
	mu    sync.Mutex
	items []archivedWebhook
}

func (a *fakeArchive) Archive(ctx context.Context, invoiceID string, receivedAt time.Time, contentType string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, archivedWebhook{invoiceID: invoiceID, body: body})
	return nil
}
