package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/abelyaev/lnhub-system/internal/groundcontrol"
	"github.com/abelyaev/lnhub-system/internal/model"
	"github.com/abelyaev/lnhub-system/internal/repository"
)

// validPayReq проходит синтаксическую проверку платёжного запроса.
const validPayReq = "lnbc1qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqf"

type fakeRepo struct {
	mu sync.Mutex

	nextUserID int64
	users      map[int64]*model.User
	preimages  map[string]string
	invoices   map[string]*model.Invoice
	payments   []model.Payment
	locked     map[string]model.LockedPayment
	locks      map[string]time.Time
	cache      map[int64]int64
	addresses  map[int64][]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:     make(map[int64]*model.User),
		preimages: make(map[string]string),
		invoices:  make(map[string]*model.Invoice),
		locked:    make(map[string]model.LockedPayment),
		locks:     make(map[string]time.Time),
		cache:     make(map[int64]int64),
		addresses: make(map[int64][]string),
	}
}

func lockedKey(userID int64, payReq string) string {
	return strconv.FormatInt(userID, 10) + "|" + payReq
}

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUserID++
	u.ID = f.nextUserID
	f.users[u.ID] = u
	return u.ID, nil
}

func (f *fakeRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Login == login {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (f *fakeRepo) GetUserByAccessToken(ctx context.Context, token string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.AccessToken == token {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (f *fakeRepo) GetUserByRefreshToken(ctx context.Context, token string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.RefreshToken == token {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (f *fakeRepo) UpdateUserTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.AccessToken = accessToken
	u.RefreshToken = refreshToken
	return nil
}

func (f *fakeRepo) SavePreimage(ctx context.Context, paymentHash, preimage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.preimages[paymentHash]; !ok {
		f.preimages[paymentHash] = preimage
	}
	return nil
}

func (f *fakeRepo) GetPreimage(ctx context.Context, paymentHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.preimages[paymentHash]
	if !ok {
		return "", repository.ErrPreimageNotFound
	}
	return p, nil
}

func (f *fakeRepo) SaveInvoice(ctx context.Context, inv *model.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[inv.PaymentHash] = inv
	return nil
}

func (f *fakeRepo) GetInvoiceByHash(ctx context.Context, paymentHash string) (*model.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[paymentHash]
	if !ok {
		return nil, repository.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeRepo) GetUserInvoices(ctx context.Context, userID int64, limit int) ([]model.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []model.Invoice
	for _, inv := range f.invoices {
		if inv.UserID == userID {
			res = append(res, *inv)
		}
	}
	return res, nil
}

func (f *fakeRepo) MarkInvoicePaid(ctx context.Context, paymentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv, ok := f.invoices[paymentHash]; ok {
		inv.IsPaid = true
	}
	return nil
}

func (f *fakeRepo) UserIDByPaymentHash(ctx context.Context, paymentHash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[paymentHash]
	if !ok {
		return 0, repository.ErrInvoiceNotFound
	}
	return inv.UserID, nil
}

func (f *fakeRepo) SavePayment(ctx context.Context, p *model.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = int64(len(f.payments) + 1)
	f.payments = append(f.payments, *p)
	return nil
}

func (f *fakeRepo) GetPaymentsByUser(ctx context.Context, userID int64, limit int) ([]model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []model.Payment
	for _, p := range f.payments {
		if p.UserID == userID {
			res = append(res, p)
		}
	}
	return res, nil
}

func (f *fakeRepo) CreateLockedPayment(ctx context.Context, lp *model.LockedPayment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[lockedKey(lp.UserID, lp.PaymentRequest)] = *lp
	return nil
}

func (f *fakeRepo) DeleteLockedPayment(ctx context.Context, userID int64, paymentRequest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locked, lockedKey(userID, paymentRequest))
	return nil
}

func (f *fakeRepo) GetLockedPayments(ctx context.Context, userID int64) ([]model.LockedPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []model.LockedPayment
	for _, lp := range f.locked {
		if lp.UserID == userID {
			res = append(res, lp)
		}
	}
	return res, nil
}

func (f *fakeRepo) BalanceTotals(ctx context.Context, userID int64) (int64, int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var incoming, outgoing, reserved int64
	for _, inv := range f.invoices {
		if inv.UserID == userID && inv.IsPaid {
			incoming += inv.Amount
		}
	}
	for _, p := range f.payments {
		if p.UserID == userID {
			outgoing += p.Amount + p.Fee
		}
	}
	for _, lp := range f.locked {
		if lp.UserID == userID {
			reserved += lp.Amount + lp.FeeReserve
		}
	}
	return incoming, outgoing, reserved, nil
}

func (f *fakeRepo) CachedBalance(ctx context.Context, userID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cache[userID]
	return v, ok, nil
}

func (f *fakeRepo) StoreBalanceCache(ctx context.Context, userID, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[userID] = amount
	return nil
}

func (f *fakeRepo) InvalidateBalanceCache(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, userID)
	return nil
}

func (f *fakeRepo) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if expires, ok := f.locks[name]; ok && time.Now().Before(expires) {
		return false, nil
	}
	f.locks[name] = time.Now().Add(ttl)
	return true, nil
}

func (f *fakeRepo) ReleaseLock(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, name)
	return nil
}

func (f *fakeRepo) holdsLock(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	expires, ok := f.locks[name]
	return ok && time.Now().Before(expires)
}

func (f *fakeRepo) GetUserAddress(ctx context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs := f.addresses[userID]
	if len(addrs) == 0 {
		return "", nil
	}
	return addrs[0], nil
}

func (f *fakeRepo) SaveUserAddress(ctx context.Context, userID int64, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses[userID] = append(f.addresses[userID], address)
	return nil
}

func (f *fakeRepo) GetUserAddresses(ctx context.Context, userID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addresses[userID], nil
}

type fakeLightning struct {
	info    *model.NodeInfo
	infoErr error

	addInvoiceErr    error
	addInvoiceExpiry int64

	decoded   *model.DecodedInvoice
	decodeErr error

	settled    map[string]bool
	settledErr error

	sendResult *model.PaymentResult
	sendErr    error
	sendCalls  int

	newAddressCalls int
	transactions    []model.OnchainTx
}

func (f *fakeLightning) GetInfo(ctx context.Context) (*model.NodeInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	if f.info != nil {
		return f.info, nil
	}
	return &model.NodeInfo{IdentityPubkey: "own-pubkey", SyncedToChain: true}, nil
}

func (f *fakeLightning) AddInvoice(ctx context.Context, amount int64, memo string, expiry int64, preimage []byte) (string, string, error) {
	if f.addInvoiceErr != nil {
		return "", "", f.addInvoiceErr
	}
	f.addInvoiceExpiry = expiry
	return validPayReq, "hash-from-node", nil
}

func (f *fakeLightning) DecodePayReq(ctx context.Context, payReq string) (*model.DecodedInvoice, error) {
	if f.decodeErr != nil {
		return nil, f.decodeErr
	}
	return f.decoded, nil
}

func (f *fakeLightning) IsInvoiceSettled(ctx context.Context, paymentHash string) (bool, error) {
	if f.settledErr != nil {
		return false, f.settledErr
	}
	return f.settled[paymentHash], nil
}

func (f *fakeLightning) SendPayment(ctx context.Context, payReq string, amount, feeLimit int64) (*model.PaymentResult, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendResult, nil
}

func (f *fakeLightning) SubscribeSettlements(ctx context.Context, events chan<- model.SettlementEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeLightning) NewAddress(ctx context.Context) (string, error) {
	f.newAddressCalls++
	return "bc1qtest", nil
}

func (f *fakeLightning) GetTransactions(ctx context.Context) ([]model.OnchainTx, error) {
	return f.transactions, nil
}

func newTestService(repo *fakeRepo, ln *fakeLightning) *Service {
	return NewService(repo, ln, nil, zap.NewNop(), 1)
}

// fundUser создаёт пользователю оплаченный входящий инвойс на указанную сумму.
func fundUser(repo *fakeRepo, userID, amount int64) {
	repo.invoices["funding-"+time.Now().String()] = &model.Invoice{
		PaymentHash: "funding-" + time.Now().String(),
		UserID:      userID,
		Amount:      amount,
		IsPaid:      true,
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestAuthorizeUser(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeLightning{})
	ctx := context.Background()

	login, password, err := svc.CreateAccount(ctx)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	if _, _, err := svc.AuthorizeUser(ctx, login, "wrong"); !errors.Is(err, ErrBadAuth) {
		t.Fatalf("err = %v, want ErrBadAuth", err)
	}

	access, refresh, err := svc.AuthorizeUser(ctx, login, password)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if access == "" || refresh == "" {
		t.Fatalf("expected non-empty token pair")
	}

	userID, err := svc.UserIDByAccessToken(ctx, access)
	if err != nil {
		t.Fatalf("resolve access token: %v", err)
	}
	if userID != 1 {
		t.Fatalf("userID = %d, want 1", userID)
	}

	access2, refresh2, err := svc.RefreshTokens(ctx, refresh)
	if err != nil {
		t.Fatalf("refresh tokens: %v", err)
	}
	if access2 == access || refresh2 == refresh {
		t.Fatalf("refresh must rotate both tokens")
	}
	if _, err := svc.UserIDByAccessToken(ctx, access); !errors.Is(err, ErrBadAuth) {
		t.Fatalf("old access token must be invalidated, got %v", err)
	}
}

func TestCreateInvoice_PreimageSavedBeforeIssue(t *testing.T) {
	repo := newFakeRepo()
	ln := &fakeLightning{addInvoiceErr: errors.New("node down")}
	svc := newTestService(repo, ln)

	if _, err := svc.CreateInvoice(context.Background(), 1, 100, "coffee"); err == nil {
		t.Fatalf("expected error when node rejects invoice")
	}

	// секрет должен быть сохранён до обращения к узлу
	if len(repo.preimages) != 1 {
		t.Fatalf("preimages = %d, want 1", len(repo.preimages))
	}
	if len(repo.invoices) != 0 {
		t.Fatalf("invoice must not be recorded when node call fails")
	}
}

func TestCreateInvoice_ExpiryPassedToNode(t *testing.T) {
	repo := newFakeRepo()
	ln := &fakeLightning{}
	svc := newTestService(repo, ln)

	inv, err := svc.CreateInvoice(context.Background(), 1, 100, "coffee")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	// узел и запись в леджере должны получить один и тот же срок действия
	if ln.addInvoiceExpiry != invoiceExpirySeconds {
		t.Fatalf("node expiry = %d, want %d", ln.addInvoiceExpiry, invoiceExpirySeconds)
	}
	if inv.Expiry != ln.addInvoiceExpiry {
		t.Fatalf("ledger expiry = %d, node expiry = %d, want equal", inv.Expiry, ln.addInvoiceExpiry)
	}
}

func TestCreateInvoice_NonPositiveAmount(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeLightning{})

	if _, err := svc.CreateInvoice(context.Background(), 1, 0, ""); !errors.Is(err, ErrBadArguments) {
		t.Fatalf("err = %v, want ErrBadArguments", err)
	}
}

func TestBalance_NeverNegative(t *testing.T) {
	repo := newFakeRepo()
	repo.payments = append(repo.payments, model.Payment{UserID: 1, Amount: 100, Fee: 1})
	svc := newTestService(repo, &fakeLightning{})

	balance, err := svc.Balance(context.Background(), 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}
}

func TestBalance_UsesCache(t *testing.T) {
	repo := newFakeRepo()
	fundUser(repo, 1, 1000)
	repo.cache[1] = 555
	svc := newTestService(repo, &fakeLightning{})

	balance, err := svc.Balance(context.Background(), 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 555 {
		t.Fatalf("balance = %d, want cached 555", balance)
	}
}

func TestPayInvoice_InvalidRequest(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeLightning{})

	if _, err := svc.PayInvoice(context.Background(), 1, "not-an-invoice", 0); !errors.Is(err, ErrInvalidInvoice) {
		t.Fatalf("err = %v, want ErrInvalidInvoice", err)
	}
	if len(repo.locks) != 0 {
		t.Fatalf("syntactic rejection must not take a lock")
	}
}

func TestPayInvoice_Busy(t *testing.T) {
	repo := newFakeRepo()
	ln := &fakeLightning{}
	svc := newTestService(repo, ln)
	ctx := context.Background()

	if _, err := repo.AcquireLock(ctx, paymentLockKey(1), paymentLockTTL); err != nil {
		t.Fatalf("pre-acquire lock: %v", err)
	}

	if _, err := svc.PayInvoice(ctx, 1, validPayReq, 0); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if ln.sendCalls != 0 {
		t.Fatalf("busy request must not reach the node")
	}
}

func TestPayInvoice_TipWithoutAmount(t *testing.T) {
	repo := newFakeRepo()
	ln := &fakeLightning{
		decoded: &model.DecodedInvoice{
			Destination: "remote-pubkey",
			PaymentHash: "tip-hash",
			NumSatoshis: 0,
		},
	}
	svc := newTestService(repo, ln)

	if _, err := svc.PayInvoice(context.Background(), 1, validPayReq, 0); !errors.Is(err, ErrBadArguments) {
		t.Fatalf("err = %v, want ErrBadArguments", err)
	}
	if repo.holdsLock(paymentLockKey(1)) {
		t.Fatalf("payment lock must be released on rejection")
	}
}

func TestPayInvoice_InsufficientBalance(t *testing.T) {
	repo := newFakeRepo()
	fundUser(repo, 1, 50)
	ln := &fakeLightning{
		decoded: &model.DecodedInvoice{
			Destination: "remote-pubkey",
			PaymentHash: "ext-hash",
			NumSatoshis: 100,
		},
	}
	svc := newTestService(repo, ln)

	if _, err := svc.PayInvoice(context.Background(), 1, validPayReq, 0); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if ln.sendCalls != 0 {
		t.Fatalf("insufficient balance must not reach the node")
	}
	if repo.holdsLock(paymentLockKey(1)) {
		t.Fatalf("payment lock must be released on rejection")
	}
}

func TestPayInvoice_ExternalSuccess(t *testing.T) {
	repo := newFakeRepo()
	fundUser(repo, 1, 1000)
	ln := &fakeLightning{
		decoded: &model.DecodedInvoice{
			Destination: "remote-pubkey",
			PaymentHash: "ext-hash",
			NumSatoshis: 100,
			Description: "external",
		},
		sendResult: &model.PaymentResult{Settled: true, Fee: 1, TotalAmt: 101},
	}
	svc := newTestService(repo, ln)
	ctx := context.Background()

	p, err := svc.PayInvoice(ctx, 1, validPayReq, 0)
	if err != nil {
		t.Fatalf("pay invoice: %v", err)
	}
	if p.Amount != 100 || p.Fee != 1 {
		t.Fatalf("payment = %+v, want amount 100 fee 1", p)
	}
	if ln.sendCalls != 1 {
		t.Fatalf("sendCalls = %d, want 1", ln.sendCalls)
	}
	if len(repo.locked) != 0 {
		t.Fatalf("reservation must be removed after terminal outcome")
	}
	if repo.holdsLock(paymentLockKey(1)) {
		t.Fatalf("payment lock must be released after terminal outcome")
	}

	balance, err := svc.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 899 {
		t.Fatalf("balance = %d, want 899", balance)
	}
}

// cancelSensitiveRepo отвергает вызовы с отменённым контекстом, как это
// делает реальный драйвер БД.
type cancelSensitiveRepo struct {
	*fakeRepo
}

func (r *cancelSensitiveRepo) SavePayment(ctx context.Context, p *model.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRepo.SavePayment(ctx, p)
}

func (r *cancelSensitiveRepo) DeleteLockedPayment(ctx context.Context, userID int64, paymentRequest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRepo.DeleteLockedPayment(ctx, userID, paymentRequest)
}

func (r *cancelSensitiveRepo) InvalidateBalanceCache(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRepo.InvalidateBalanceCache(ctx, userID)
}

func (r *cancelSensitiveRepo) ReleaseLock(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRepo.ReleaseLock(ctx, name)
}

// disconnectLightning обрывает контекст запроса в момент отправки платежа,
// имитируя отключение клиента, пока платёж в полёте.
type disconnectLightning struct {
	*fakeLightning
	cancel context.CancelFunc
}

func (f *disconnectLightning) SendPayment(ctx context.Context, payReq string, amount, feeLimit int64) (*model.PaymentResult, error) {
	f.cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fakeLightning.SendPayment(ctx, payReq, amount, feeLimit)
}

func TestPayInvoice_ExternalSurvivesClientDisconnect(t *testing.T) {
	repo := newFakeRepo()
	fundUser(repo, 1, 1000)
	ln := &disconnectLightning{
		fakeLightning: &fakeLightning{
			decoded: &model.DecodedInvoice{
				Destination: "remote-pubkey",
				PaymentHash: "ext-hash",
				NumSatoshis: 100,
			},
			sendResult: &model.PaymentResult{Settled: true, Fee: 1, TotalAmt: 101},
		},
	}
	svc := NewService(&cancelSensitiveRepo{repo}, ln, nil, zap.NewNop(), 1)

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln.cancel = cancel

	// отключение клиента во время платежа не должно ни оборвать вызов
	// узла, ни оставить резерв и блокировку после терминального исхода
	p, err := svc.PayInvoice(reqCtx, 1, validPayReq, 0)
	if err != nil {
		t.Fatalf("pay invoice: %v", err)
	}
	if p.Amount != 100 || p.Fee != 1 {
		t.Fatalf("payment = %+v, want amount 100 fee 1", p)
	}
	if len(repo.locked) != 0 {
		t.Fatalf("reservation left behind after terminal outcome: %d entries", len(repo.locked))
	}
	if repo.holdsLock(paymentLockKey(1)) {
		t.Fatalf("per-user payment lock still held")
	}

	balance, err := svc.Balance(context.Background(), 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 899 {
		t.Fatalf("balance = %d, want 899", balance)
	}
}

func TestPayInvoice_ExpiredLockRecovered(t *testing.T) {
	repo := newFakeRepo()
	fundUser(repo, 1, 1000)
	// держатель блокировки упал; срок её жизни истёк
	repo.locks[paymentLockKey(1)] = time.Now().Add(-time.Minute)

	ln := &fakeLightning{
		decoded: &model.DecodedInvoice{
			Destination: "remote-pubkey",
			PaymentHash: "ext-hash",
			NumSatoshis: 100,
		},
		sendResult: &model.PaymentResult{Settled: true, Fee: 1, TotalAmt: 101},
	}
	svc := newTestService(repo, ln)

	if _, err := svc.PayInvoice(context.Background(), 1, validPayReq, 0); err != nil {
		t.Fatalf("pay invoice after lock expiry: %v", err)
	}
	if ln.sendCalls != 1 {
		t.Fatalf("sendCalls = %d, want 1", ln.sendCalls)
	}
}

func TestPayInvoice_ExternalFailureRestoresBalance(t *testing.T) {
	repo := newFakeRepo()
	fundUser(repo, 1, 1000)
	ln := &fakeLightning{
		decoded: &model.DecodedInvoice{
			Destination: "remote-pubkey",
			PaymentHash: "ext-hash",
			NumSatoshis: 100,
		},
		sendResult: &model.PaymentResult{Settled: false, FailureReason: "no route"},
	}
	svc := newTestService(repo, ln)
	ctx := context.Background()

	_, err := svc.PayInvoice(ctx, 1, validPayReq, 0)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("err = %v, want PaymentError", err)
	}
	if paymentErr.Reason != "no route" {
		t.Fatalf("reason = %q, want %q", paymentErr.Reason, "no route")
	}

	if len(repo.payments) != 0 {
		t.Fatalf("failed payment must not be recorded")
	}
	if len(repo.locked) != 0 {
		t.Fatalf("reservation must be removed after failure")
	}

	balance, err := svc.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1000 {
		t.Fatalf("balance = %d, want 1000", balance)
	}
}

func TestPayInvoice_InternalTransfer(t *testing.T) {
	repo := newFakeRepo()
	fundUser(repo, 1, 1000)
	repo.invoices["int-hash"] = &model.Invoice{
		PaymentHash:    "int-hash",
		UserID:         2,
		PaymentRequest: validPayReq,
		Amount:         100,
		Memo:           "internal",
	}
	repo.preimages["int-hash"] = "aa"

	ln := &fakeLightning{
		decoded: &model.DecodedInvoice{
			Destination: "own-pubkey",
			PaymentHash: "int-hash",
			NumSatoshis: 100,
			Description: "internal",
		},
	}
	svc := newTestService(repo, ln)
	ctx := context.Background()

	p, err := svc.PayInvoice(ctx, 1, validPayReq, 0)
	if err != nil {
		t.Fatalf("pay invoice: %v", err)
	}
	if p.Amount != 100 || p.Fee != 1 {
		t.Fatalf("payment = %+v, want amount 100 fee 1", p)
	}
	if ln.sendCalls != 0 {
		t.Fatalf("internal transfer must not reach the network")
	}
	if !repo.invoices["int-hash"].IsPaid {
		t.Fatalf("recipient invoice must be marked paid")
	}
	if !repo.holdsLock(settlementLockKey("int-hash")) {
		t.Fatalf("synthetic settlement must take the dedup lock")
	}

	payerBalance, err := svc.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("payer balance: %v", err)
	}
	if payerBalance != 899 {
		t.Fatalf("payer balance = %d, want 899", payerBalance)
	}

	recipientBalance, err := svc.Balance(ctx, 2)
	if err != nil {
		t.Fatalf("recipient balance: %v", err)
	}
	if recipientBalance != 100 {
		t.Fatalf("recipient balance = %d, want 100", recipientBalance)
	}
}

func TestPayInvoice_InternalAlreadyPaid(t *testing.T) {
	repo := newFakeRepo()
	fundUser(repo, 1, 1000)
	repo.invoices["int-hash"] = &model.Invoice{
		PaymentHash: "int-hash",
		UserID:      2,
		Amount:      100,
		IsPaid:      true,
	}

	ln := &fakeLightning{
		decoded: &model.DecodedInvoice{
			Destination: "own-pubkey",
			PaymentHash: "int-hash",
			NumSatoshis: 100,
		},
	}
	svc := newTestService(repo, ln)

	if _, err := svc.PayInvoice(context.Background(), 1, validPayReq, 0); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("err = %v, want ErrAlreadyPaid", err)
	}
	if len(repo.payments) != 0 {
		t.Fatalf("double payment must not be recorded")
	}
}

func TestHandleSettlement_Idempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.invoices["ev-hash"] = &model.Invoice{
		PaymentHash: "ev-hash",
		UserID:      1,
		Amount:      100,
	}
	svc := newTestService(repo, &fakeLightning{})
	ctx := context.Background()

	ev := model.SettlementEvent{PaymentHash: "ev-hash", Preimage: "aa", Amount: 100}
	if err := svc.HandleSettlement(ctx, ev); err != nil {
		t.Fatalf("first settlement: %v", err)
	}
	if !repo.invoices["ev-hash"].IsPaid {
		t.Fatalf("invoice must be marked paid")
	}

	// повторное событие того же хэша должно быть проигнорировано
	if err := svc.HandleSettlement(ctx, ev); err != nil {
		t.Fatalf("duplicate settlement: %v", err)
	}
	if !repo.holdsLock(settlementLockKey("ev-hash")) {
		t.Fatalf("dedup lock must stay held")
	}
}

func TestHandleSettlement_WebhookDeliveredOnce(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newFakeRepo()
	repo.invoices["ev-hash"] = &model.Invoice{
		PaymentHash: "ev-hash",
		UserID:      1,
		Amount:      100,
	}
	svc := NewService(repo, &fakeLightning{}, groundcontrol.NewClient(srv.URL), zap.NewNop(), 1)
	ctx := context.Background()

	ev := model.SettlementEvent{PaymentHash: "ev-hash", Preimage: "aa", Amount: 100}
	if err := svc.HandleSettlement(ctx, ev); err != nil {
		t.Fatalf("first settlement: %v", err)
	}
	if err := svc.HandleSettlement(ctx, ev); err != nil {
		t.Fatalf("duplicate settlement: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("webhook calls = %d, want 1", got)
	}
}

func TestIsHashPaid_NodeFallback(t *testing.T) {
	repo := newFakeRepo()
	repo.invoices["miss-hash"] = &model.Invoice{
		PaymentHash: "miss-hash",
		UserID:      1,
		Amount:      100,
	}
	ln := &fakeLightning{settled: map[string]bool{"miss-hash": true}}
	svc := newTestService(repo, ln)

	paid, err := svc.IsHashPaid(context.Background(), "miss-hash")
	if err != nil {
		t.Fatalf("is hash paid: %v", err)
	}
	if !paid {
		t.Fatalf("expected paid after node lookup")
	}
	if !repo.invoices["miss-hash"].IsPaid {
		t.Fatalf("missed settlement must be recorded")
	}
}

func TestFindInvoiceByHash_NotFound(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeLightning{})

	if _, err := svc.FindInvoiceByHash(context.Background(), 1, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDepositAddress_Reused(t *testing.T) {
	repo := newFakeRepo()
	ln := &fakeLightning{}
	svc := newTestService(repo, ln)
	ctx := context.Background()

	first, err := svc.DepositAddress(ctx, 1)
	if err != nil {
		t.Fatalf("first address: %v", err)
	}
	second, err := svc.DepositAddress(ctx, 1)
	if err != nil {
		t.Fatalf("second address: %v", err)
	}
	if first != second {
		t.Fatalf("addresses differ: %q vs %q", first, second)
	}
	if ln.newAddressCalls != 1 {
		t.Fatalf("newAddressCalls = %d, want 1", ln.newAddressCalls)
	}
}

func TestPendingOnchain_Filters(t *testing.T) {
	repo := newFakeRepo()
	repo.addresses[1] = []string{"bc1qmine"}
	ln := &fakeLightning{
		transactions: []model.OnchainTx{
			{TxHash: "confirmed", Amount: 100, Confirmations: 6, Addresses: []string{"bc1qmine"}},
			{TxHash: "foreign", Amount: 100, Confirmations: 1, Addresses: []string{"bc1qother"}},
			{TxHash: "outgoing", Amount: -100, Confirmations: 1, Addresses: []string{"bc1qmine"}},
			{TxHash: "pending", Amount: 100, Confirmations: 1, Addresses: []string{"bc1qmine"}},
		},
	}
	svc := newTestService(repo, ln)

	txs, err := svc.PendingOnchain(context.Background(), 1)
	if err != nil {
		t.Fatalf("pending onchain: %v", err)
	}
	if len(txs) != 1 || txs[0].TxHash != "pending" {
		t.Fatalf("txs = %+v, want single pending tx", txs)
	}
}

func TestTransactions_IncludesReservations(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.payments = append(repo.payments, model.Payment{
		UserID:      1,
		PaymentHash: "done",
		Amount:      100,
		Fee:         1,
		SettledAt:   now,
	})
	repo.locked[lockedKey(1, validPayReq)] = model.LockedPayment{
		UserID:         1,
		PaymentRequest: validPayReq,
		Amount:         50,
		FeeReserve:     1,
		CreatedAt:      now,
	}
	svc := newTestService(repo, &fakeLightning{})

	txs, err := svc.Transactions(context.Background(), 1)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len(txs) = %d, want 2", len(txs))
	}
	if txs[0].Amount != 101 {
		t.Fatalf("settled amount = %d, want 101", txs[0].Amount)
	}
	if txs[1].Amount != 51 || txs[1].Memo != "Payment in transition" {
		t.Fatalf("reservation entry = %+v, want amount 51 in transition", txs[1])
	}
}
