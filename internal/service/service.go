// Package service реализует бизнес-логику кастодиального Lightning-кошелька:
// учёт инвойсов, вычисление балансов, исполнение исходящих платежей и
// обработку уведомлений об оплате. Вся разделяемая изменяемая память живёт
// в хранилище; корректность не зависит от числа работающих экземпляров.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abelyaev/lnhub-system/internal/groundcontrol"
	"github.com/abelyaev/lnhub-system/internal/model"
	"github.com/abelyaev/lnhub-system/internal/repository"
)

const (
	// paymentLockTTL ограничивает сериализующую блокировку платежей
	// пользователя. Платёж держит её до терминального исхода; TTL — только
	// страховка на случай падения держателя.
	paymentLockTTL = 5 * time.Minute

	// settlementLockTTL — время жизни дедупликационной блокировки обработки
	// одного события оплаты. Явно не снимается.
	settlementLockTTL = time.Hour

	// invoiceLookupLimit ограничивает глубину поиска по истории при
	// разрешении хэша платежа.
	invoiceLookupLimit = 500

	// invoiceExpirySeconds — срок действия выставляемого инвойса.
	invoiceExpirySeconds = 3600 * 24
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Хранилище — единственный источник истины между экземплярами; все
// мутации балансов, инвойсов и резервов проходят через него.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByAccessToken(ctx context.Context, token string) (*model.User, error)
	GetUserByRefreshToken(ctx context.Context, token string) (*model.User, error)
	UpdateUserTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error
	SavePreimage(ctx context.Context, paymentHash, preimage string) error
	GetPreimage(ctx context.Context, paymentHash string) (string, error)
	SaveInvoice(ctx context.Context, inv *model.Invoice) error
	GetInvoiceByHash(ctx context.Context, paymentHash string) (*model.Invoice, error)
	GetUserInvoices(ctx context.Context, userID int64, limit int) ([]model.Invoice, error)
	MarkInvoicePaid(ctx context.Context, paymentHash string) error
	UserIDByPaymentHash(ctx context.Context, paymentHash string) (int64, error)
	SavePayment(ctx context.Context, p *model.Payment) error
	GetPaymentsByUser(ctx context.Context, userID int64, limit int) ([]model.Payment, error)
	CreateLockedPayment(ctx context.Context, lp *model.LockedPayment) error
	DeleteLockedPayment(ctx context.Context, userID int64, paymentRequest string) error
	GetLockedPayments(ctx context.Context, userID int64) ([]model.LockedPayment, error)
	BalanceTotals(ctx context.Context, userID int64) (incoming, outgoing, reserved int64, err error)
	CachedBalance(ctx context.Context, userID int64) (int64, bool, error)
	StoreBalanceCache(ctx context.Context, userID, amount int64) error
	InvalidateBalanceCache(ctx context.Context, userID int64) error
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
	GetUserAddress(ctx context.Context, userID int64) (string, error)
	SaveUserAddress(ctx context.Context, userID int64, address string) error
	GetUserAddresses(ctx context.Context, userID int64) ([]string, error)
}

// Lightning описывает контракт платёжного узла, используемый сервисом.
type Lightning interface {
	GetInfo(ctx context.Context) (*model.NodeInfo, error)
	AddInvoice(ctx context.Context, amount int64, memo string, expiry int64, preimage []byte) (paymentRequest, paymentHash string, err error)
	DecodePayReq(ctx context.Context, payReq string) (*model.DecodedInvoice, error)
	IsInvoiceSettled(ctx context.Context, paymentHash string) (bool, error)
	SendPayment(ctx context.Context, payReq string, amount, feeLimit int64) (*model.PaymentResult, error)
	SubscribeSettlements(ctx context.Context, events chan<- model.SettlementEvent) error
	NewAddress(ctx context.Context) (string, error)
	GetTransactions(ctx context.Context) ([]model.OnchainTx, error)
}

// Service содержит бизнес-логику кастодиального кошелька.
type Service struct {
	repo       Repository
	ln         Lightning
	gc         *groundcontrol.Client
	logger     *zap.Logger
	feePercent int64

	mu             sync.Mutex
	identityPubkey string
}

// NewService создаёт новый сервис с указанным репозиторием, клиентом узла
// и необязательным клиентом сервиса уведомлений.
func NewService(repo Repository, ln Lightning, gc *groundcontrol.Client, logger *zap.Logger, feePercent int64) *Service {
	return &Service{
		repo:       repo,
		ln:         ln,
		gc:         gc,
		logger:     logger,
		feePercent: feePercent,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func paymentLockKey(userID int64) string {
	return "invoice_paying_for_" + strconv.FormatInt(userID, 10)
}

func settlementLockKey(paymentHash string) string {
	return "settled_hash_" + paymentHash
}

// CreateAccount создаёт новый аккаунт со сгенерированными логином и паролем.
func (s *Service) CreateAccount(ctx context.Context) (login, password string, err error) {
	login, err = randomHex(10)
	if err != nil {
		return "", "", err
	}
	password, err = randomHex(10)
	if err != nil {
		return "", "", err
	}
	accessToken, err := randomHex(20)
	if err != nil {
		return "", "", err
	}
	refreshToken, err := randomHex(20)
	if err != nil {
		return "", "", err
	}

	u := &model.User{
		Login:        login,
		PasswordHash: hashPassword(login, password),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return "", "", err
	}

	return login, password, nil
}

// AuthorizeUser проверяет логин и пароль и выдаёт новую пару токенов.
func (s *Service) AuthorizeUser(ctx context.Context, login, password string) (accessToken, refreshToken string, err error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", "", ErrBadAuth
		}
		return "", "", err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return "", "", ErrBadAuth
	}

	return s.rotateTokens(ctx, u.ID)
}

// RefreshTokens выдаёт новую пару токенов по действующему refresh-токену.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (newAccessToken, newRefreshToken string, err error) {
	u, err := s.repo.GetUserByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", "", ErrBadAuth
		}
		return "", "", err
	}

	return s.rotateTokens(ctx, u.ID)
}

func (s *Service) rotateTokens(ctx context.Context, userID int64) (accessToken, refreshToken string, err error) {
	accessToken, err = randomHex(20)
	if err != nil {
		return "", "", err
	}
	refreshToken, err = randomHex(20)
	if err != nil {
		return "", "", err
	}

	if err := s.repo.UpdateUserTokens(ctx, userID, accessToken, refreshToken); err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// UserIDByAccessToken возвращает идентификатор пользователя по токену доступа.
func (s *Service) UserIDByAccessToken(ctx context.Context, token string) (int64, error) {
	u, err := s.repo.GetUserByAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrBadAuth
		}
		return 0, err
	}
	return u.ID, nil
}

// nodePubkey возвращает identity pubkey узла, запрашивая его один раз.
func (s *Service) nodePubkey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identityPubkey != "" {
		return s.identityPubkey, nil
	}

	info, err := s.ln.GetInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("node info: %w", err)
	}
	s.identityPubkey = info.IdentityPubkey

	return s.identityPubkey, nil
}

// NodeInfo возвращает сведения об узле.
func (s *Service) NodeInfo(ctx context.Context) (*model.NodeInfo, error) {
	return s.ln.GetInfo(ctx)
}

func (s *Service) releaseLock(ctx context.Context, key string) {
	if err := s.repo.ReleaseLock(ctx, key); err != nil {
		s.logger.Error("release lock", zap.String("key", key), zap.Error(err))
	}
}
