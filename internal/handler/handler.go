// Package handler содержит HTTP-обработчики API сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/abelyaev/lnhub-system/internal/middleware"
	"github.com/abelyaev/lnhub-system/internal/model"
	"github.com/abelyaev/lnhub-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateAccount(ctx context.Context) (login, password string, err error)
	AuthorizeUser(ctx context.Context, login, password string) (accessToken, refreshToken string, err error)
	RefreshTokens(ctx context.Context, refreshToken string) (newAccessToken, newRefreshToken string, err error)
	CreateInvoice(ctx context.Context, userID, amount int64, memo string) (*model.Invoice, error)
	PayInvoice(ctx context.Context, userID int64, payReq string, amount int64) (*model.Payment, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Transactions(ctx context.Context, userID int64) ([]model.Transaction, error)
	UserInvoices(ctx context.Context, userID int64, limit int) ([]model.InvoiceSummary, error)
	FindInvoiceByHash(ctx context.Context, userID int64, paymentHash string) (*model.InvoiceSummary, error)
	IsHashPaid(ctx context.Context, paymentHash string) (bool, error)
	DecodeInvoice(ctx context.Context, payReq string) (*model.DecodedInvoice, error)
	NodeInfo(ctx context.Context) (*model.NodeInfo, error)
	DepositAddress(ctx context.Context, userID int64) (string, error)
	PendingOnchain(ctx context.Context, userID int64) ([]model.OnchainTx, error)
}

// Handler реализует HTTP-обработчики API сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type createRequest struct {
	PartnerID   string `json:"partnerid"`
	AccountType string `json:"accounttype"`
}

type createResponse struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Create регистрирует новый аккаунт со сгенерированными учётными данными.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorBadArguments(w)
		return
	}

	if req.PartnerID != "bluewallet" || req.AccountType == "" {
		errorBadArguments(w)
		return
	}

	login, password, err := h.service.CreateAccount(r.Context())
	if err != nil {
		h.logger.Error("create account", zap.Error(err))
		errorGeneralServerError(w)
		return
	}

	writeJSON(w, createResponse{Login: login, Password: password})
}

type authRequest struct {
	Login        string `json:"login"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

type authResponse struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
}

// Auth выдаёт пару токенов по логину с паролем либо по refresh-токену.
func (h *Handler) Auth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorBadArguments(w)
		return
	}

	if (req.Login == "" || req.Password == "") && req.RefreshToken == "" {
		errorBadArguments(w)
		return
	}

	var accessToken, refreshToken string
	var err error
	if req.RefreshToken != "" {
		accessToken, refreshToken, err = h.service.RefreshTokens(r.Context(), req.RefreshToken)
	} else {
		accessToken, refreshToken, err = h.service.AuthorizeUser(r.Context(), req.Login, req.Password)
	}
	if err != nil {
		if errors.Is(err, service.ErrBadAuth) {
			errorBadAuth(w)
			return
		}
		h.logger.Error("auth", zap.Error(err))
		errorGeneralServerError(w)
		return
	}

	writeJSON(w, authResponse{RefreshToken: refreshToken, AccessToken: accessToken})
}

type addInvoiceRequest struct {
	Amount int64  `json:"amt"`
	Memo   string `json:"memo"`
}

type addInvoiceResponse struct {
	PaymentRequest string `json:"payment_request"`
	PayReq         string `json:"pay_req"`
	PaymentHash    string `json:"payment_hash"`
	Amount         int64  `json:"amt"`
	Description    string `json:"description"`
	Expiry         int64  `json:"expiry"`
	Timestamp      int64  `json:"timestamp"`
}

// AddInvoice выставляет входящий инвойс для текущего пользователя.
func (h *Handler) AddInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		errorBadAuth(w)
		return
	}

	var req addInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorBadArguments(w)
		return
	}
	if req.Amount <= 0 {
		errorBadArguments(w)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), userID, req.Amount, req.Memo)
	if err != nil {
		if errors.Is(err, service.ErrBadArguments) {
			errorBadArguments(w)
			return
		}
		h.logger.Error("add invoice", zap.Int64("user_id", userID), zap.Error(err))
		errorLnd(w)
		return
	}

	writeJSON(w, addInvoiceResponse{
		PaymentRequest: inv.PaymentRequest,
		PayReq:         inv.PaymentRequest,
		PaymentHash:    inv.PaymentHash,
		Amount:         inv.Amount,
		Description:    inv.Memo,
		Expiry:         inv.Expiry,
		Timestamp:      inv.CreatedAt.Unix(),
	})
}

type payInvoiceRequest struct {
	Invoice string `json:"invoice"`
	Amount  int64  `json:"amount"`
}

type payInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"pay_req"`
	Amount         int64  `json:"amt"`
	Fee            int64  `json:"fee"`
	Description    string `json:"description"`
	Timestamp      int64  `json:"timestamp"`
}

// PayInvoice исполняет исходящий платёж текущего пользователя.
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		errorBadAuth(w)
		return
	}

	var req payInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorBadArguments(w)
		return
	}
	if req.Invoice == "" || req.Amount < 0 {
		errorBadArguments(w)
		return
	}

	p, err := h.service.PayInvoice(r.Context(), userID, req.Invoice, req.Amount)
	if err != nil {
		var paymentErr *service.PaymentError
		switch {
		case errors.Is(err, service.ErrBadArguments):
			errorBadArguments(w)
		case errors.Is(err, service.ErrInvalidInvoice):
			errorNotAValidInvoice(w)
		case errors.Is(err, service.ErrInsufficientBalance):
			errorNotEnoughBalance(w)
		case errors.Is(err, service.ErrBusy):
			errorTryAgainLater(w)
		case errors.Is(err, service.ErrAlreadyPaid):
			errorLnd(w)
		case errors.As(err, &paymentErr):
			errorPaymentFailed(w, paymentErr.Reason)
		default:
			h.logger.Error("pay invoice", zap.Int64("user_id", userID), zap.Error(err))
			errorGeneralServerError(w)
		}
		return
	}

	writeJSON(w, payInvoiceResponse{
		PaymentHash:    p.PaymentHash,
		PaymentRequest: p.PaymentRequest,
		Amount:         p.Amount,
		Fee:            p.Fee,
		Description:    p.Memo,
		Timestamp:      p.SettledAt.Unix(),
	})
}

type balanceResponse struct {
	BTC struct {
		AvailableBalance int64 `json:"AvailableBalance"`
	} `json:"BTC"`
}

// GetBalance возвращает доступный баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		errorBadAuth(w)
		return
	}

	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance", zap.Int64("user_id", userID), zap.Error(err))
		errorGeneralServerError(w)
		return
	}

	var resp balanceResponse
	resp.BTC.AvailableBalance = balance
	writeJSON(w, resp)
}

// GetTxs возвращает историю транзакций текущего пользователя.
func (h *Handler) GetTxs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		errorBadAuth(w)
		return
	}

	txs, err := h.service.Transactions(r.Context(), userID)
	if err != nil {
		h.logger.Error("get transactions", zap.Int64("user_id", userID), zap.Error(err))
		errorGeneralServerError(w)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	writeJSON(w, txs)
}

// GetUserInvoices возвращает список инвойсов текущего пользователя.
func (h *Handler) GetUserInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		errorBadAuth(w)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			errorBadArguments(w)
			return
		}
		limit = parsed
	}

	invoices, err := h.service.UserInvoices(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("get user invoices", zap.Int64("user_id", userID), zap.Error(err))
		errorGeneralServerError(w)
		return
	}
	if invoices == nil {
		invoices = []model.InvoiceSummary{}
	}

	writeJSON(w, invoices)
}

type checkPaymentResponse struct {
	Paid bool `json:"paid"`
}

// CheckPayment сообщает, оплачен ли инвойс с указанным хэшем.
func (h *Handler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserIDFromContext(r.Context()); !ok {
		errorBadAuth(w)
		return
	}

	paymentHash := pathParam(r, "payment_hash")
	if paymentHash == "" {
		errorBadArguments(w)
		return
	}

	paid, err := h.service.IsHashPaid(r.Context(), paymentHash)
	if err != nil {
		h.logger.Error("check payment", zap.String("hash", paymentHash), zap.Error(err))
		errorLnd(w)
		return
	}

	writeJSON(w, checkPaymentResponse{Paid: paid})
}

// FindUserInvoice ищет инвойс текущего пользователя по хэшу платежа.
func (h *Handler) FindUserInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		errorBadAuth(w)
		return
	}

	paymentHash := pathParam(r, "payment_hash")
	if paymentHash == "" {
		errorBadArguments(w)
		return
	}

	summary, err := h.service.FindInvoiceByHash(r.Context(), userID, paymentHash)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			errorInvoiceNotFound(w)
			return
		}
		h.logger.Error("find user invoice", zap.String("hash", paymentHash), zap.Error(err))
		errorGeneralServerError(w)
		return
	}

	writeJSON(w, summary)
}

// DecodeInvoice декодирует платёжный запрос.
func (h *Handler) DecodeInvoice(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserIDFromContext(r.Context()); !ok {
		errorBadAuth(w)
		return
	}

	payReq := r.URL.Query().Get("invoice")
	if payReq == "" {
		errorGeneralServerError(w)
		return
	}

	decoded, err := h.service.DecodeInvoice(r.Context(), payReq)
	if err != nil {
		errorNotAValidInvoice(w)
		return
	}

	writeJSON(w, decoded)
}

// CheckRouteInvoice выполняет предварительную проверку инвойса перед
// оплатой. Маршрут не прокладывается: клиентам достаточно декодированного
// запроса, путь оплаты проверяет тот же код, что и /decodeinvoice.
func (h *Handler) CheckRouteInvoice(w http.ResponseWriter, r *http.Request) {
	h.DecodeInvoice(w, r)
}

// GetInfo возвращает сведения об узле.
func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserIDFromContext(r.Context()); !ok {
		errorBadAuth(w)
		return
	}

	info, err := h.service.NodeInfo(r.Context())
	if err != nil {
		h.logger.Error("get node info", zap.Error(err))
		errorLnd(w)
		return
	}

	writeJSON(w, info)
}

type addressResponse struct {
	Address string `json:"address"`
}

// GetBTC возвращает он-чейн адрес текущего пользователя для пополнения.
func (h *Handler) GetBTC(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		errorBadAuth(w)
		return
	}

	address, err := h.service.DepositAddress(r.Context(), userID)
	if err != nil {
		h.logger.Error("deposit address", zap.Int64("user_id", userID), zap.Error(err))
		errorGeneralServerError(w)
		return
	}

	writeJSON(w, []addressResponse{{Address: address}})
}

// GetPending возвращает неподтверждённые входящие он-чейн транзакции.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		errorBadAuth(w)
		return
	}

	txs, err := h.service.PendingOnchain(r.Context(), userID)
	if err != nil {
		h.logger.Error("pending onchain", zap.Int64("user_id", userID), zap.Error(err))
		errorGeneralServerError(w)
		return
	}
	if txs == nil {
		txs = []model.OnchainTx{}
	}

	writeJSON(w, txs)
}
