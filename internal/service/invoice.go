package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abelyaev/lnhub-system/internal/model"
	"github.com/abelyaev/lnhub-system/internal/repository"
	"github.com/abelyaev/lnhub-system/internal/validation"
)

// CreateInvoice выставляет входящий инвойс. Preimage генерируется и
// сохраняется по хэшу до обращения к узлу: выпущенный инвойс без
// сохранённого секрета невозможно было бы погасить внутренним переводом.
func (s *Service) CreateInvoice(ctx context.Context, userID, amount int64, memo string) (*model.Invoice, error) {
	if amount <= 0 {
		return nil, ErrBadArguments
	}

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("generate preimage: %w", err)
	}

	hash := sha256.Sum256(preimage)
	paymentHash := hex.EncodeToString(hash[:])

	if err := s.repo.SavePreimage(ctx, paymentHash, hex.EncodeToString(preimage)); err != nil {
		return nil, err
	}

	paymentRequest, _, err := s.ln.AddInvoice(ctx, amount, memo, invoiceExpirySeconds, preimage)
	if err != nil {
		return nil, fmt.Errorf("issue invoice: %w", err)
	}

	inv := &model.Invoice{
		PaymentHash:    paymentHash,
		UserID:         userID,
		PaymentRequest: paymentRequest,
		Amount:         amount,
		Memo:           memo,
		Expiry:         invoiceExpirySeconds,
		CreatedAt:      time.Now(),
	}
	if err := s.repo.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}

	return inv, nil
}

// IsHashPaid сообщает, оплачен ли инвойс с указанным хэшем. Сначала
// проверяется сохранённый флаг; если он не подтверждает оплату, авторитетное
// состояние запрашивается у узла — так восстанавливаются пропущенные
// уведомления.
func (s *Service) IsHashPaid(ctx context.Context, paymentHash string) (bool, error) {
	inv, err := s.repo.GetInvoiceByHash(ctx, paymentHash)
	if err == nil && inv.IsPaid {
		return true, nil
	}
	if err != nil && !errors.Is(err, repository.ErrInvoiceNotFound) {
		return false, err
	}

	settled, err := s.ln.IsInvoiceSettled(ctx, paymentHash)
	if err != nil {
		return false, fmt.Errorf("lookup settlement: %w", err)
	}

	if settled {
		if err := s.repo.MarkInvoicePaid(ctx, paymentHash); err != nil {
			return false, err
		}
		if userID, err := s.repo.UserIDByPaymentHash(ctx, paymentHash); err == nil {
			if err := s.repo.InvalidateBalanceCache(ctx, userID); err != nil {
				return false, err
			}
		}
	}

	return settled, nil
}

// UserInvoices возвращает последние инвойсы пользователя.
func (s *Service) UserInvoices(ctx context.Context, userID int64, limit int) ([]model.InvoiceSummary, error) {
	if limit <= 0 {
		limit = invoiceLookupLimit
	}

	invoices, err := s.repo.GetUserInvoices(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	res := make([]model.InvoiceSummary, 0, len(invoices))
	for _, inv := range invoices {
		res = append(res, invoiceSummary(inv))
	}
	return res, nil
}

// DecodeInvoice декодирует платёжный запрос на узле.
func (s *Service) DecodeInvoice(ctx context.Context, payReq string) (*model.DecodedInvoice, error) {
	if !validation.IsPaymentRequest(payReq) {
		return nil, ErrInvalidInvoice
	}

	decoded, err := s.ln.DecodePayReq(ctx, payReq)
	if err != nil {
		return nil, ErrInvalidInvoice
	}
	return decoded, nil
}

// FindInvoiceByHash ищет инвойс пользователя по хэшу платежа. Источники
// просматриваются от дешёвых к дорогим: исполненные платежи, выставленные
// инвойсы, затем активные резервы — их платёжные запросы приходится
// декодировать на узле, хэш в резерве не хранится.
func (s *Service) FindInvoiceByHash(ctx context.Context, userID int64, paymentHash string) (*model.InvoiceSummary, error) {
	payments, err := s.repo.GetPaymentsByUser(ctx, userID, invoiceLookupLimit)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.PaymentHash == paymentHash {
			summary := paymentSummary(p)
			return &summary, nil
		}
	}

	invoices, err := s.repo.GetUserInvoices(ctx, userID, invoiceLookupLimit)
	if err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		if inv.PaymentHash == paymentHash {
			summary := invoiceSummary(inv)
			return &summary, nil
		}
	}

	locked, err := s.repo.GetLockedPayments(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, lp := range locked {
		decoded, err := s.ln.DecodePayReq(ctx, lp.PaymentRequest)
		if err != nil {
			// чужой или повреждённый запрос совпасть не может — пропускаем
			s.logger.Warn("decode locked payment", zap.String("pay_req", lp.PaymentRequest), zap.Error(err))
			continue
		}
		if decoded.PaymentHash == paymentHash {
			summary := lockedSummary(lp, decoded)
			return &summary, nil
		}
	}

	return nil, ErrNotFound
}

func invoiceSummary(inv model.Invoice) model.InvoiceSummary {
	return model.InvoiceSummary{
		Type:           "user_invoice",
		PaymentHash:    inv.PaymentHash,
		Amount:         inv.Amount,
		Direction:      "incoming",
		PaymentRequest: inv.PaymentRequest,
		IsPaid:         inv.IsPaid,
		Expiry:         inv.Expiry,
		Timestamp:      inv.CreatedAt.Unix(),
		Description:    inv.Memo,
	}
}

func paymentSummary(p model.Payment) model.InvoiceSummary {
	return model.InvoiceSummary{
		Type:           "paid_invoice",
		PaymentHash:    p.PaymentHash,
		Amount:         p.Amount,
		Fee:            p.Fee,
		Direction:      "outgoing",
		PaymentRequest: p.PaymentRequest,
		IsPaid:         true,
		Timestamp:      p.SettledAt.Unix(),
		Description:    p.Memo,
	}
}

func lockedSummary(lp model.LockedPayment, decoded *model.DecodedInvoice) model.InvoiceSummary {
	return model.InvoiceSummary{
		Type:           "locked_payment",
		PaymentHash:    decoded.PaymentHash,
		Amount:         decoded.NumSatoshis,
		Direction:      "outgoing",
		PaymentRequest: lp.PaymentRequest,
		IsPaid:         false,
		Expiry:         decoded.Expiry,
		Timestamp:      lp.CreatedAt.Unix(),
		Description:    decoded.Description,
	}
}
