package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abelyaev/lnhub-system/internal/model"
	"github.com/abelyaev/lnhub-system/internal/repository"
	"github.com/abelyaev/lnhub-system/internal/validation"
)

// PayInvoice исполняет исходящий платёж пользователя. На время всей попытки
// удерживается сериализующая блокировка: у пользователя может быть не более
// одного платежа в полёте, второй конкурентный запрос получает ErrBusy.
// Платёж на инвойс собственного узла проводится внутренним переводом, не
// выходя во внешнюю сеть.
func (s *Service) PayInvoice(ctx context.Context, userID int64, payReq string, amount int64) (*model.Payment, error) {
	if !validation.IsPaymentRequest(payReq) {
		return nil, ErrInvalidInvoice
	}
	if amount < 0 {
		return nil, ErrBadArguments
	}

	lockKey := paymentLockKey(userID)
	obtained, err := s.repo.AcquireLock(ctx, lockKey, paymentLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire payment lock: %w", err)
	}
	if !obtained {
		return nil, ErrBusy
	}

	decoded, err := s.ln.DecodePayReq(ctx, payReq)
	if err != nil {
		s.releaseLock(ctx, lockKey)
		return nil, ErrInvalidInvoice
	}

	amt := decoded.NumSatoshis
	if amt == 0 {
		// "tip"-инвойс без суммы: сумму обязан указать плательщик
		if amount <= 0 {
			s.releaseLock(ctx, lockKey)
			return nil, ErrBadArguments
		}
		amt = amount
	}

	fee := s.fee(amt)

	balance, err := s.Balance(ctx, userID)
	if err != nil {
		s.releaseLock(ctx, lockKey)
		return nil, err
	}
	if balance < amt+fee {
		s.releaseLock(ctx, lockKey)
		return nil, ErrInsufficientBalance
	}

	pubkey, err := s.nodePubkey(ctx)
	if err != nil {
		s.releaseLock(ctx, lockKey)
		return nil, err
	}

	if decoded.Destination == pubkey {
		return s.payInternal(ctx, userID, payReq, decoded, amt, fee, lockKey)
	}

	// сумму в запросе узел принимает только для инвойса без суммы
	var sendAmount int64
	if decoded.NumSatoshis == 0 {
		sendAmount = amt
	}

	return s.payExternal(ctx, userID, payReq, decoded, amt, sendAmount, lockKey)
}

// payInternal проводит платёж между пользователями этого же узла без
// обращения к внешней сети: списание у плательщика, отметка об оплате у
// получателя и синтетическое событие оплаты, неотличимое от настоящего.
func (s *Service) payInternal(ctx context.Context, userID int64, payReq string, decoded *model.DecodedInvoice, amt, fee int64, lockKey string) (*model.Payment, error) {
	defer s.releaseLock(ctx, lockKey)

	inv, err := s.repo.GetInvoiceByHash(ctx, decoded.PaymentHash)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			// инвойс адресован нашему узлу, но владелец неизвестен
			return nil, ErrInternal
		}
		return nil, err
	}
	if inv.IsPaid {
		return nil, ErrAlreadyPaid
	}

	p := &model.Payment{
		UserID:         userID,
		PaymentHash:    decoded.PaymentHash,
		PaymentRequest: payReq,
		Destination:    decoded.Destination,
		Amount:         amt,
		Fee:            fee,
		Memo:           decoded.Description,
		SettledAt:      time.Now(),
	}
	if err := s.repo.SavePayment(ctx, p); err != nil {
		return nil, err
	}
	if err := s.repo.MarkInvoicePaid(ctx, decoded.PaymentHash); err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateBalanceCache(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateBalanceCache(ctx, inv.UserID); err != nil {
		return nil, err
	}

	preimage, err := s.repo.GetPreimage(ctx, decoded.PaymentHash)
	if err != nil {
		// платёж состоялся, но синтетическое событие отправить нечем
		s.logger.Error("preimage for internal transfer", zap.String("hash", decoded.PaymentHash), zap.Error(err))
		return p, nil
	}

	ev := model.SettlementEvent{
		PaymentHash: decoded.PaymentHash,
		Preimage:    preimage,
		Amount:      amt,
		Memo:        decoded.Description,
	}
	if err := s.HandleSettlement(ctx, ev); err != nil {
		s.logger.Error("handle internal settlement", zap.String("hash", decoded.PaymentHash), zap.Error(err))
	}

	return p, nil
}

// payExternal резервирует средства и отправляет платёж во внешнюю сеть.
// Резерв создаётся до записи в платёжный поток, чтобы конкурентная проверка
// баланса под той же блокировкой уже видела удержание.
// Отправленный платёж доводится до терминального исхода независимо от
// судьбы HTTP-запроса: обрыв соединения клиента не отменяет вызов узла и
// не мешает снять резерв и блокировку после исхода.
func (s *Service) payExternal(ctx context.Context, userID int64, payReq string, decoded *model.DecodedInvoice, amt, sendAmount int64, lockKey string) (*model.Payment, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.releaseLock(ctx, lockKey)

	lp := &model.LockedPayment{
		UserID:         userID,
		PaymentRequest: payReq,
		Amount:         amt,
		FeeReserve:     s.fee(amt),
		CreatedAt:      time.Now(),
	}
	if err := s.repo.CreateLockedPayment(ctx, lp); err != nil {
		// без резерва платёж не отправляем
		return nil, err
	}
	if err := s.repo.InvalidateBalanceCache(ctx, userID); err != nil {
		s.logger.Warn("invalidate balance cache", zap.Int64("user_id", userID), zap.Error(err))
	}

	feeLimit := amt*5/1000 + 1
	res, sendErr := s.ln.SendPayment(ctx, payReq, sendAmount, feeLimit)

	if err := s.repo.DeleteLockedPayment(ctx, userID, payReq); err != nil {
		s.logger.Error("remove reservation", zap.Int64("user_id", userID), zap.Error(err))
	}
	if err := s.repo.InvalidateBalanceCache(ctx, userID); err != nil {
		s.logger.Warn("invalidate balance cache", zap.Int64("user_id", userID), zap.Error(err))
	}

	if sendErr != nil {
		s.logger.Error("send payment", zap.Int64("user_id", userID), zap.Error(sendErr))
		return nil, &PaymentError{Reason: sendErr.Error()}
	}
	if !res.Settled {
		return nil, &PaymentError{Reason: res.FailureReason}
	}

	p := &model.Payment{
		UserID:         userID,
		PaymentHash:    decoded.PaymentHash,
		PaymentRequest: payReq,
		Destination:    decoded.Destination,
		Amount:         amt,
		// комиссия по факту маршрута, а не по резерву
		Fee:       res.Fee,
		Memo:      decoded.Description,
		SettledAt: time.Now(),
	}
	if err := s.repo.SavePayment(ctx, p); err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateBalanceCache(ctx, userID); err != nil {
		s.logger.Warn("invalidate balance cache", zap.Int64("user_id", userID), zap.Error(err))
	}

	return p, nil
}

// Transactions возвращает историю пользователя: исполненные платежи и
// платежи в пути (активные резервы).
func (s *Service) Transactions(ctx context.Context, userID int64) ([]model.Transaction, error) {
	payments, err := s.repo.GetPaymentsByUser(ctx, userID, invoiceLookupLimit)
	if err != nil {
		return nil, err
	}

	txs := make([]model.Transaction, 0, len(payments))
	for _, p := range payments {
		txs = append(txs, model.Transaction{
			Type:        "paid_invoice",
			Amount:      p.Amount + p.Fee,
			Fee:         p.Fee,
			Memo:        p.Memo,
			PaymentHash: p.PaymentHash,
			Timestamp:   p.SettledAt.Unix(),
		})
	}

	locked, err := s.repo.GetLockedPayments(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, lp := range locked {
		txs = append(txs, model.Transaction{
			Type:      "paid_invoice",
			Amount:    lp.Amount + lp.FeeReserve,
			Fee:       lp.FeeReserve,
			Memo:      "Payment in transition",
			Timestamp: lp.CreatedAt.Unix(),
		})
	}

	return txs, nil
}
