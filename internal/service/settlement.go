package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/abelyaev/lnhub-system/internal/groundcontrol"
	"github.com/abelyaev/lnhub-system/internal/model"
)

// HandleSettlement обрабатывает событие оплаты инвойса — настоящее из
// подписки узла или синтетическое от внутреннего перевода. Каждый
// экземпляр сервиса держит собственную подписку и получает одно и то же
// событие; дедупликационная блокировка по хэшу гарантирует обработку не
// более одного раза на весь флот. Блокировка намеренно не снимается: её
// назначение — «никогда не обработать оплату этого хэша дважды», поэтому
// её естественное время жизни ограничено только TTL.
func (s *Service) HandleSettlement(ctx context.Context, ev model.SettlementEvent) error {
	obtained, err := s.repo.AcquireLock(ctx, settlementLockKey(ev.PaymentHash), settlementLockTTL)
	if err != nil {
		return fmt.Errorf("acquire settlement lock: %w", err)
	}
	if !obtained {
		// уже обработано этим или другим экземпляром
		return nil
	}

	if err := s.repo.MarkInvoicePaid(ctx, ev.PaymentHash); err != nil {
		return err
	}

	userID, err := s.repo.UserIDByPaymentHash(ctx, ev.PaymentHash)
	if err != nil {
		s.logger.Warn("settled invoice without known owner", zap.String("hash", ev.PaymentHash), zap.Error(err))
	} else if err := s.repo.InvalidateBalanceCache(ctx, userID); err != nil {
		return err
	}

	if s.gc == nil {
		return nil
	}

	n := groundcontrol.SettledNotification{
		Memo:       ev.Memo,
		Preimage:   ev.Preimage,
		Hash:       ev.PaymentHash,
		AmtPaidSat: ev.Amount,
	}
	// сбой доставки не откатывает состояние леджера и не снимает блокировку
	if err := s.gc.InvoiceSettled(ctx, n); err != nil {
		s.logger.Error("deliver settlement notification", zap.String("hash", ev.PaymentHash), zap.Error(err))
	}

	return nil
}

// StartSettlementUpdates запускает фоновую обработку событий оплаты:
// одна задача держит подписку на узле и переустанавливает её с экспоненциальной
// задержкой, вторая разбирает события из внутреннего канала. Порядок по
// одному хэшу обеспечивает дедупликационная блокировка, а не порядок потока.
func (s *Service) StartSettlementUpdates(ctx context.Context) {
	events := make(chan model.SettlementEvent, 16)

	go func() {
		defer close(events)

		backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := s.ln.SubscribeSettlements(ctx, events); err != nil {
				s.logger.Warn("invoice subscription interrupted", zap.Error(err))
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("invoice subscription stopped", zap.Error(err))
		}
	}()

	go func() {
		for ev := range events {
			if err := s.HandleSettlement(ctx, ev); err != nil {
				s.logger.Error("handle settlement", zap.String("hash", ev.PaymentHash), zap.Error(err))
			}
		}
	}()
}
