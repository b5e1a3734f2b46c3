package service

import (
	"context"

	"go.uber.org/zap"
)

// fee возвращает комиссионный резерв за исходящий платёж указанной суммы.
func (s *Service) fee(amount int64) int64 {
	return amount * s.feePercent / 100
}

// Balance возвращает доступный баланс пользователя: сумма оплаченных
// входящих инвойсов за вычетом исполненных платежей с комиссией и активных
// резервов. Результат никогда не бывает отрицательным: гонки порядка
// расчётов во время конкурентной оплаты допустимы внутри, но наружу
// отрицательный остаток не отдаётся.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	if cached, ok, err := s.repo.CachedBalance(ctx, userID); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.logger.Warn("read balance cache", zap.Int64("user_id", userID), zap.Error(err))
	}

	incoming, outgoing, reserved, err := s.repo.BalanceTotals(ctx, userID)
	if err != nil {
		return 0, err
	}

	balance := incoming - outgoing - reserved
	if balance < 0 {
		balance = 0
	}

	if err := s.repo.StoreBalanceCache(ctx, userID, balance); err != nil {
		s.logger.Warn("store balance cache", zap.Int64("user_id", userID), zap.Error(err))
	}

	return balance, nil
}
