package service

import (
	"context"

	"github.com/abelyaev/lnhub-system/internal/model"
)

// pendingConfirmations — порог, ниже которого входящая он-чейн транзакция
// считается ожидающей подтверждения.
const pendingConfirmations = 3

// DepositAddress возвращает он-чейн адрес пользователя для пополнения,
// выпуская его на узле при первом обращении.
func (s *Service) DepositAddress(ctx context.Context, userID int64) (string, error) {
	address, err := s.repo.GetUserAddress(ctx, userID)
	if err != nil {
		return "", err
	}
	if address != "" {
		return address, nil
	}

	address, err = s.ln.NewAddress(ctx)
	if err != nil {
		return "", err
	}

	if err := s.repo.SaveUserAddress(ctx, userID, address); err != nil {
		return "", err
	}

	return address, nil
}

// PendingOnchain возвращает неподтверждённые входящие он-чейн транзакции
// на адреса пользователя. Транзакции — непрозрачные записи узла, сервис
// их не строит и не разбирает.
func (s *Service) PendingOnchain(ctx context.Context, userID int64) ([]model.OnchainTx, error) {
	addresses, err := s.repo.GetUserAddresses(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, nil
	}

	owned := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		owned[a] = struct{}{}
	}

	txs, err := s.ln.GetTransactions(ctx)
	if err != nil {
		return nil, err
	}

	var res []model.OnchainTx
	for _, tx := range txs {
		if tx.Amount <= 0 || tx.Confirmations >= pendingConfirmations {
			continue
		}
		for _, addr := range tx.Addresses {
			if _, ok := owned[addr]; ok {
				res = append(res, tx)
				break
			}
		}
	}

	return res, nil
}
