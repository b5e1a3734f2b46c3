package service

import "errors"

// ErrBadArguments возвращается при некорректных аргументах запроса.
var (
	ErrBadArguments = errors.New("bad arguments")
	// ErrBadAuth возвращается при неверных учётных данных или токене.
	ErrBadAuth = errors.New("bad auth")
	// ErrInsufficientBalance возвращается при нехватке средств на платёж с учётом комиссии.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidInvoice возвращается, если платёжный запрос не удалось декодировать.
	ErrInvalidInvoice = errors.New("not a valid invoice")
	// ErrBusy возвращается, когда предыдущий платёж пользователя ещё в пути.
	// Ошибка временная: запрос следует повторить позже.
	ErrBusy = errors.New("previous payment is in transit")
	// ErrAlreadyPaid возвращается при попытке оплатить уже оплаченный внутренний инвойс.
	ErrAlreadyPaid = errors.New("invoice already paid")
	// ErrNotFound возвращается, когда инвойс с указанным хэшем не найден.
	ErrNotFound = errors.New("invoice not found")
	// ErrInternal сигнализирует о несогласованном состоянии леджера,
	// например инвойсе нашего узла без известного владельца.
	ErrInternal = errors.New("inconsistent ledger state")
)

// PaymentError — терминальная ошибка исходящего платежа с необязательной
// причиной, сообщённой узлом.
type PaymentError struct {
	Reason string
}

func (e *PaymentError) Error() string {
	if e.Reason == "" {
		return "payment failed"
	}
	return "payment failed: " + e.Reason
}
