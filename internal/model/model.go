// Package model содержит доменные сущности кастодиального Lightning-кошелька.
package model

import "time"

// User представляет аккаунт пользователя кастодиального кошелька.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	AccessToken  string
	RefreshToken string
	CreatedAt    time.Time
}

// Invoice описывает входящий инвойс, выставленный пользователем.
// Preimage сохраняется отдельно в момент создания и раскрывается при оплате.
type Invoice struct {
	PaymentHash    string
	UserID         int64
	PaymentRequest string
	Amount         int64
	Memo           string
	Expiry         int64
	IsPaid         bool
	CreatedAt      time.Time
}

// Payment описывает исполненный исходящий платёж. Запись неизменяема:
// журнал платежей пополняется только добавлением.
type Payment struct {
	ID             int64
	UserID         int64
	PaymentHash    string
	PaymentRequest string
	Destination    string
	Amount         int64
	Fee            int64
	Memo           string
	SettledAt      time.Time
}

// LockedPayment описывает резерв средств под исходящий платёж,
// исход которого ещё неизвестен.
type LockedPayment struct {
	UserID         int64
	PaymentRequest string
	Amount         int64
	FeeReserve     int64
	CreatedAt      time.Time
}

// DecodedInvoice содержит результат декодирования платёжного запроса узлом.
type DecodedInvoice struct {
	Destination string `json:"destination"`
	PaymentHash string `json:"payment_hash"`
	NumSatoshis int64  `json:"num_satoshis"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
	Expiry      int64  `json:"expiry"`
}

// SettlementEvent описывает событие оплаты инвойса: либо реальное
// уведомление узла, либо синтетическое при внутреннем переводе.
type SettlementEvent struct {
	PaymentHash string
	Preimage    string
	Amount      int64
	Memo        string
}

// InvoiceSummary — нормализованное представление инвойса или платежа,
// возвращаемое поиском по хэшу и списками инвойсов.
type InvoiceSummary struct {
	Type           string `json:"type"`
	PaymentHash    string `json:"payment_hash"`
	Amount         int64  `json:"amt"`
	Fee            int64  `json:"fees"`
	Direction      string `json:"direction"`
	PaymentRequest string `json:"pay_req"`
	IsPaid         bool   `json:"is_paid"`
	Expiry         int64  `json:"expiry"`
	Timestamp      int64  `json:"timestamp"`
	Description    string `json:"description"`
}

// Transaction — элемент истории транзакций пользователя: исполненный
// платёж либо платёж в пути (резерв).
type Transaction struct {
	Type        string `json:"type"`
	Amount      int64  `json:"value"`
	Fee         int64  `json:"fee"`
	Memo        string `json:"memo"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// OnchainTx — он-чейн транзакция, наблюдаемая узлом. Хранится как
// непрозрачная запись: сервис не строит он-чейн транзакции сам.
type OnchainTx struct {
	TxHash        string   `json:"tx_hash"`
	Amount        int64    `json:"amount"`
	Confirmations int32    `json:"num_confirmations"`
	Addresses     []string `json:"dest_addresses"`
	Timestamp     int64    `json:"time_stamp"`
}

// NodeInfo — сведения об узле, через который проводятся платежи.
type NodeInfo struct {
	IdentityPubkey string `json:"identity_pubkey"`
	Alias          string `json:"alias"`
	BlockHeight    uint32 `json:"block_height"`
	SyncedToChain  bool   `json:"synced_to_chain"`
	Testnet        bool   `json:"testnet"`
}

// PaymentResult — терминальный исход потокового вызова sendPayment.
type PaymentResult struct {
	Settled       bool
	Preimage      string
	TotalAmt      int64
	Fee           int64
	FailureReason string
}
