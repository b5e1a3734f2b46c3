// Package lnd предоставляет клиент gRPC-интерфейса платёжного узла.
// Транспортные детали (TLS, macaroon) не выходят за пределы пакета:
// наружу отдаются доменные структуры из model.
package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	"github.com/abelyaev/lnhub-system/internal/model"
)

// Config содержит параметры подключения к узлу.
type Config struct {
	Address      string
	TLSCertPath  string
	MacaroonPath string
}

// Client инкапсулирует gRPC-соединение с узлом.
type Client struct {
	conn *grpc.ClientConn
	ln   lnrpc.LightningClient
}

// NewClient устанавливает соединение с узлом, используя TLS-сертификат
// и macaroon для аутентификации каждого вызова.
func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("load tls cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("read macaroon: %w", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("unmarshal macaroon: %w", err)
	}

	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("macaroon credential: %w", err)
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCred),
	)
	if err != nil {
		return nil, fmt.Errorf("dial lnd: %w", err)
	}

	return &Client{
		conn: conn,
		ln:   lnrpc.NewLightningClient(conn),
	}, nil
}

// Close закрывает соединение с узлом.
func (c *Client) Close() error {
	return c.conn.Close()
}

// GetInfo возвращает сведения об узле, включая его identity pubkey.
func (c *Client) GetInfo(ctx context.Context) (*model.NodeInfo, error) {
	resp, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("get info: %w", err)
	}

	return &model.NodeInfo{
		IdentityPubkey: resp.IdentityPubkey,
		Alias:          resp.Alias,
		BlockHeight:    resp.BlockHeight,
		SyncedToChain:  resp.SyncedToChain,
		Testnet:        resp.Testnet,
	}, nil
}

// AddInvoice выпускает на узле инвойс с заранее сгенерированным preimage
// и возвращает платёжный запрос и хэш платежа.
func (c *Client) AddInvoice(ctx context.Context, amount int64, memo string, expiry int64, preimage []byte) (paymentRequest, paymentHash string, err error) {
	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      memo,
		Value:     amount,
		Expiry:    expiry,
		RPreimage: preimage,
	})
	if err != nil {
		return "", "", fmt.Errorf("add invoice: %w", err)
	}

	return resp.PaymentRequest, hex.EncodeToString(resp.RHash), nil
}

// DecodePayReq декодирует платёжный запрос на узле.
func (c *Client) DecodePayReq(ctx context.Context, payReq string) (*model.DecodedInvoice, error) {
	resp, err := c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: payReq})
	if err != nil {
		return nil, fmt.Errorf("decode payment request: %w", err)
	}

	return &model.DecodedInvoice{
		Destination: resp.Destination,
		PaymentHash: resp.PaymentHash,
		NumSatoshis: resp.NumSatoshis,
		Description: resp.Description,
		Timestamp:   resp.Timestamp,
		Expiry:      resp.Expiry,
	}, nil
}

// IsInvoiceSettled запрашивает у узла авторитативное состояние инвойса.
// Используется как fallback, когда уведомление об оплате было пропущено.
func (c *Client) IsInvoiceSettled(ctx context.Context, paymentHash string) (bool, error) {
	resp, err := c.ln.LookupInvoice(ctx, &lnrpc.PaymentHash{RHashStr: paymentHash})
	if err != nil {
		return false, fmt.Errorf("lookup invoice: %w", err)
	}

	return resp.State == lnrpc.Invoice_SETTLED, nil
}

// NewAddress выпускает новый он-чейн адрес для пополнения.
func (c *Client) NewAddress(ctx context.Context) (string, error) {
	resp, err := c.ln.NewAddress(ctx, &lnrpc.NewAddressRequest{
		Type: lnrpc.AddressType_WITNESS_PUBKEY_HASH,
	})
	if err != nil {
		return "", fmt.Errorf("new address: %w", err)
	}

	return resp.Address, nil
}

// GetTransactions возвращает он-чейн транзакции кошелька узла.
func (c *Client) GetTransactions(ctx context.Context) ([]model.OnchainTx, error) {
	resp, err := c.ln.GetTransactions(ctx, &lnrpc.GetTransactionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}

	txs := make([]model.OnchainTx, 0, len(resp.Transactions))
	for _, t := range resp.Transactions {
		txs = append(txs, model.OnchainTx{
			TxHash:        t.TxHash,
			Amount:        t.Amount,
			Confirmations: t.NumConfirmations,
			Addresses:     t.DestAddresses,
			Timestamp:     t.TimeStamp,
		})
	}

	return txs, nil
}
