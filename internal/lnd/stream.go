package lnd

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"

	"github.com/abelyaev/lnhub-system/internal/model"
)

// SubscribeSettlements открывает подписку на обновления инвойсов и
// отправляет события об оплате в канал events. Блокируется до обрыва
// потока или отмены контекста; переподключение — забота вызывающего.
func (c *Client) SubscribeSettlements(ctx context.Context, events chan<- model.SettlementEvent) error {
	stream, err := c.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return fmt.Errorf("subscribe invoices: %w", err)
	}

	for {
		inv, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("invoice stream: %w", err)
		}

		if inv.State != lnrpc.Invoice_SETTLED {
			continue
		}

		amount := inv.Value
		if inv.AmtPaidSat > 0 {
			amount = inv.AmtPaidSat
		}

		ev := model.SettlementEvent{
			PaymentHash: hex.EncodeToString(inv.RHash),
			Preimage:    hex.EncodeToString(inv.RPreimage),
			Amount:      amount,
			Memo:        inv.Memo,
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendPayment выполняет исходящий платёж через потоковый интерфейс узла:
// одна запись запроса, одно терминальное событие с маршрутом либо ошибкой.
// Вызов блокируется на всё время исполнения платежа.
func (c *Client) SendPayment(ctx context.Context, payReq string, amount, feeLimit int64) (*model.PaymentResult, error) {
	stream, err := c.ln.SendPayment(ctx)
	if err != nil {
		return nil, fmt.Errorf("open payment stream: %w", err)
	}

	req := &lnrpc.SendRequest{
		PaymentRequest: payReq,
		Amt:            amount,
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_Fixed{Fixed: feeLimit},
		},
	}
	if err := stream.Send(req); err != nil {
		return nil, fmt.Errorf("write payment request: %w", err)
	}

	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("payment stream: %w", err)
	}

	res := &model.PaymentResult{
		FailureReason: resp.PaymentError,
	}

	if resp.PaymentError == "" && resp.PaymentRoute != nil && resp.PaymentRoute.TotalAmtMsat > 0 {
		res.Settled = true
		res.Preimage = hex.EncodeToString(resp.PaymentPreimage)
		res.TotalAmt = resp.PaymentRoute.TotalAmt
		res.Fee = resp.PaymentRoute.TotalFees
	}

	return res, nil
}
