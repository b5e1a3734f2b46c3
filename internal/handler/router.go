package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/abelyaev/lnhub-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/create", h.Create)
	r.Post("/auth", h.Auth)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/addinvoice", h.AddInvoice)
		r.Post("/payinvoice", h.PayInvoice)
		r.Get("/balance", h.GetBalance)
		r.Get("/gettxs", h.GetTxs)
		r.Get("/getuserinvoices", h.GetUserInvoices)
		r.Get("/getpending", h.GetPending)
		r.Get("/checkpayment/{payment_hash}", h.CheckPayment)
		r.Get("/finduserinvoice/{payment_hash}", h.FindUserInvoice)
		r.Get("/decodeinvoice", h.DecodeInvoice)
		r.Get("/checkrouteinvoice", h.CheckRouteInvoice)
		r.Get("/getinfo", h.GetInfo)
		r.Get("/getbtc", h.GetBTC)
	})

	return r
}

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
