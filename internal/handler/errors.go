package handler

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок совместимы с протоколом LndHub: клиенты BlueWallet
// различают ответы именно по полю code.
const (
	codeBadAuth            = 1
	codeNotEnoughBalance   = 2
	codeNotAValidInvoice   = 4
	codeGeneralServerError = 6
	codeLndFailure         = 7
	codeBadArguments       = 8
	codeTryAgainLater      = 9
	codePaymentFailed      = 10
	codeInvoiceNotFound    = 11
)

type apiError struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: true, Code: code, Message: message})
}

func errorBadAuth(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, codeBadAuth, "bad auth")
}

func errorNotEnoughBalance(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, codeNotEnoughBalance, "not enough balance. Make sure you have at least 1% reserved for potential fees")
}

func errorNotAValidInvoice(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, codeNotAValidInvoice, "not a valid invoice")
}

func errorGeneralServerError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, codeGeneralServerError, "Something went wrong. Please try again later")
}

func errorLnd(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, codeLndFailure, "LND failure")
}

func errorBadArguments(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, codeBadArguments, "Bad arguments")
}

func errorTryAgainLater(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, codeTryAgainLater, "Previous payment is in transit. Try again later")
}

func errorPaymentFailed(w http.ResponseWriter, reason string) {
	if reason == "" {
		reason = "Payment failed. Does the receiver have enough inbound capacity?"
	}
	writeError(w, http.StatusBadRequest, codePaymentFailed, reason)
}

func errorInvoiceNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, codeInvoiceNotFound, "invoice not found")
}
