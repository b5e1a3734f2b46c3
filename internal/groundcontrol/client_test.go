package groundcontrol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInvoiceSettled_Success(t *testing.T) {
	var got SettledNotification

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/lightningInvoiceGotSettled" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	n := SettledNotification{
		Memo:       "coffee",
		Preimage:   "00ff",
		Hash:       "aabb",
		AmtPaidSat: 100,
	}

	if err := c.InvoiceSettled(context.Background(), n); err != nil {
		t.Fatalf("InvoiceSettled: %v", err)
	}

	if got != n {
		t.Fatalf("server received %+v, want %+v", got, n)
	}
}

func TestInvoiceSettled_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	if err := c.InvoiceSettled(context.Background(), SettledNotification{Hash: "aabb"}); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestInvoiceSettled_NotConfigured(t *testing.T) {
	c := NewClient("")

	if err := c.InvoiceSettled(context.Background(), SettledNotification{}); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
