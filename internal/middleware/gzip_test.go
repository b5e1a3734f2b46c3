package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func gzipTestHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("received: " + string(body)))
}

func TestGzipMiddleware(t *testing.T) {
	type want struct {
		statusCode      int
		contentEncoding string
		bodyContains    string
	}

	tests := []struct {
		name        string
		requestBody string
		compressed  bool
		headers     map[string]string
		want        want
	}{
		{
			name:        "plain request and response",
			requestBody: "hello",
			headers:     map[string]string{},
			want: want{
				statusCode:   http.StatusOK,
				bodyContains: "received: hello",
			},
		},
		{
			name:        "compressed response",
			requestBody: "hello",
			headers:     map[string]string{"Accept-Encoding": "gzip"},
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				bodyContains:    "received: hello",
			},
		},
		{
			name:        "compressed request",
			requestBody: "compressed payload",
			compressed:  true,
			headers:     map[string]string{"Content-Encoding": "gzip"},
			want: want{
				statusCode:   http.StatusOK,
				bodyContains: "received: compressed payload",
			},
		},
		{
			name:        "broken compressed request",
			requestBody: "not gzip at all",
			headers:     map[string]string{"Content-Encoding": "gzip"},
			want: want{
				statusCode: http.StatusBadRequest,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(tt.requestBody)
			if tt.compressed {
				var buf bytes.Buffer
				zw := gzip.NewWriter(&buf)
				if _, err := zw.Write([]byte(tt.requestBody)); err != nil {
					t.Fatalf("compress body: %v", err)
				}
				if err := zw.Close(); err != nil {
					t.Fatalf("close gzip writer: %v", err)
				}
				body = &buf
			}

			req := httptest.NewRequest(http.MethodPost, "/", body)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			rec := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(gzipTestHandler)).ServeHTTP(rec, req)

			if rec.Code != tt.want.statusCode {
				t.Fatalf("expected status %d, got %d", tt.want.statusCode, rec.Code)
			}
			if tt.want.statusCode != http.StatusOK {
				return
			}

			if got := rec.Header().Get("Content-Encoding"); got != tt.want.contentEncoding {
				t.Fatalf("expected content encoding %q, got %q", tt.want.contentEncoding, got)
			}

			respBody := rec.Body.Bytes()
			if tt.want.contentEncoding == "gzip" {
				zr, err := gzip.NewReader(bytes.NewReader(respBody))
				if err != nil {
					t.Fatalf("response is not gzip: %v", err)
				}
				respBody, err = io.ReadAll(zr)
				if err != nil {
					t.Fatalf("decompress response: %v", err)
				}
			}

			if !strings.Contains(string(respBody), tt.want.bodyContains) {
				t.Fatalf("expected body to contain %q, got %q", tt.want.bodyContains, string(respBody))
			}
		})
	}
}
