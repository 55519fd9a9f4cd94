package mint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAmount, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/mint" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req mintRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotKey = req.IdempotencyKey
		gotAmount = req.Amount

		json.NewEncoder(w).Encode(mintResponse{MintReference: "M1"})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
	ref, err := c.Mint(context.Background(), "2500", "0xdeadbeef")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if ref != "M1" {
		t.Fatalf("unexpected reference: %s", ref)
	}
	if gotKey != "0xdeadbeef" || gotAmount != "2500" {
		t.Fatalf("unexpected request fields: key=%s amount=%s", gotKey, gotAmount)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
}

func TestMintServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second})
	_, err := c.Mint(context.Background(), "100", "0xabc")
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("server errors must stay retryable, got rejection: %v", err)
	}
}

func TestMintRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "amount exceeds limit", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second})
	_, err := c.Mint(context.Background(), "100", "0xabc")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for 422, got %v", err)
	}
}

func TestMintRateLimitStaysTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second})
	_, err := c.Mint(context.Background(), "100", "0xabc")
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("429 must stay retryable, got %v", err)
	}
}

func TestMintMissingReferenceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second})
	if _, err := c.Mint(context.Background(), "100", "0xabc"); err == nil {
		t.Fatalf("expected error for response without mintReference")
	}
}
