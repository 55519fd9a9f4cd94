package bank

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testInstruction() PaymentInstruction {
	return PaymentInstruction{
		MessageID:       "pmt-0011223344556677",
		EndToEndID:      "0x001122",
		Amount:          "2500",
		CreditorAccount: "0xaa",
		RemittanceInfo:  "M1",
	}
}

func TestSubmitPostsPaymentInstruction(t *testing.T) {
	var gotContentType string
	var gotInstr PaymentInstruction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := xml.Unmarshal(body, &gotInstr); err != nil {
			t.Errorf("unmarshal instruction: %v", err)
		}
		io.WriteString(w, "ACK-77")
	}))
	defer srv.Close()

	c := NewClient(Options{WebhookURL: srv.URL, Timeout: time.Second})
	ack, err := c.Submit(context.Background(), testInstruction())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack != "ACK-77" {
		t.Fatalf("unexpected ack: %s", ack)
	}
	if gotContentType != "application/xml" {
		t.Fatalf("unexpected content type: %s", gotContentType)
	}
	if gotInstr.Amount != "2500" || gotInstr.RemittanceInfo != "M1" || gotInstr.CreditorAccount != "0xaa" {
		t.Fatalf("unexpected instruction fields: %+v", gotInstr)
	}
}

func TestSubmitFallsBackToMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(Options{WebhookURL: srv.URL, Timeout: time.Second})
	ack, err := c.Submit(context.Background(), testInstruction())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack != "pmt-0011223344556677" {
		t.Fatalf("expected message id fallback, got %s", ack)
	}
}

func TestSubmitRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown creditor account", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Options{WebhookURL: srv.URL, Timeout: time.Second})
	_, err := c.Submit(context.Background(), testInstruction())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for 400, got %v", err)
	}
}

func TestSubmitServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := NewClient(Options{WebhookURL: srv.URL, Timeout: time.Second})
	_, err := c.Submit(context.Background(), testInstruction())
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("5xx must stay retryable, got %v", err)
	}
}
