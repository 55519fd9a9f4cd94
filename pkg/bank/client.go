package bank

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"settlement-bridge/pkg/retrier"
)

// ErrRejected marks a payment instruction the bank refused outright.
var ErrRejected = errors.New("rejected by bank")

// PaymentInstruction is the ISO 20022-style document posted to the bank
// webhook. MessageID is derived from the settlement id so a retried
// submission carries the same identifiers.
type PaymentInstruction struct {
	XMLName         xml.Name `xml:"PmtInstr"`
	MessageID       string   `xml:"MsgId"`
	EndToEndID      string   `xml:"EndToEndId"`
	Amount          string   `xml:"Amt"`
	CreditorAccount string   `xml:"CdtrAcct"`
	RemittanceInfo  string   `xml:"RmtInf"`
}

type Options struct {
	WebhookURL string
	Timeout    time.Duration
}

// Client submits payment instructions to the configured bank webhook and
// expects a 2xx acknowledgment.
type Client struct {
	webhookURL string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		webhookURL: opts.WebhookURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

// Submit posts the instruction and returns the bank's acknowledgment
// reference. An empty acknowledgment body falls back to the message id.
func (c *Client) Submit(ctx context.Context, instr PaymentInstruction) (string, error) {
	body, err := xml.Marshal(instr)
	if err != nil {
		return "", retrier.Permanent(fmt.Errorf("failed to marshal payment instruction: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", retrier.Permanent(fmt.Errorf("failed to build bank request: %w", err))
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bank webhook call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("failed to read bank response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("bank returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if isCounterpartyRejection(resp.StatusCode) {
			return "", retrier.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
		}
		return "", err
	}

	ack := strings.TrimSpace(string(respBody))
	if ack == "" {
		ack = instr.MessageID
	}
	return ack, nil
}

func isCounterpartyRejection(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
