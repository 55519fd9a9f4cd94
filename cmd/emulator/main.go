package main

import (
	"encoding/json"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Local stand-in for the custodial mint API and the bank webhook, used to
// exercise the bridge end to end without real counterparties. FAIL_RATE
// injects transient 500s to exercise the retry path.

type mintRequest struct {
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type sinks struct {
	failRate float64

	mu        sync.Mutex
	mintByKey map[string]string
	mintSeq   int
	bankSeq   int
}

func main() {
	port := 9090
	if v := os.Getenv("EMULATOR_PORT"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			log.Fatal().Err(err).Msg("EMULATOR_PORT is not an integer")
		}
		port = parsed
	}

	failRate := 0.0
	if v := os.Getenv("FAIL_RATE"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Fatal().Err(err).Msg("FAIL_RATE is not a number")
		}
		failRate = parsed
	}

	s := &sinks{
		failRate:  failRate,
		mintByKey: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mint", s.handleMint)
	mux.HandleFunc("/payments", s.handlePayment)

	log.Info().Msgf("Sink emulator listening on :%d with fail rate %.2f", port, failRate)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		log.Fatal().Err(err).Msg("emulator server failed")
	}
}

func (s *sinks) handleMint(w http.ResponseWriter, r *http.Request) {
	if s.injectFailure(w, "mint") {
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed mint request", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		http.Error(w, "idempotencyKey is required", http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	ref, seen := s.mintByKey[req.IdempotencyKey]
	if !seen {
		s.mintSeq++
		ref = fmt.Sprintf("M-%06d", s.mintSeq)
		s.mintByKey[req.IdempotencyKey] = ref
	}
	s.mu.Unlock()

	if seen {
		log.Info().Msgf("Replayed mint for key %s -> %s", req.IdempotencyKey, ref)
	} else {
		log.Info().Msgf("Minted %s for key %s -> %s", req.Amount, req.IdempotencyKey, ref)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"mintReference": ref})
}

func (s *sinks) handlePayment(w http.ResponseWriter, r *http.Request) {
	if s.injectFailure(w, "bank") {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil || len(body) == 0 {
		http.Error(w, "empty payment instruction", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.bankSeq++
	ack := fmt.Sprintf("B-%06d", s.bankSeq)
	s.mu.Unlock()

	log.Info().Msgf("Bank accepted payment instruction (%d bytes) -> %s", len(body), ack)
	fmt.Fprint(w, ack)
}

func (s *sinks) injectFailure(w http.ResponseWriter, sink string) bool {
	if s.failRate > 0 && mathrand.Float64() < s.failRate {
		log.Warn().Msgf("Injecting transient failure on %s sink", sink)
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return true
	}
	return false
}
