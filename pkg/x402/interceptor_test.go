package x402

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentrails/tollgate/pkg/ledger"
)

func newTestInterceptor(t *testing.T, maxRetries uint64) (*Interceptor, ledger.Account) {
	t.Helper()
	account, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	interceptor, err := NewInterceptor(nil, account, staticParams{}, Options{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return interceptor, account
}

func TestInterceptorTransparentForAuthorizedCalls(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	interceptor, _ := newTestInterceptor(t, 3)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := interceptor.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}
	if hits != 1 {
		t.Errorf("expected single request, got %d", hits)
	}
}

func TestInterceptorPaysAndRetriesOnce(t *testing.T) {
	proofSender := ""
	var offers, paid int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(PaymentHeader)
		if header == "" {
			offers++
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write(offerJSON(1, time.Now().Add(time.Minute)))
			return
		}
		proof, err := DecodeProof(header)
		if err != nil {
			t.Errorf("bad proof header: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := proof.Verify(); err != nil {
			t.Errorf("proof does not verify: %v", err)
		}
		proofSender = proof.SenderAddr
		paid++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	interceptor, account := newTestInterceptor(t, 0)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"hello":"world"}`))
	resp, err := interceptor.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}
	if offers != 1 || paid != 1 {
		t.Errorf("expected one offer and one paid retry, got %d/%d", offers, paid)
	}
	if proofSender != account.Address {
		t.Errorf("proof sender %q != account %q", proofSender, account.Address)
	}
}

func TestInterceptorSinglePaymentRoundPerRequest(t *testing.T) {
	// The server keeps demanding payment; the interceptor must return the
	// second 402 unchanged instead of paying again.
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write(offerJSON(1, time.Now().Add(time.Minute)))
	}))
	defer srv.Close()

	interceptor, _ := newTestInterceptor(t, 0)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := interceptor.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status %d", resp.StatusCode)
	}
	if hits != 2 {
		t.Errorf("expected exactly two requests, got %d", hits)
	}
}

func TestInterceptorUnsupportedVersionAbortsWithoutRetry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write(offerJSON(99, time.Now().Add(time.Minute)))
	}))
	defer srv.Close()

	interceptor, _ := newTestInterceptor(t, 5)
	var retries int
	interceptor.Notify = func(err error, delay time.Duration) { retries++ }

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := interceptor.Do(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("unexpected error: %v", err)
	}
	if retries != 0 {
		t.Errorf("protocol rejection consumed %d retries", retries)
	}
	if hits != 1 {
		t.Errorf("expected single request, got %d", hits)
	}
}

func TestInterceptorExpiredOfferAbortsWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write(offerJSON(1, time.Now().Add(-time.Minute)))
	}))
	defer srv.Close()

	interceptor, _ := newTestInterceptor(t, 5)
	var retries int
	interceptor.Notify = func(err error, delay time.Duration) { retries++ }

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := interceptor.Do(req); err == nil {
		t.Fatal("expected error")
	}
	if retries != 0 {
		t.Errorf("expired offer consumed %d retries", retries)
	}
}

func TestInterceptorRetriesTransientWithGrowingBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	// Closed immediately: every request is a network failure.
	srv.Close()

	interceptor, _ := newTestInterceptor(t, 3)
	var delays []time.Duration
	interceptor.Notify = func(err error, delay time.Duration) { delays = append(delays, delay) }

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := interceptor.Do(req); err == nil {
		t.Fatal("expected the last transient error to surface")
	}

	if len(delays) != 3 {
		t.Fatalf("expected 3 retries, got %d", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delay %d (%v) not greater than delay %d (%v)", i, delays[i], i-1, delays[i-1])
		}
	}
}
