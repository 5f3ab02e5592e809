package x402

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentrails/tollgate/pkg/ledger"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	gate, err := NewGate(GateConfig{
		PayTo:  "treasury-addr",
		Amount: 10,
		Memo:   "toll",
		Nonces: NewMemoryNonceStore(),
		Params: staticParams{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return gate
}

func settledHandler(hits *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "settled")
	})
}

func TestGateDemandsOfferWhenUnpaid(t *testing.T) {
	var hits int
	srv := httptest.NewServer(newTestGate(t).Middleware()(settledHandler(&hits)))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if hits != 0 {
		t.Error("unpaid request reached the handler")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	offer, err := ParseOffer(raw, time.Now())
	if err != nil {
		t.Fatalf("offer does not parse: %v", err)
	}
	if offer.Payment.PayTo != "treasury-addr" || offer.Payment.Amount != 10 {
		t.Errorf("unexpected terms: %+v", offer)
	}
	if offer.Network.Chain != "toll-test" {
		t.Errorf("chain %q", offer.Network.Chain)
	}
}

func TestGateAdmitsInterceptorEndToEnd(t *testing.T) {
	var hits int
	srv := httptest.NewServer(newTestGate(t).Middleware()(settledHandler(&hits)))
	defer srv.Close()

	interceptor, _ := newTestInterceptor(t, 0)
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
		t.Errorf("expected exactly one gated call, got %d", hits)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "settled" {
		t.Errorf("body %q", body)
	}
}

// paidHeader runs the handshake by hand and returns a valid proof header for
// the gate's current offer.
func paidHeader(t *testing.T, gateURL string, account ledger.Account) string {
	t.Helper()
	resp, err := http.Get(gateURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	offer, err := ParseOffer(raw, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	proof, err := BuildProof(context.Background(), offer, account, staticParams{})
	if err != nil {
		t.Fatal(err)
	}
	header, err := proof.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return header
}

func TestGateRejectsReplayedProof(t *testing.T) {
	var hits int
	srv := httptest.NewServer(newTestGate(t).Middleware()(settledHandler(&hits)))
	defer srv.Close()

	account, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	header := paidHeader(t, srv.URL, account)

	send := func() int {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		req.Header.Set(PaymentHeader, header)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first use rejected with %d", code)
	}
	if code := send(); code != http.StatusPaymentRequired {
		t.Errorf("replayed proof admitted with %d", code)
	}
	if hits != 1 {
		t.Errorf("expected one admitted call, got %d", hits)
	}
}

func TestGateRejectsProofForWrongTerms(t *testing.T) {
	var hits int
	srv := httptest.NewServer(newTestGate(t).Middleware()(settledHandler(&hits)))
	defer srv.Close()

	account, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}

	// A proof paying someone else entirely.
	now := time.Now()
	wrong, err := ParseOffer([]byte(`{
		"version": 1,
		"expires": "`+now.Add(time.Minute).Format(time.RFC3339)+`",
		"payment": {"payTo": "attacker-addr", "amount": 10, "asset": {"id": 0}},
		"network": {"chain": "toll-test"}
	}`), now)
	if err != nil {
		t.Fatal(err)
	}
	proof, err := BuildProof(context.Background(), wrong, account, staticParams{})
	if err != nil {
		t.Fatal(err)
	}
	header, err := proof.Encode()
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set(PaymentHeader, header)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("misdirected payment admitted with %d", resp.StatusCode)
	}
	if hits != 0 {
		t.Error("misdirected payment reached the handler")
	}
}

func TestGateRejectsGarbageHeader(t *testing.T) {
	var hits int
	srv := httptest.NewServer(newTestGate(t).Middleware()(settledHandler(&hits)))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set(PaymentHeader, "not a proof")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("garbage header answered with %d", resp.StatusCode)
	}
	if hits != 0 {
		t.Error("garbage header reached the handler")
	}
}

func TestMemoryNonceStoreExpiresClaims(t *testing.T) {
	store := NewMemoryNonceStore()
	ctx := context.Background()

	fresh, err := store.Claim(ctx, "n1", 10*time.Millisecond)
	if err != nil || !fresh {
		t.Fatalf("first claim: fresh=%v err=%v", fresh, err)
	}
	fresh, _ = store.Claim(ctx, "n1", 10*time.Millisecond)
	if fresh {
		t.Error("immediate reclaim reported fresh")
	}

	time.Sleep(20 * time.Millisecond)
	fresh, _ = store.Claim(ctx, "n1", 10*time.Millisecond)
	if !fresh {
		t.Error("expired nonce still claimed")
	}
}
