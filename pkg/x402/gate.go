package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentrails/tollgate/pkg/ledger"
)

// Gate is the server half of the payment handshake: requests without a valid
// proof are answered with a 402 offer for the configured toll terms, requests
// carrying a verified, previously unseen proof pass through.
type Gate struct {
	payTo    string
	amount   uint64
	assetID  uint64
	memo     string
	offerTTL time.Duration
	nonces   NonceStore
	params   ParamsProvider
	logger   *slog.Logger
	now      func() time.Time
}

// GateConfig fixes the toll terms a gate demands.
type GateConfig struct {
	// PayTo receives the toll.
	PayTo string
	// Amount is the toll in base units; must be positive.
	Amount uint64
	// AssetID selects the toll asset; zero means the native token.
	AssetID uint64
	Memo    string
	// OfferTTL bounds how long an issued offer stays payable. Defaults to
	// two minutes.
	OfferTTL time.Duration
	// Nonces rejects proof replay.
	Nonces NonceStore
	// Params supplies the chain the offer names.
	Params ParamsProvider
	Logger *slog.Logger
}

// NewGate builds a gate for the given toll terms.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.PayTo == "" {
		return nil, errors.New("x402: gate needs a payment address")
	}
	if cfg.Amount == 0 {
		return nil, errors.New("x402: gate toll amount must be positive")
	}
	if cfg.Nonces == nil {
		return nil, errors.New("x402: gate needs a nonce store")
	}
	if cfg.Params == nil {
		return nil, errors.New("x402: gate needs a params provider")
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		payTo:    cfg.PayTo,
		amount:   cfg.Amount,
		assetID:  cfg.AssetID,
		memo:     cfg.Memo,
		offerTTL: cfg.OfferTTL,
		nonces:   cfg.Nonces,
		params:   cfg.Params,
		logger:   cfg.Logger,
		now:      time.Now,
	}, nil
}

// Middleware gates the wrapped handler behind the toll. An invalid or
// replayed proof is answered the same way as a missing one: with a fresh
// offer, never a hint about what failed.
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(PaymentHeader)
			if header == "" {
				g.demand(w, r)
				return
			}
			if err := g.admit(r.Context(), header); err != nil {
				g.logger.Info("x402: payment proof rejected", "path", r.URL.Path, "error", err)
				g.demand(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// demand writes the 402 offer for this gate's terms.
func (g *Gate) demand(w http.ResponseWriter, r *http.Request) {
	p, err := g.params.Get(r.Context())
	if err != nil {
		g.logger.Warn("x402: cannot issue offer, params unavailable", "error", err)
		http.Error(w, "payment offer unavailable", http.StatusServiceUnavailable)
		return
	}

	offer := PaymentOffer{
		Version: SupportedVersion,
		Expires: g.now().Add(g.offerTTL).UTC(),
		Memo:    g.memo,
	}
	offer.Payment.PayTo = g.payTo
	offer.Payment.Amount = g.amount
	offer.Payment.Asset.ID = g.assetID
	offer.Network.Chain = p.ChainID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(offer)
}

// admit checks one proof header end to end: decode, detached group binding,
// embedded transaction signature, terms, and nonce freshness.
func (g *Gate) admit(ctx context.Context, header string) error {
	proof, err := DecodeProof(header)
	if err != nil {
		return err
	}
	if err := proof.Verify(); err != nil {
		return err
	}
	if len(proof.Transactions) == 0 {
		return errors.New("x402: proof carries no transactions")
	}

	stx, err := ledger.DecodeSigned(proof.Transactions[0])
	if err != nil {
		return err
	}
	if err := ledger.VerifySigned(stx); err != nil {
		return err
	}
	if stx.Txn.Group != proof.GroupID {
		return fmt.Errorf("x402: transaction group %q does not match proof group %q", stx.Txn.Group, proof.GroupID)
	}
	if stx.Txn.Sender != proof.SenderAddr {
		return fmt.Errorf("x402: transaction sender %q does not match proof sender %q", stx.Txn.Sender, proof.SenderAddr)
	}

	if stx.Txn.Receiver != g.payTo {
		return fmt.Errorf("x402: payment goes to %q, not the toll address", stx.Txn.Receiver)
	}
	if stx.Txn.Amount < g.amount {
		return fmt.Errorf("x402: payment of %d is below the %d toll", stx.Txn.Amount, g.amount)
	}
	if g.assetID != 0 {
		if stx.Txn.Type != ledger.TxAssetTransfer || stx.Txn.AssetID != g.assetID {
			return fmt.Errorf("x402: payment is not in toll asset %d", g.assetID)
		}
	} else if stx.Txn.Type != ledger.TxPayment {
		return errors.New("x402: payment is not in the native token")
	}

	// Nonce claim comes last so a rejected proof never burns its nonce.
	fresh, err := g.nonces.Claim(ctx, proof.Nonce, 2*g.offerTTL)
	if err != nil {
		return fmt.Errorf("x402: nonce store: %w", err)
	}
	if !fresh {
		return fmt.Errorf("x402: proof nonce %q already spent", proof.Nonce)
	}
	return nil
}
