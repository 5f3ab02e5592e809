package x402

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentrails/tollgate/pkg/broadcast"
	"github.com/agentrails/tollgate/pkg/ledger"
)

// Interceptor wraps an HTTP client with the payment handshake. It is
// transparent for already-authorized calls: a non-402 response is returned
// unchanged. A 402 response triggers exactly one payment round per logical
// request.
type Interceptor struct {
	client  *http.Client
	account ledger.Account
	params  ParamsProvider

	maxRetries uint64
	baseDelay  time.Duration
	logger     *slog.Logger

	// Notify observes each retry delay; tests use it to assert backoff
	// growth.
	Notify func(err error, delay time.Duration)
}

// Options tune the retry loop.
type Options struct {
	// MaxRetries bounds transient-error retries. Zero means no retries.
	MaxRetries uint64
	// BaseDelay is the first backoff interval; it doubles each attempt.
	BaseDelay time.Duration
	Logger    *slog.Logger
}

// NewInterceptor builds an interceptor signing payments with account.
func NewInterceptor(client *http.Client, account ledger.Account, params ParamsProvider, opts Options) (*Interceptor, error) {
	if params == nil {
		return nil, errors.New("x402: params provider is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Interceptor{
		client:     client,
		account:    account,
		params:     params,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		logger:     opts.Logger,
	}, nil
}

// Do sends req, paying a toll if the server demands one. Transient errors
// (network failures and anything unclassified) are retried with exponential
// backoff up to the configured bound; protocol rejections abort immediately
// without consuming a retry.
func (i *Interceptor) Do(req *http.Request) (*http.Response, error) {
	// Buffer the body once so the request can be replayed across attempts.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("x402: read request body: %w", err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = i.baseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var resp *http.Response
	operation := func() error {
		r, err := i.attempt(req, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, delay time.Duration) {
		i.logger.Debug("x402: transient failure, backing off", "delay", delay, "error", err)
		if i.Notify != nil {
			i.Notify(err, delay)
		}
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, i.maxRetries), req.Context()),
		notify)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt performs one full protocol round: request, optional payment,
// retried request. Returned errors are retryable unless marked permanent.
func (i *Interceptor) attempt(req *http.Request, body []byte) (*http.Response, error) {
	resp, err := i.send(req, body, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	offerRaw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("x402: read offer: %w", err)
	}

	offer, err := ParseOffer(offerRaw, time.Now())
	if err != nil {
		return nil, permanentIfProtocol(err)
	}

	proof, err := BuildProof(req.Context(), offer, i.account, i.params)
	if err != nil {
		return nil, permanentIfProtocol(err)
	}
	header, err := proof.Encode()
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	i.logger.Debug("x402: paying offer", "payTo", offer.Payment.PayTo, "amount", offer.Payment.Amount, "group", proof.GroupID)

	// Second and final send for this logical request: the response comes
	// back regardless of status. No second payment round.
	paid, err := i.send(req, body, header)
	if err != nil {
		return nil, err
	}
	return paid, nil
}

func (i *Interceptor) send(req *http.Request, body []byte, paymentHeader string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	if paymentHeader != "" {
		clone.Header.Set(PaymentHeader, paymentHeader)
	}
	resp, err := i.client.Do(clone)
	if err != nil {
		// Network failures are the canonical transient class.
		return nil, fmt.Errorf("x402: request failed: %w", err)
	}
	return resp, nil
}

// permanentIfProtocol marks the non-retryable error classes permanent:
// unsupported version, expired offer, policy breach. Everything else stays
// retryable.
func permanentIfProtocol(err error) error {
	if errors.Is(err, ErrUnsupportedVersion) || errors.Is(err, ErrOfferExpired) || broadcast.IsPolicyBreach(err) {
		return backoff.Permanent(err)
	}
	return err
}
