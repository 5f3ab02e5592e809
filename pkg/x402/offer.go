// Package x402 implements the request-for-payment handshake: parsing payment
// offers, producing signed payment proofs, and the client-side interceptor
// that turns a "payment required" response into a retried, paid request.
package x402

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SupportedVersion is the protocol version this implementation speaks.
const SupportedVersion = 1

// PaymentHeader carries the base64-encoded proof on the retried request.
const PaymentHeader = "X-Payment"

var (
	// ErrUnsupportedVersion is fatal and never retried.
	ErrUnsupportedVersion = errors.New("x402: unsupported payment offer version")
	// ErrOfferExpired is fatal and never retried.
	ErrOfferExpired = errors.New("x402: payment offer has expired")
)

// PaymentOffer is the server-issued terms body (PayJson).
type PaymentOffer struct {
	Version int       `json:"version"`
	Expires time.Time `json:"expires"`
	Payment struct {
		PayTo  string `json:"payTo"`
		Amount uint64 `json:"amount"`
		Asset  struct {
			ID uint64 `json:"id"`
		} `json:"asset"`
	} `json:"payment"`
	Memo    string `json:"memo,omitempty"`
	Network struct {
		Chain string `json:"chain"`
	} `json:"network"`
}

const offerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "expires", "payment", "network"],
  "properties": {
    "version": {"type": "integer"},
    "expires": {"type": "string", "format": "date-time"},
    "payment": {
      "type": "object",
      "required": ["payTo", "amount", "asset"],
      "properties": {
        "payTo": {"type": "string", "minLength": 1},
        "amount": {"type": "integer", "minimum": 1},
        "asset": {
          "type": "object",
          "required": ["id"],
          "properties": {"id": {"type": "integer", "minimum": 0}}
        }
      }
    },
    "memo": {"type": "string"},
    "network": {
      "type": "object",
      "required": ["chain"],
      "properties": {"chain": {"type": "string", "minLength": 1}}
    }
  }
}`

var offerSchema = jsonschema.MustCompileString("payment-offer.json", offerSchemaJSON)

// ParseOffer validates raw against the offer schema, then enforces version
// and expiry. Version and expiry failures are the protocol's two permanent
// rejections.
func ParseOffer(raw []byte, now time.Time) (*PaymentOffer, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("x402: offer is not JSON: %w", err)
	}
	if err := offerSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("x402: offer failed schema validation: %w", err)
	}

	var offer PaymentOffer
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("x402: decode offer: %w", err)
	}
	if offer.Version != SupportedVersion {
		return nil, fmt.Errorf("%w: got %d, support %d", ErrUnsupportedVersion, offer.Version, SupportedVersion)
	}
	if !now.Before(offer.Expires) {
		return nil, fmt.Errorf("%w: expired at %s", ErrOfferExpired, offer.Expires.Format(time.RFC3339))
	}
	return &offer, nil
}
