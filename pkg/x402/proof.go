package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentrails/tollgate/pkg/ledger"
)

// PaymentProof is the client-produced evidence attached to the retried
// request. Nonce is unique per proof to prevent replay; Signature is a
// detached signature binding SenderAddr to GroupID, verifiable without the
// transaction bodies.
type PaymentProof struct {
	GroupID      string    `json:"groupId"`
	Transactions [][]byte  `json:"transactions"`
	SenderAddr   string    `json:"senderAddr"`
	Signature    string    `json:"signature"`
	Timestamp    time.Time `json:"timestamp"`
	Nonce        string    `json:"nonce"`
}

// ParamsProvider yields suggested parameters for the offer's target chain.
type ParamsProvider interface {
	Get(ctx context.Context) (ledger.SuggestedParams, error)
}

// BuildProof constructs and signs the single-transfer payment group for an
// accepted offer.
func BuildProof(ctx context.Context, offer *PaymentOffer, account ledger.Account, params ParamsProvider) (*PaymentProof, error) {
	if offer == nil {
		return nil, errors.New("x402: nil offer")
	}

	p, err := params.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("x402: fetch params: %w", err)
	}

	txn := ledger.Transaction{
		Type:        ledger.TxAssetTransfer,
		Sender:      account.Address,
		Receiver:    offer.Payment.PayTo,
		AssetID:     offer.Payment.Asset.ID,
		Amount:      offer.Payment.Amount,
		Fee:         p.MinFee,
		FirstValid:  p.FirstValid,
		LastValid:   p.LastValid,
		ChainID:     p.ChainID,
		GenesisHash: p.GenesisHash,
		Note:        offer.Memo,
	}
	if offer.Payment.Asset.ID == 0 {
		txn.Type = ledger.TxPayment
	}

	grouped, gid, err := ledger.AssignGroup([]ledger.Transaction{txn})
	if err != nil {
		return nil, err
	}
	signed, err := ledger.SignTransaction(grouped[0], account)
	if err != nil {
		return nil, err
	}

	return &PaymentProof{
		GroupID:      gid,
		Transactions: [][]byte{signed},
		SenderAddr:   account.Address,
		Signature:    ledger.SignBytes([]byte(gid), account),
		Timestamp:    time.Now().UTC(),
		Nonce:        uuid.New().String(),
	}, nil
}

// Encode renders the proof as the base64 JSON header value.
func (p *PaymentProof) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProof parses a proof header value.
func DecodeProof(header string) (*PaymentProof, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("x402: proof header is not base64: %w", err)
	}
	var proof PaymentProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("x402: decode proof: %w", err)
	}
	return &proof, nil
}

// Verify checks the detached group binding without touching the transaction
// bodies.
func (p *PaymentProof) Verify() error {
	if p.GroupID == "" || p.SenderAddr == "" || p.Nonce == "" {
		return errors.New("x402: proof is missing required fields")
	}
	return ledger.VerifyBytes(p.SenderAddr, []byte(p.GroupID), p.Signature)
}
