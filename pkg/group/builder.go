// Package group builds unsigned atomic transaction groups for gated bridge
// transfers: the agent's toll payment plus the bridged value transfer, bound
// together under one group identifier.
package group

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/agentrails/tollgate/pkg/ledger"
	"github.com/agentrails/tollgate/pkg/slippage"
)

// ErrAmountTooLarge means the bridge amount does not fit the slippage math's
// signed range.
var ErrAmountTooLarge = errors.New("group: amount exceeds the representable range")

// UnsignedAtomicGroup is an ordered set of unsigned transaction encodings
// sharing one group identifier. It exists for the duration of one pipeline
// run and is never persisted.
type UnsignedAtomicGroup struct {
	ID           string   `json:"id"`
	Transactions [][]byte `json:"transactions"`
}

// Routing names who must sign the group and where the bridged value goes.
type Routing struct {
	RequiredSigner    string `json:"requiredSigner"`
	BridgeDestination string `json:"bridgeDestination"`
	Network           string `json:"network"`
}

// Slippage carries the tolerance the group was built under and the floor
// derived from it.
type Slippage struct {
	ToleranceBips int64  `json:"toleranceBips"`
	MinAmountOut  uint64 `json:"minAmountOut"`
}

// SandboxExport is the sealed intent handed to the execution pipeline.
// Downstream consumers treat every field as untrusted and re-derive or check
// each one.
type SandboxExport struct {
	SandboxID   string              `json:"sandboxId"`
	AtomicGroup UnsignedAtomicGroup `json:"atomicGroup"`
	Routing     Routing             `json:"routing"`
	Slippage    Slippage            `json:"slippage"`
	BatchSize   int                 `json:"batchSize"`
}

// BuildRequest are the caller-supplied trade parameters.
type BuildRequest struct {
	SenderAddress        string `json:"senderAddress"`
	Amount               uint64 `json:"amount"`
	DestinationChain     string `json:"destinationChain"`
	DestinationRecipient string `json:"destinationRecipient"`
	// ToleranceBips is used as given; the HTTP layer applies the default for
	// requests that carry no tolerance header.
	ToleranceBips int64 `json:"toleranceBips"`
	// BatchSize is the number of toll transfers; defaults to 1.
	BatchSize int `json:"batchSize"`
}

// Config fixes the toll terms and bridge routing for a builder.
type Config struct {
	TollAssetID          uint64
	TollAmount           uint64
	TreasuryAddress      string
	BridgeReserveAddress string
}

// ParamsProvider yields current network parameters (see pkg/params).
type ParamsProvider interface {
	Get(ctx context.Context) (ledger.SuggestedParams, error)
}

// Builder constructs sandbox exports.
type Builder struct {
	cfg    Config
	params ParamsProvider
}

// NewBuilder wires a builder to its parameter provider.
func NewBuilder(cfg Config, params ParamsProvider) (*Builder, error) {
	if cfg.TreasuryAddress == "" {
		return nil, errors.New("group: treasury address is required")
	}
	if cfg.BridgeReserveAddress == "" {
		return nil, errors.New("group: bridge reserve address is required")
	}
	if params == nil {
		return nil, errors.New("group: params provider is required")
	}
	return &Builder{cfg: cfg, params: params}, nil
}

// Build assembles the unsigned toll + bridge group for req.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*SandboxExport, error) {
	if req.SenderAddress == "" {
		return nil, errors.New("group: sender address is required")
	}
	if req.DestinationChain == "" || req.DestinationRecipient == "" {
		return nil, errors.New("group: destination chain and recipient are required")
	}

	tolerance := req.ToleranceBips
	if req.Amount == 0 {
		return nil, slippage.ErrAmountNotPositive
	}
	if req.Amount > math.MaxInt64 {
		return nil, ErrAmountTooLarge
	}
	minOut, err := slippage.MinAmountOut(int64(req.Amount), tolerance)
	if err != nil {
		return nil, err
	}

	batch := req.BatchSize
	if batch <= 0 {
		batch = 1
	}

	p, err := b.params.Get(ctx)
	if err != nil {
		return nil, err
	}

	txns := make([]ledger.Transaction, 0, batch+1)
	for i := 0; i < batch; i++ {
		txns = append(txns, ledger.Transaction{
			Type:        ledger.TxAssetTransfer,
			Sender:      req.SenderAddress,
			Receiver:    b.cfg.TreasuryAddress,
			AssetID:     b.cfg.TollAssetID,
			Amount:      b.cfg.TollAmount,
			Fee:         p.MinFee,
			FirstValid:  p.FirstValid,
			LastValid:   p.LastValid,
			ChainID:     p.ChainID,
			GenesisHash: p.GenesisHash,
			Note:        fmt.Sprintf("toll:%d/%d", i+1, batch),
		})
	}
	txns = append(txns, ledger.Transaction{
		Type:        ledger.TxPayment,
		Sender:      req.SenderAddress,
		Receiver:    b.cfg.BridgeReserveAddress,
		Amount:      req.Amount,
		Fee:         p.MinFee,
		FirstValid:  p.FirstValid,
		LastValid:   p.LastValid,
		ChainID:     p.ChainID,
		GenesisHash: p.GenesisHash,
		Note:        fmt.Sprintf("bridge:%s:%s:min=%d", req.DestinationChain, req.DestinationRecipient, minOut),
	})

	grouped, gid, err := ledger.AssignGroup(txns)
	if err != nil {
		return nil, err
	}

	encoded := make([][]byte, len(grouped))
	for i, txn := range grouped {
		enc, err := ledger.EncodeUnsigned(txn)
		if err != nil {
			return nil, err
		}
		encoded[i] = enc
	}

	return &SandboxExport{
		SandboxID: uuid.New().String(),
		AtomicGroup: UnsignedAtomicGroup{
			ID:           gid,
			Transactions: encoded,
		},
		Routing: Routing{
			RequiredSigner:    req.SenderAddress,
			BridgeDestination: req.DestinationRecipient,
			Network:           req.DestinationChain,
		},
		Slippage: Slippage{
			ToleranceBips: tolerance,
			MinAmountOut:  minOut,
		},
		BatchSize: batch,
	}, nil
}
