package signing

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/agentrails/tollgate/pkg/ledger"
)

// KeySource abstracts the key material behind the boundary. It is resolved
// once at construction time and injected, never reached through a global, so
// tests can substitute a deterministic key.
type KeySource interface {
	Address() string
	Sign(ctx context.Context, txn ledger.Transaction) ([]byte, error)
}

// AccountKey signs with an in-process ed25519 account.
type AccountKey struct {
	account ledger.Account
	durable bool
}

// Address returns the signer address.
func (k *AccountKey) Address() string { return k.account.Address }

// Durable reports whether the key came from configured seed material rather
// than being generated for this process.
func (k *AccountKey) Durable() bool { return k.durable }

// Sign signs one transaction.
func (k *AccountKey) Sign(ctx context.Context, txn ledger.Transaction) ([]byte, error) {
	return ledger.SignTransaction(txn, k.account)
}

// NewDurableKey loads the pre-funded service key from a hex seed.
func NewDurableKey(seedHex string) (*AccountKey, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("signing: invalid seed encoding: %w", err)
	}
	account, err := ledger.AccountFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &AccountKey{account: account, durable: true}, nil
}

// NewEphemeralKey generates a throwaway key for non-production use.
func NewEphemeralKey() (*AccountKey, error) {
	account, err := ledger.GenerateAccount()
	if err != nil {
		return nil, err
	}
	return &AccountKey{account: account}, nil
}

// ResolveKeySource is the environment-level choice: a configured seed selects
// the durable key, an empty seed selects an ephemeral one. Callers see the
// same contract either way.
func ResolveKeySource(seedHex string, logger *slog.Logger) (KeySource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if seedHex != "" {
		key, err := NewDurableKey(seedHex)
		if err != nil {
			return nil, err
		}
		logger.Info("signing: using durable key", "address", key.Address())
		return key, nil
	}
	key, err := NewEphemeralKey()
	if err != nil {
		return nil, err
	}
	logger.Warn("signing: no seed configured, using ephemeral key", "address", key.Address())
	return key, nil
}
