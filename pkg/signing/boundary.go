// Package signing is the sole holder of signing key material. The boundary
// accepts validated, authenticated requests and returns signed bytes; every
// precondition failure is fatal and produces no partial output.
package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentrails/tollgate/pkg/authn"
	"github.com/agentrails/tollgate/pkg/ledger"
)

var (
	// ErrTokenExpired means the auth token's lifetime has passed.
	ErrTokenExpired = errors.New("signing: auth token expired")
	// ErrEmptyGroup means there is nothing to sign.
	ErrEmptyGroup = errors.New("signing: no transactions to sign")
	// ErrUngrouped means a blob carries no group identifier. Signing loose
	// transactions is refused outright.
	ErrUngrouped = errors.New("signing: transaction carries no group identifier")
	// ErrMixedGroup means the blobs span more than one group identifier — the
	// shape of a spliced-in foreign transaction.
	ErrMixedGroup = errors.New("signing: transactions belong to different groups")
)

// MalformedTokenError wraps a structural token defect, distinct from expiry.
type MalformedTokenError struct {
	Err error
}

func (e *MalformedTokenError) Error() string { return fmt.Sprintf("signing: malformed auth token: %v", e.Err) }
func (e *MalformedTokenError) Unwrap() error { return e.Err }

// SignedGroupResult is the boundary's output: signed blobs in input order,
// all signed by the same key.
type SignedGroupResult struct {
	SignedTransactions [][]byte `json:"signedTransactions"`
	SignerAddress      string   `json:"signerAddress"`
	TxnCount           int      `json:"txnCount"`
}

// Boundary signs validated transaction groups.
type Boundary struct {
	key KeySource
	now func() time.Time
}

// New builds a boundary over the given key source.
func New(key KeySource) (*Boundary, error) {
	if key == nil {
		return nil, errors.New("signing: key source is required")
	}
	return &Boundary{key: key, now: time.Now}, nil
}

// Sign checks its preconditions in order — token well-formed, token not
// expired, group non-empty, all members in one group — then signs every blob.
func (b *Boundary) Sign(ctx context.Context, unsigned [][]byte, token *authn.Token) (*SignedGroupResult, error) {
	if err := token.Wellformed(); err != nil {
		return nil, &MalformedTokenError{Err: err}
	}
	if token.Expired(b.now()) {
		return nil, ErrTokenExpired
	}
	if len(unsigned) == 0 {
		return nil, ErrEmptyGroup
	}

	txns := make([]ledger.Transaction, len(unsigned))
	groupID := ""
	for i, blob := range unsigned {
		txn, err := ledger.DecodeUnsigned(blob)
		if err != nil {
			return nil, fmt.Errorf("signing: blob %d: %w", i, err)
		}
		if txn.Group == "" {
			return nil, fmt.Errorf("%w (blob %d)", ErrUngrouped, i)
		}
		if i == 0 {
			groupID = txn.Group
		} else if txn.Group != groupID {
			return nil, fmt.Errorf("%w (blob 0 has %s, blob %d has %s)", ErrMixedGroup, groupID, i, txn.Group)
		}
		txns[i] = *txn
	}

	signed := make([][]byte, len(txns))
	for i, txn := range txns {
		blob, err := b.key.Sign(ctx, txn)
		if err != nil {
			return nil, fmt.Errorf("signing: blob %d: %w", i, err)
		}
		signed[i] = blob
	}

	return &SignedGroupResult{
		SignedTransactions: signed,
		SignerAddress:      b.key.Address(),
		TxnCount:           len(signed),
	}, nil
}
