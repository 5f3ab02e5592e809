// Package gatekeeper proves, from raw unsigned bytes alone, that a proposed
// atomic group pays the configured toll to the configured treasury and is
// signed only by the declared party. It runs strictly before authentication
// and signing and is deterministic: no network calls, no randomness.
package gatekeeper

import (
	"fmt"
	"strings"

	"github.com/agentrails/tollgate/pkg/group"
	"github.com/agentrails/tollgate/pkg/ledger"
)

// GroupIntegrityError reports a member whose embedded group identifier does
// not match the identifier recomputed over the whole group. Always fatal,
// checked before any toll or signer rule.
type GroupIntegrityError struct {
	Index int
	Want  string
	Got   string
}

func (e *GroupIntegrityError) Error() string {
	return fmt.Sprintf("group integrity: member %d carries group %q, recomputed %q", e.Index, e.Got, e.Want)
}

// TollViolation is a broken toll rule: wrong transfer count or wrong
// receiver.
type TollViolation struct {
	Index  int // -1 for count violations
	Reason string
}

func (e *TollViolation) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("toll rule: member %d: %s", e.Index, e.Reason)
	}
	return "toll rule: " + e.Reason
}

// SignerViolation is a member whose sender is not the declared required
// signer.
type SignerViolation struct {
	Index int
	Want  string
	Got   string
}

func (e *SignerViolation) Error() string {
	return fmt.Sprintf("signer rule: member %d sent by %q, required signer is %q", e.Index, e.Got, e.Want)
}

// ValidationError aggregates every rule violation found in one pass. Partial
// passes do not exist: either all rules hold or the whole group is rejected
// with the full list attached.
type ValidationError struct {
	Violations []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("validation failed (%d violations): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual violations to errors.Is / errors.As.
func (e *ValidationError) Unwrap() []error { return e.Violations }

// Result reports which rules held for a valid group.
type Result struct {
	Valid        bool
	TollRuleOK   bool
	SignerRuleOK bool
	Members      int
}

// Config fixes the toll terms the gatekeeper enforces.
type Config struct {
	TollAssetID     uint64
	TreasuryAddress string
}

// Gatekeeper validates sandbox exports.
type Gatekeeper struct {
	cfg Config
}

// New builds a gatekeeper for the given toll terms.
func New(cfg Config) *Gatekeeper {
	return &Gatekeeper{cfg: cfg}
}

// Validate checks export and returns a Result only when every rule holds.
//
// Order of checks:
//  1. decode every member (first failure is fatal, no partial validation)
//  2. recompute the group identifier and compare against the declared one and
//     every member's embedded one (fatal)
//  3. toll rule and signer rule, with all violations collected
func (g *Gatekeeper) Validate(export *group.SandboxExport) (*Result, error) {
	members := export.AtomicGroup.Transactions
	if len(members) == 0 {
		return nil, &ledger.DecodeError{Err: fmt.Errorf("group has no members")}
	}

	decoded := make([]ledger.Transaction, len(members))
	for i, raw := range members {
		txn, err := ledger.DecodeUnsigned(raw)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		decoded[i] = *txn
	}

	recomputed, err := ledger.GroupID(decoded)
	if err != nil {
		return nil, err
	}
	if export.AtomicGroup.ID != recomputed {
		return nil, &GroupIntegrityError{Index: -1, Want: recomputed, Got: export.AtomicGroup.ID}
	}
	for i, txn := range decoded {
		if txn.Group != recomputed {
			return nil, &GroupIntegrityError{Index: i, Want: recomputed, Got: txn.Group}
		}
	}

	var violations []error
	violations = append(violations, g.checkToll(decoded, export.BatchSize)...)
	violations = append(violations, checkSigner(decoded, export.Routing.RequiredSigner)...)
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	return &Result{
		Valid:        true,
		TollRuleOK:   true,
		SignerRuleOK: true,
		Members:      len(decoded),
	}, nil
}

// checkToll enforces: exactly batchSize transfers of the toll asset, every
// one paying the treasury.
func (g *Gatekeeper) checkToll(txns []ledger.Transaction, batchSize int) []error {
	if batchSize <= 0 {
		batchSize = 1
	}

	var violations []error
	var count int
	for i, txn := range txns {
		if txn.Type != ledger.TxAssetTransfer || txn.AssetID != g.cfg.TollAssetID {
			continue
		}
		count++
		if txn.Receiver != g.cfg.TreasuryAddress {
			violations = append(violations, &TollViolation{
				Index:  i,
				Reason: fmt.Sprintf("toll paid to %q, expected treasury %q", txn.Receiver, g.cfg.TreasuryAddress),
			})
		}
	}
	if count != batchSize {
		violations = append(violations, &TollViolation{
			Index:  -1,
			Reason: fmt.Sprintf("expected %d toll transfer(s) of asset %d, found %d", batchSize, g.cfg.TollAssetID, count),
		})
	}
	return violations
}

func checkSigner(txns []ledger.Transaction, requiredSigner string) []error {
	var violations []error
	for i, txn := range txns {
		if txn.Sender != requiredSigner {
			violations = append(violations, &SignerViolation{Index: i, Want: requiredSigner, Got: txn.Sender})
		}
	}
	return violations
}
