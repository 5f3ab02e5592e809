// Package broadcast submits signed groups to the ledger network and
// classifies rejections. Broadcast is the only pipeline stage with an
// irreversible, network-visible side effect: once submitted, the attempt
// cannot be cancelled.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentrails/tollgate/pkg/ledger"
)

// Settlement is the confirmed on-chain outcome.
type Settlement struct {
	TxnID          string `json:"txnId"`
	ConfirmedRound uint64 `json:"confirmedRound"`
	GroupID        string `json:"groupId"`
}

// PolicyBreachError marks a rejection by a pre-authorized delegated spending
// rule at consensus time. It is never retryable: the request must be
// redesigned, not resent.
type PolicyBreachError struct {
	Err error
}

func (e *PolicyBreachError) Error() string {
	return fmt.Sprintf("policy breach: delegated spending policy rejected the group: %v", e.Err)
}
func (e *PolicyBreachError) Unwrap() error { return e.Err }

// IsPolicyBreach reports whether err carries a policy breach classification.
func IsPolicyBreach(err error) bool {
	var breach *PolicyBreachError
	return errors.As(err, &breach)
}

// policyMarkers are the human-readable rejection fragments older nodes emit.
// Text matching is a compatibility shim only; structured rejection codes are
// authoritative when present. The wording contract is fragile — keep this
// list in sync with the node release notes.
var policyMarkers = []string{
	"rejected by logic",
	"logic eval error",
	"delegation policy violation",
}

// Classify wraps err in a PolicyBreachError when the ledger rejection
// indicates a delegated-policy refusal. Structured codes are checked first;
// marker substrings are the fallback.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if submitErr, ok := ledger.AsSubmitError(err); ok {
		if submitErr.Code == ledger.RejectDelegationPolicy {
			return &PolicyBreachError{Err: err}
		}
		if submitErr.Code != "" {
			// A structured non-policy code is authoritative; skip the text
			// shim.
			return err
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range policyMarkers {
		if strings.Contains(msg, marker) {
			return &PolicyBreachError{Err: err}
		}
	}
	return err
}

// Broadcaster submits signed bytes through a ledger client.
type Broadcaster struct {
	client ledger.Client
}

// New builds a broadcaster.
func New(client ledger.Client) (*Broadcaster, error) {
	if client == nil {
		return nil, errors.New("broadcast: ledger client is required")
	}
	return &Broadcaster{client: client}, nil
}

// Broadcast submits the signed group and returns the settlement or a
// classified failure.
func (b *Broadcaster) Broadcast(ctx context.Context, signed [][]byte) (*Settlement, error) {
	if len(signed) == 0 {
		return nil, errors.New("broadcast: nothing to submit")
	}

	result, err := b.client.Submit(ctx, signed)
	if err != nil {
		return nil, Classify(err)
	}

	// Some nodes omit the transaction id from their submit response; derive
	// it locally so the settlement record is always complete.
	if result.TxnID == "" {
		stx, err := ledger.DecodeSigned(signed[0])
		if err != nil {
			return nil, fmt.Errorf("broadcast: derive txn id: %w", err)
		}
		id, err := ledger.TxID(stx.Txn)
		if err != nil {
			return nil, fmt.Errorf("broadcast: derive txn id: %w", err)
		}
		result.TxnID = id
	}

	return &Settlement{
		TxnID:          result.TxnID,
		ConfirmedRound: result.ConfirmedRound,
		GroupID:        result.GroupID,
	}, nil
}
