// Package ledger defines the wire-level transaction types shared by the
// builder, the gatekeeper and the signing boundary, plus the client interface
// for the remote ledger network.
//
// Encodings are RFC 8785 canonical JSON, so a transaction's bytes — and
// therefore its group identifier and signature — are deterministic.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// TxType discriminates transaction records on the wire.
type TxType string

const (
	// TxPayment moves the chain's native unit.
	TxPayment TxType = "pay"
	// TxAssetTransfer moves units of a ledger asset.
	TxAssetTransfer TxType = "axfer"
)

// Domain separation prefixes. A group identifier, a transaction signature and
// a detached byte signature must never be valid for one another's input.
var (
	groupPrefix = []byte("TG")
	txnPrefix   = []byte("TX")
	bytesPrefix = []byte("TB")
)

// Transaction is one unsigned transaction record. The Group field embeds the
// binding hash of the atomic group the transaction belongs to; it is empty
// while the group identifier is being computed.
type Transaction struct {
	Type        TxType `json:"type"`
	Sender      string `json:"snd"`
	Receiver    string `json:"rcv"`
	AssetID     uint64 `json:"xaid,omitempty"`
	Amount      uint64 `json:"amt"`
	Fee         uint64 `json:"fee"`
	FirstValid  uint64 `json:"fv"`
	LastValid   uint64 `json:"lv"`
	ChainID     string `json:"gen"`
	GenesisHash string `json:"gh"`
	Note        string `json:"note,omitempty"`
	Group       string `json:"grp,omitempty"`
}

// DecodeError reports wire bytes that do not decode to a transaction.
// It is always fatal; a partially decoded group is never validated.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("ledger: decode transaction: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeUnsigned returns the canonical encoding of txn.
func EncodeUnsigned(txn Transaction) ([]byte, error) {
	raw, err := json.Marshal(txn)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal transaction: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize transaction: %w", err)
	}
	return canonical, nil
}

// DecodeUnsigned parses canonical wire bytes back into a transaction.
// Unknown fields are rejected so a foreign record cannot smuggle state
// through the codec.
func DecodeUnsigned(b []byte) (*Transaction, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var txn Transaction
	if err := dec.Decode(&txn); err != nil {
		return nil, &DecodeError{Err: err}
	}
	switch txn.Type {
	case TxPayment, TxAssetTransfer:
	default:
		return nil, &DecodeError{Err: fmt.Errorf("unknown transaction type %q", txn.Type)}
	}
	if txn.Sender == "" {
		return nil, &DecodeError{Err: errors.New("missing sender")}
	}
	return &txn, nil
}

// GroupID computes the binding hash over all members with their group fields
// cleared. Every member of a committed group embeds this value.
func GroupID(txns []Transaction) (string, error) {
	if len(txns) == 0 {
		return "", errors.New("ledger: group must have at least one member")
	}

	h := sha256.New()
	h.Write(groupPrefix)
	for _, txn := range txns {
		txn.Group = ""
		enc, err := EncodeUnsigned(txn)
		if err != nil {
			return "", err
		}
		h.Write(enc)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AssignGroup computes the group identifier for txns and returns copies with
// the identifier embedded in every member.
func AssignGroup(txns []Transaction) ([]Transaction, string, error) {
	gid, err := GroupID(txns)
	if err != nil {
		return nil, "", err
	}

	grouped := make([]Transaction, len(txns))
	for i, txn := range txns {
		txn.Group = gid
		grouped[i] = txn
	}
	return grouped, gid, nil
}

// TxID returns the transaction identifier: the hash of the canonical encoding
// including the embedded group field.
func TxID(txn Transaction) (string, error) {
	enc, err := EncodeUnsigned(txn)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(append(txnPrefix, enc...))
	return hex.EncodeToString(h[:]), nil
}
