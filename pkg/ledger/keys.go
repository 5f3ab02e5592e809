package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Account pairs an address with its ed25519 signing key. Addresses are the
// hex encoding of the public key.
type Account struct {
	Address    string
	PrivateKey ed25519.PrivateKey
}

// GenerateAccount creates a fresh throwaway account.
func GenerateAccount() (Account, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Account{}, fmt.Errorf("ledger: generate key: %w", err)
	}
	return Account{Address: AddressFromPublicKey(pub), PrivateKey: priv}, nil
}

// AccountFromSeed derives a deterministic account from a 32-byte seed.
func AccountFromSeed(seed []byte) (Account, error) {
	if len(seed) != ed25519.SeedSize {
		return Account{}, fmt.Errorf("ledger: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return Account{Address: AddressFromPublicKey(pub), PrivateKey: priv}, nil
}

// AddressFromPublicKey renders a public key as a ledger address.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// PublicKeyFromAddress parses a ledger address back into a public key.
func PublicKeyFromAddress(addr string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid address %q: %w", addr, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ledger: address %q is not a %d-byte key", addr, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// SignedTransaction is the broadcastable envelope: the transaction plus the
// signature over its domain-prefixed canonical encoding.
type SignedTransaction struct {
	Txn    Transaction `json:"txn"`
	Sig    string      `json:"sig"`
	Signer string      `json:"sgnr"`
}

// SignTransaction signs txn and returns the encoded envelope.
func SignTransaction(txn Transaction, account Account) ([]byte, error) {
	enc, err := EncodeUnsigned(txn)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(account.PrivateKey, append(txnPrefix, enc...))

	stx := SignedTransaction{
		Txn:    txn,
		Sig:    base64.StdEncoding.EncodeToString(sig),
		Signer: account.Address,
	}
	out, err := json.Marshal(stx)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal signed transaction: %w", err)
	}
	return out, nil
}

// DecodeSigned parses a signed transaction envelope.
func DecodeSigned(b []byte) (*SignedTransaction, error) {
	var stx SignedTransaction
	if err := json.Unmarshal(b, &stx); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &stx, nil
}

// VerifySigned checks the envelope's signature against its embedded signer.
func VerifySigned(stx *SignedTransaction) error {
	pub, err := PublicKeyFromAddress(stx.Signer)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(stx.Sig)
	if err != nil {
		return fmt.Errorf("ledger: invalid signature encoding: %w", err)
	}
	enc, err := EncodeUnsigned(stx.Txn)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, append(txnPrefix, enc...), sig) {
		return fmt.Errorf("ledger: signature does not verify for %s", stx.Signer)
	}
	return nil
}

// SignBytes produces a detached signature over arbitrary bytes, domain
// separated from transaction signatures. Used to bind a sender to a group
// identifier without shipping the transaction body.
func SignBytes(msg []byte, account Account) string {
	sig := ed25519.Sign(account.PrivateKey, append(bytesPrefix, msg...))
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyBytes checks a detached signature produced by SignBytes.
func VerifyBytes(addr string, msg []byte, sigB64 string) error {
	pub, err := PublicKeyFromAddress(addr)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("ledger: invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(pub, append(bytesPrefix, msg...), sig) {
		return fmt.Errorf("ledger: detached signature does not verify for %s", addr)
	}
	return nil
}
