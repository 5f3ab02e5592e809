package signing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentrails/tollgate/pkg/authn"
	"github.com/agentrails/tollgate/pkg/ledger"
)

func validToken() *authn.Token {
	now := time.Now()
	return &authn.Token{
		Token:     "opaque",
		AgentID:   "agent-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
		Method:    "jwt",
	}
}

func groupedBlobs(t *testing.T, senders ...string) [][]byte {
	t.Helper()
	txns := make([]ledger.Transaction, len(senders))
	for i, sender := range senders {
		txns[i] = ledger.Transaction{
			Type:       ledger.TxPayment,
			Sender:     sender,
			Receiver:   "rcv-addr",
			Amount:     uint64(100 + i),
			Fee:        1000,
			FirstValid: 1,
			LastValid:  1000,
			ChainID:    "toll-test",
		}
	}
	grouped, _, err := ledger.AssignGroup(txns)
	if err != nil {
		t.Fatal(err)
	}
	blobs := make([][]byte, len(grouped))
	for i, txn := range grouped {
		enc, err := ledger.EncodeUnsigned(txn)
		if err != nil {
			t.Fatal(err)
		}
		blobs[i] = enc
	}
	return blobs
}

func newBoundary(t *testing.T) (*Boundary, *AccountKey) {
	t.Helper()
	key, err := NewEphemeralKey()
	if err != nil {
		t.Fatal(err)
	}
	boundary, err := New(key)
	if err != nil {
		t.Fatal(err)
	}
	return boundary, key
}

func TestSignPreservesOrderAndCount(t *testing.T) {
	boundary, key := newBoundary(t)
	blobs := groupedBlobs(t, "aa", "aa", "aa")

	result, err := boundary.Sign(context.Background(), blobs, validToken())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if result.TxnCount != 3 || len(result.SignedTransactions) != 3 {
		t.Fatalf("count mismatch: %d signed, txnCount %d", len(result.SignedTransactions), result.TxnCount)
	}
	if result.SignerAddress != key.Address() {
		t.Errorf("signer %q, want %q", result.SignerAddress, key.Address())
	}

	for i, blob := range result.SignedTransactions {
		stx, err := ledger.DecodeSigned(blob)
		if err != nil {
			t.Fatalf("signed blob %d: %v", i, err)
		}
		if err := ledger.VerifySigned(stx); err != nil {
			t.Errorf("signed blob %d does not verify: %v", i, err)
		}
		// Ordering 1:1 with input: amounts were 100, 101, 102.
		if stx.Txn.Amount != uint64(100+i) {
			t.Errorf("blob %d out of order: amount %d", i, stx.Txn.Amount)
		}
		if stx.Signer != key.Address() {
			t.Errorf("blob %d signed by %q", i, stx.Signer)
		}
	}
}

func TestSignRejectsMixedGroups(t *testing.T) {
	boundary, _ := newBoundary(t)

	// Splice a member of a second group onto the first.
	blobs := append(groupedBlobs(t, "aa"), groupedBlobs(t, "aa", "aa")...)

	result, err := boundary.Sign(context.Background(), blobs, validToken())
	if !errors.Is(err, ErrMixedGroup) {
		t.Fatalf("expected ErrMixedGroup, got %v", err)
	}
	if result != nil {
		t.Fatal("partial output returned alongside error")
	}
}

func TestSignRejectsUngroupedBlob(t *testing.T) {
	boundary, _ := newBoundary(t)
	enc, err := ledger.EncodeUnsigned(ledger.Transaction{
		Type: ledger.TxPayment, Sender: "aa", Receiver: "bb", Amount: 1, Fee: 1000, FirstValid: 1, LastValid: 10, ChainID: "toll-test",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := boundary.Sign(context.Background(), [][]byte{enc}, validToken()); !errors.Is(err, ErrUngrouped) {
		t.Fatalf("expected ErrUngrouped, got %v", err)
	}
}

func TestSignRejectsEmptyInput(t *testing.T) {
	boundary, _ := newBoundary(t)
	if _, err := boundary.Sign(context.Background(), nil, validToken()); !errors.Is(err, ErrEmptyGroup) {
		t.Fatalf("expected ErrEmptyGroup, got %v", err)
	}
}

func TestSignRejectsExpiredToken(t *testing.T) {
	boundary, _ := newBoundary(t)
	token := validToken()
	token.IssuedAt = time.Now().Add(-2 * time.Minute)
	token.ExpiresAt = time.Now().Add(-time.Minute)

	if _, err := boundary.Sign(context.Background(), groupedBlobs(t, "aa"), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestSignRejectsMalformedToken(t *testing.T) {
	boundary, _ := newBoundary(t)
	now := time.Now()
	token := &authn.Token{Token: "opaque", AgentID: "agent-1", IssuedAt: now, ExpiresAt: now}

	_, err := boundary.Sign(context.Background(), groupedBlobs(t, "aa"), token)
	var merr *MalformedTokenError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MalformedTokenError, got %v", err)
	}
}

func TestDurableKeyIsDeterministic(t *testing.T) {
	seed := "0101010101010101010101010101010101010101010101010101010101010101"
	k1, err := NewDurableKey(seed)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := NewDurableKey(seed)
	if err != nil {
		t.Fatal(err)
	}
	if k1.Address() != k2.Address() {
		t.Error("same seed produced different addresses")
	}
	if !k1.Durable() {
		t.Error("seeded key not reported durable")
	}

	src, err := ResolveKeySource("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if src.(*AccountKey).Durable() {
		t.Error("ephemeral key reported durable")
	}
}
