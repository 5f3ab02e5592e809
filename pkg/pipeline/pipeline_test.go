package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrails/tollgate/pkg/audit"
	"github.com/agentrails/tollgate/pkg/authn"
	"github.com/agentrails/tollgate/pkg/broadcast"
	"github.com/agentrails/tollgate/pkg/gatekeeper"
	"github.com/agentrails/tollgate/pkg/group"
	"github.com/agentrails/tollgate/pkg/signing"
)

type fakeValidator struct {
	calls int
	err   error
}

func (f *fakeValidator) Validate(export *group.SandboxExport) (*gatekeeper.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &gatekeeper.Result{Valid: true, TollRuleOK: true, SignerRuleOK: true, Members: 2}, nil
}

type fakeAuth struct {
	calls int
	err   error
}

func (f *fakeAuth) Authenticate(ctx context.Context, agentID string) (*authn.Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	return &authn.Token{Token: "opaque", AgentID: agentID, IssuedAt: now, ExpiresAt: now.Add(time.Minute), Method: "jwt"}, nil
}

type fakeSigner struct {
	calls int
	err   error
}

func (f *fakeSigner) Sign(ctx context.Context, unsigned [][]byte, token *authn.Token) (*signing.SignedGroupResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &signing.SignedGroupResult{
		SignedTransactions: unsigned,
		SignerAddress:      "signer-addr",
		TxnCount:           len(unsigned),
	}, nil
}

type fakeBroadcaster struct {
	calls int
	err   error
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, signed [][]byte) (*broadcast.Settlement, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &broadcast.Settlement{TxnID: "txn-1", ConfirmedRound: 7, GroupID: "gid"}, nil
}

type recordingSink struct {
	events []audit.Event
	err    error
}

func (s *recordingSink) Emit(ctx context.Context, event audit.Event) error {
	s.events = append(s.events, event)
	return s.err
}

type stages struct {
	validator   *fakeValidator
	auth        *fakeAuth
	signer      *fakeSigner
	broadcaster *fakeBroadcaster
	sink        *recordingSink
}

func newExecutor(t *testing.T, s *stages) *Executor {
	t.Helper()
	exec, err := NewExecutor(s.validator, s.auth, s.signer, s.broadcaster, s.sink, nil)
	require.NoError(t, err)
	return exec
}

func testExport() *group.SandboxExport {
	return &group.SandboxExport{
		SandboxID: "sb-1",
		AtomicGroup: group.UnsignedAtomicGroup{
			ID:           "gid",
			Transactions: [][]byte{[]byte("txn-a"), []byte("txn-b")},
		},
		Routing:   group.Routing{RequiredSigner: "agent-addr"},
		BatchSize: 1,
	}
}

func TestExecuteSettles(t *testing.T) {
	s := &stages{&fakeValidator{}, &fakeAuth{}, &fakeSigner{}, &fakeBroadcaster{}, &recordingSink{}}
	exec := newExecutor(t, s)

	res := exec.Execute(context.Background(), testExport(), "agent-1")
	require.True(t, res.Success)
	require.NotNil(t, res.Settlement)
	assert.Empty(t, res.FailedStage)
	assert.Empty(t, res.Error)
	assert.Equal(t, "txn-1", res.Settlement.TxnID)
	assert.Equal(t, "agent-1", res.AgentID)
	assert.Equal(t, "sb-1", res.SandboxID)

	require.Len(t, s.sink.events, 1)
	assert.Equal(t, "pipeline_settled", s.sink.events[0].Action)
}

func TestExecuteAbortsAtEachStage(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name       string
		configure  func(*stages)
		stage      Stage
		wantCalls  func(*stages) [4]int
	}{
		{
			name:      "validation",
			configure: func(s *stages) { s.validator.err = boom },
			stage:     StageValidation,
			wantCalls: func(s *stages) [4]int { return [4]int{1, 0, 0, 0} },
		},
		{
			name:      "auth",
			configure: func(s *stages) { s.auth.err = boom },
			stage:     StageAuth,
			wantCalls: func(s *stages) [4]int { return [4]int{1, 1, 0, 0} },
		},
		{
			name:      "sign",
			configure: func(s *stages) { s.signer.err = boom },
			stage:     StageSign,
			wantCalls: func(s *stages) [4]int { return [4]int{1, 1, 1, 0} },
		},
		{
			name:      "broadcast",
			configure: func(s *stages) { s.broadcaster.err = boom },
			stage:     StageBroadcast,
			wantCalls: func(s *stages) [4]int { return [4]int{1, 1, 1, 1} },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &stages{&fakeValidator{}, &fakeAuth{}, &fakeSigner{}, &fakeBroadcaster{}, &recordingSink{}}
			tc.configure(s)
			exec := newExecutor(t, s)

			res := exec.Execute(context.Background(), testExport(), "agent-1")
			require.False(t, res.Success)
			assert.Equal(t, tc.stage, res.FailedStage)
			assert.Contains(t, res.Error, "boom")
			assert.Nil(t, res.Settlement)

			want := tc.wantCalls(s)
			got := [4]int{s.validator.calls, s.auth.calls, s.signer.calls, s.broadcaster.calls}
			assert.Equal(t, want, got, "no stage may run after a failure")

			require.Len(t, s.sink.events, 1)
			assert.Equal(t, "pipeline_aborted", s.sink.events[0].Action)
		})
	}
}

func TestExecuteClassifiesPolicyBreach(t *testing.T) {
	s := &stages{&fakeValidator{}, &fakeAuth{}, &fakeSigner{}, &fakeBroadcaster{}, &recordingSink{}}
	s.broadcaster.err = broadcast.Classify(errors.New("txn rejected by logic"))
	exec := newExecutor(t, s)

	res := exec.Execute(context.Background(), testExport(), "agent-1")
	require.False(t, res.Success)
	assert.Equal(t, StageBroadcast, res.FailedStage)
	assert.True(t, res.PolicyBreach)
	assert.Contains(t, res.Error, "policy breach")

	// A broadcast error without the marker is not a policy breach.
	s2 := &stages{&fakeValidator{}, &fakeAuth{}, &fakeSigner{}, &fakeBroadcaster{}, &recordingSink{}}
	s2.broadcaster.err = errors.New("connection reset by peer")
	res2 := newExecutor(t, s2).Execute(context.Background(), testExport(), "agent-1")
	assert.False(t, res2.PolicyBreach)
	assert.NotEqual(t, res.Error, res2.Error)
}

func TestExecuteAuditFailureDoesNotChangeOutcome(t *testing.T) {
	s := &stages{&fakeValidator{}, &fakeAuth{}, &fakeSigner{}, &fakeBroadcaster{}, &recordingSink{err: errors.New("sink down")}}
	exec := newExecutor(t, s)

	res := exec.Execute(context.Background(), testExport(), "agent-1")
	assert.True(t, res.Success, "audit emission must be best-effort")
}

func TestExecuteNilExport(t *testing.T) {
	s := &stages{&fakeValidator{}, &fakeAuth{}, &fakeSigner{}, &fakeBroadcaster{}, &recordingSink{}}
	exec := newExecutor(t, s)

	res := exec.Execute(context.Background(), nil, "agent-1")
	require.False(t, res.Success)
	assert.Equal(t, StageValidation, res.FailedStage)
	assert.Zero(t, s.validator.calls)
}
