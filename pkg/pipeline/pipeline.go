// Package pipeline orchestrates settlement as an all-or-nothing sequence:
// Validating → Authenticating → Signing → Broadcasting. A stage runs only
// after the previous stage's result is fully known, and any failure aborts
// the run with the failing stage precisely identified. The pipeline never
// retries a stage; retry belongs to the caller or the payment interceptor.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentrails/tollgate/pkg/audit"
	"github.com/agentrails/tollgate/pkg/authn"
	"github.com/agentrails/tollgate/pkg/broadcast"
	"github.com/agentrails/tollgate/pkg/gatekeeper"
	"github.com/agentrails/tollgate/pkg/group"
	"github.com/agentrails/tollgate/pkg/signing"
)

// Stage names a pipeline stage in failure reports.
type Stage string

const (
	StageValidation Stage = "validation"
	StageAuth       Stage = "auth"
	StageSign       Stage = "sign"
	StageBroadcast  Stage = "broadcast"
)

// ExecutionResult is the terminal record of one run. Exactly one of
// (Success with Settlement) or (FailedStage with Error) holds.
type ExecutionResult struct {
	Success      bool                  `json:"success"`
	FailedStage  Stage                 `json:"failedStage,omitempty"`
	Error        string                `json:"error,omitempty"`
	PolicyBreach bool                  `json:"policyBreach,omitempty"`
	AgentID      string                `json:"agentId"`
	SandboxID    string                `json:"sandboxId"`
	Settlement   *broadcast.Settlement `json:"settlement,omitempty"`
}

// Validator is the pre-flight gatekeeper stage.
type Validator interface {
	Validate(export *group.SandboxExport) (*gatekeeper.Result, error)
}

// Signer is the signing boundary stage.
type Signer interface {
	Sign(ctx context.Context, unsigned [][]byte, token *authn.Token) (*signing.SignedGroupResult, error)
}

// Broadcaster is the submission stage.
type Broadcaster interface {
	Broadcast(ctx context.Context, signed [][]byte) (*broadcast.Settlement, error)
}

// Executor runs the pipeline. All collaborators are injected once at
// construction.
type Executor struct {
	validator   Validator
	auth        authn.Authenticator
	signer      Signer
	broadcaster Broadcaster
	sink        audit.Sink
	logger      *slog.Logger
}

// NewExecutor wires the four stages and the audit sink. sink may be nil.
func NewExecutor(validator Validator, auth authn.Authenticator, signer Signer, broadcaster Broadcaster, sink audit.Sink, logger *slog.Logger) (*Executor, error) {
	if validator == nil || auth == nil || signer == nil || broadcaster == nil {
		return nil, errors.New("pipeline: all four stages must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		validator:   validator,
		auth:        auth,
		signer:      signer,
		broadcaster: broadcaster,
		sink:        sink,
		logger:      logger,
	}, nil
}

// Execute runs one settlement attempt end to end. It always returns a
// terminal result; stage errors are mapped, never swallowed.
func (e *Executor) Execute(ctx context.Context, export *group.SandboxExport, agentID string) *ExecutionResult {
	if export == nil {
		return e.abort(ctx, agentID, "", StageValidation, errors.New("pipeline: nil sandbox export"))
	}

	// Validating: deterministic, side-effect free. Nothing has been signed or
	// sent before this stage completes.
	result, err := e.validator.Validate(export)
	if err != nil {
		return e.abort(ctx, agentID, export.SandboxID, StageValidation, err)
	}
	e.logger.Debug("pipeline: validation passed", "sandbox", export.SandboxID, "members", result.Members)

	// Authenticating: mints the one-shot token the boundary consumes.
	token, err := e.auth.Authenticate(ctx, agentID)
	if err != nil {
		return e.abort(ctx, agentID, export.SandboxID, StageAuth, err)
	}

	// Signing: first stage that produces signed bytes.
	signed, err := e.signer.Sign(ctx, export.AtomicGroup.Transactions, token)
	if err != nil {
		return e.abort(ctx, agentID, export.SandboxID, StageSign, err)
	}

	// Broadcasting: the irreversible stage. Failures here are classified so
	// callers can distinguish a policy breach from a transient fault.
	settlement, err := e.broadcaster.Broadcast(ctx, signed.SignedTransactions)
	if err != nil {
		return e.abort(ctx, agentID, export.SandboxID, StageBroadcast, err)
	}

	res := &ExecutionResult{
		Success:    true,
		AgentID:    agentID,
		SandboxID:  export.SandboxID,
		Settlement: settlement,
	}
	e.emit(ctx, audit.EventSettlement, "pipeline_settled", res, map[string]any{
		"txnId":          settlement.TxnID,
		"confirmedRound": settlement.ConfirmedRound,
		"groupId":        settlement.GroupID,
		"signer":         signed.SignerAddress,
	})
	return res
}

func (e *Executor) abort(ctx context.Context, agentID, sandboxID string, stage Stage, err error) *ExecutionResult {
	res := &ExecutionResult{
		Success:      false,
		FailedStage:  stage,
		Error:        err.Error(),
		PolicyBreach: broadcast.IsPolicyBreach(err),
		AgentID:      agentID,
		SandboxID:    sandboxID,
	}
	e.logger.Warn("pipeline: aborted",
		"stage", string(stage),
		"agent", agentID,
		"sandbox", sandboxID,
		"policy_breach", res.PolicyBreach,
		"error", err)
	e.emit(ctx, audit.EventPipeline, "pipeline_aborted", res, map[string]any{
		"stage":        string(stage),
		"error":        err.Error(),
		"policyBreach": res.PolicyBreach,
	})
	return res
}

// emit records an audit event. Best-effort: sink errors are logged and never
// reach the pipeline outcome.
func (e *Executor) emit(ctx context.Context, eventType audit.EventType, action string, res *ExecutionResult, metadata map[string]any) {
	if e.sink == nil {
		return
	}
	event := audit.NewEvent(eventType, action)
	event.AgentID = res.AgentID
	event.SandboxID = res.SandboxID
	event.Metadata = metadata
	if err := e.sink.Emit(ctx, event); err != nil {
		e.logger.Warn("pipeline: audit emission failed", "action", action, "error", err)
	}
}
