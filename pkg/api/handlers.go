package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentrails/tollgate/pkg/authn"
	"github.com/agentrails/tollgate/pkg/group"
	"github.com/agentrails/tollgate/pkg/pipeline"
	"github.com/agentrails/tollgate/pkg/slippage"
)

// SlippageHeader lets callers override the slippage tolerance for one group
// construction, in basis points.
const SlippageHeader = "X-Slippage-Bips"

// GroupBuilder constructs sandbox exports (see pkg/group).
type GroupBuilder interface {
	Build(ctx context.Context, req group.BuildRequest) (*group.SandboxExport, error)
}

// Pipeline runs one settlement attempt (see pkg/pipeline).
type Pipeline interface {
	Execute(ctx context.Context, export *group.SandboxExport, agentID string) *pipeline.ExecutionResult
}

// Server exposes the two gated entry points plus health.
type Server struct {
	builder  GroupBuilder
	pipeline Pipeline
	// resolver is optional; when set, execution requests must carry a
	// verifiable credential and the agent identity is taken from it.
	resolver authn.CredentialResolver
	logger   *slog.Logger
}

// NewServer wires the HTTP surface. resolver may be nil.
func NewServer(builder GroupBuilder, pipe Pipeline, resolver authn.CredentialResolver, logger *slog.Logger) (*Server, error) {
	if builder == nil || pipe == nil {
		return nil, errors.New("api: builder and pipeline are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{builder: builder, pipeline: pipe, resolver: resolver, logger: logger}, nil
}

// Routes mounts the handlers. gate is the admission middleware applied to
// the gated entry points; health stays outside it so probes are never rate
// limited. Pass nil to mount without admission control.
func (s *Server) Routes(gate func(http.Handler) http.Handler) http.Handler {
	gated := http.NewServeMux()
	gated.HandleFunc("POST /v1/groups", s.handleBuildGroup)
	gated.HandleFunc("POST /v1/settlements", s.handleExecute)

	var inner http.Handler = gated
	if gate != nil {
		inner = gate(gated)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/v1/", inner)
	return RequestID(Logging(s.logger)(mux))
}

type buildGroupRequest struct {
	SenderAddress        string `json:"senderAddress"`
	Amount               uint64 `json:"amount"`
	DestinationChain     string `json:"destinationChain"`
	DestinationRecipient string `json:"destinationRecipient"`
	BatchSize            int    `json:"batchSize,omitempty"`
}

func (s *Server) handleBuildGroup(w http.ResponseWriter, r *http.Request) {
	var req buildGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.SenderAddress == "" {
		WriteBadRequest(w, "senderAddress is required")
		return
	}
	if req.Amount == 0 {
		WriteBadRequest(w, "amount must be positive")
		return
	}
	if req.DestinationChain == "" || req.DestinationRecipient == "" {
		WriteBadRequest(w, "destinationChain and destinationRecipient are required")
		return
	}

	tolerance, err := toleranceFromHeader(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	export, err := s.builder.Build(r.Context(), group.BuildRequest{
		SenderAddress:        req.SenderAddress,
		Amount:               req.Amount,
		DestinationChain:     req.DestinationChain,
		DestinationRecipient: req.DestinationRecipient,
		ToleranceBips:        tolerance,
		BatchSize:            req.BatchSize,
	})
	if err != nil {
		var terr *slippage.ToleranceError
		if errors.As(err, &terr) || errors.Is(err, slippage.ErrToleranceNegative) {
			WriteUnprocessable(w, err.Error())
			return
		}
		if errors.Is(err, group.ErrAmountTooLarge) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, export)
}

type executeRequest struct {
	SandboxExport *group.SandboxExport `json:"sandboxExport"`
	AgentID       string               `json:"agentId"`
	Credential    string               `json:"credential,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.SandboxExport == nil {
		WriteBadRequest(w, "sandboxExport is required")
		return
	}

	agentID := req.AgentID
	if s.resolver != nil {
		if req.Credential == "" {
			WriteUnauthorized(w, "a verifiable credential is required")
			return
		}
		cred, err := s.resolver.Verify(r.Context(), req.Credential)
		if err != nil {
			s.logger.Info("api: credential rejected", "error", err)
			WriteUnauthorized(w, "credential verification failed")
			return
		}
		agentID = cred.Subject
	}
	if agentID == "" {
		WriteBadRequest(w, "agentId is required")
		return
	}

	// The pipeline always returns a terminal result; failed runs are a
	// payload, not an HTTP error.
	result := s.pipeline.Execute(r.Context(), req.SandboxExport, agentID)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toleranceFromHeader(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(SlippageHeader))
	if raw == "" {
		return slippage.DefaultToleranceBips, nil
	}
	bips, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", SlippageHeader)
	}
	return bips, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
