package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tomledger/dpl/pkg/ledger"
	"github.com/tomledger/dpl/pkg/log"
	"github.com/tomledger/dpl/pkg/metrics"
)

// Version is the ledger server's reported version, surfaced on /status.
const Version = "0.1.0"

// statusCodes maps an engine error Kind onto the HTTP status the server
// reports for it, per the wire protocol's error table.
var statusCodes = map[ledger.Kind]int{
	ledger.KindNotFound:         http.StatusNotFound,
	ledger.KindAlreadyExists:    http.StatusConflict,
	ledger.KindAborted:          http.StatusConflict,
	ledger.KindNotRunning:       http.StatusConflict,
	ledger.KindNonEmptyStack:    http.StatusConflict,
	ledger.KindDuplicateCallId:  http.StatusConflict,
	ledger.KindNotTop:           http.StatusConflict,
	ledger.KindUnknownCallId:    http.StatusConflict,
	ledger.KindDuplicate:        http.StatusConflict,
	ledger.KindUnknown:          http.StatusConflict,
	ledger.KindMalformed:        http.StatusBadRequest,
	ledger.KindLockTimeout:      http.StatusServiceUnavailable,
	ledger.KindPermissionDenied: http.StatusForbidden,
}

func statusFor(kind ledger.Kind) int {
	if code, ok := statusCodes[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Server is the HTTP projection of a ledger.Engine. It is stateless: every
// request carries participantId in its body and the server simply forwards
// to the engine, returning the engine's result verbatim.
type Server struct {
	engine    ledger.Engine
	mux       *http.ServeMux
	startedAt time.Time
	basePath  string
	port      int
}

// NewServer builds a Server over engine. basePath and port are only used to
// populate /status.
func NewServer(engine ledger.Engine, basePath string, port int) *Server {
	s := &Server{
		engine:    engine,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
		basePath:  basePath,
		port:      port,
	}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/operations", s.handleOperations)
	s.mux.HandleFunc("/operations/", s.handleOperationByID)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Handler returns the server's http.Handler, wrapped with request-logging
// middleware, for embedding in a custom http.Server.
func (s *Server) Handler() http.Handler {
	return withLogging(s.mux)
}

// ListenAndServe starts the ledger server on addr and blocks until it exits.
func (s *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info("ledger server listening on " + addr)
	return httpServer.ListenAndServe()
}

type statusResponse struct {
	Service  string `json:"service"`
	Version  string `json:"version"`
	Port     int    `json:"port"`
	BasePath string `json:"basePath"`
	UptimeMs int64  `json:"uptimeMs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Service:  "ledger_server",
		Version:  Version,
		Port:     s.port,
		BasePath: s.basePath,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	})
}

type createOperationRequest struct {
	OperationID   string            `json:"operationId"`
	InitiatorID   string            `json:"initiatorId"`
	ParticipantID string            `json:"participantId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ledger.NewError(ledger.KindMalformed, "invalid request body", err))
		return
	}
	initiator := req.InitiatorID
	if initiator == "" {
		initiator = req.ParticipantID
	}
	d, err := s.engine.CreateOperation(r.Context(), req.OperationID, initiator, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeLedgerDocument(w, http.StatusCreated, d)
}

// actionRequest is the body shape for every POST /operations/:id request:
// participantId plus the action to dispatch and its arguments.
type actionRequest struct {
	ParticipantID string `json:"participantId"`
	Action        string `json:"action"`
	CallID        string `json:"callId,omitempty"`
	PID           int    `json:"pid,omitempty"`
	FailOnCrash   bool   `json:"failOnCrash,omitempty"`
	Description   string `json:"description,omitempty"`
	Path          string `json:"path,omitempty"`
	Reason        string `json:"reason,omitempty"`
	TimeoutMs     int64  `json:"timeoutMs,omitempty"`
}

func (s *Server) handleOperationByID(w http.ResponseWriter, r *http.Request) {
	operationID := strings.TrimPrefix(r.URL.Path, "/operations/")
	if operationID == "" || strings.Contains(operationID, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.readState(w, r, operationID)
	case http.MethodPost:
		s.dispatch(w, r, operationID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) readState(w http.ResponseWriter, r *http.Request, operationID string) {
	d, err := s.engine.ReadState(r.Context(), operationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeLedgerDocument(w, http.StatusOK, d)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, operationID string) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ledger.NewError(ledger.KindMalformed, "invalid request body", err))
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "pushFrame":
		d, err := s.engine.PushCallFrame(ctx, ledger.PushCallFrameInput{
			OperationID:   operationID,
			ParticipantID: req.ParticipantID,
			CallID:        req.CallID,
			PID:           req.PID,
			FailOnCrash:   req.FailOnCrash,
			Description:   req.Description,
		})
		respondLedger(w, d, err)
	case "popFrame":
		d, err := s.engine.PopCallFrame(ctx, operationID, req.CallID)
		respondLedger(w, d, err)
	case "heartbeat":
		result, err := s.engine.Heartbeat(ctx, operationID, req.ParticipantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "registerResource":
		d, err := s.engine.RegisterResource(ctx, operationID, req.CallID, req.Path)
		respondLedger(w, d, err)
	case "releaseResource":
		d, err := s.engine.ReleaseResource(ctx, operationID, req.Path)
		respondLedger(w, d, err)
	case "abort":
		d, err := s.engine.Abort(ctx, operationID, req.Reason)
		respondLedger(w, d, err)
	case "complete":
		d, err := s.engine.Complete(ctx, operationID)
		respondLedger(w, d, err)
	case "sweepStale":
		d, err := s.engine.SweepStale(ctx, operationID, req.TimeoutMs)
		respondLedger(w, d, err)
	default:
		writeError(w, ledger.NewError(ledger.KindMalformed, "unknown action "+req.Action, nil))
	}
}

func respondLedger(w http.ResponseWriter, d *ledger.LedgerData, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeLedgerDocument(w, http.StatusOK, d)
}

func writeLedgerDocument(w http.ResponseWriter, status int, d *ledger.LedgerData) {
	body, err := ledger.Encode(d)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

type errorEnvelope struct {
	Error struct {
		Kind    ledger.Kind `json:"kind"`
		Message string      `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	var env errorEnvelope
	env.Error.Kind = kind
	env.Error.Message = err.Error()
	writeJSON(w, statusFor(kind), env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("api: failed to write response: %v", err)
	}
}
