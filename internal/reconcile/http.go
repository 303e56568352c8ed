package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/types"
)

// Authorizer validates that a caller may touch a particular board. Actual
// identity verification happens upstream; this hook only exists so deployments
// can plug their check in front of the merge core.
type Authorizer interface {
	Authorize(ctx context.Context, board types.BoardID) error
}

// AllowAllAuthorizer is used when callers have already been validated upstream.
type AllowAllAuthorizer struct{}

// Authorize implements Authorizer.
func (AllowAllAuthorizer) Authorize(context.Context, types.BoardID) error { return nil }

// BoardReader lists the durable objects of a board for state hydration.
type BoardReader interface {
	ListBoardObjects(ctx context.Context, board types.BoardID) ([]types.Object, error)
}

// reconcileRequest mirrors the wire contract of the reconciliation endpoint.
type reconcileRequest struct {
	BoardID types.BoardID  `json:"board_id"`
	Changes []types.Change `json:"changes"`
}

type reconcileResponse struct {
	Merged int `json:"merged"`
}

// HTTPHandler exposes the reconciliation endpoint and board state hydration:
//
//	POST /boards/{id}/reconcile
//	GET  /boards/{id}/state
type HTTPHandler struct {
	svc    *Service
	reader BoardReader
	auth   Authorizer
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler. A nil authorizer allows everything.
func NewHTTPHandler(svc *Service, reader BoardReader, auth Authorizer, logger zerolog.Logger) *HTTPHandler {
	if auth == nil {
		auth = AllowAllAuthorizer{}
	}
	return &HTTPHandler{svc: svc, reader: reader, auth: auth, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "boards" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	board := types.BoardID(parts[1])

	if err := h.auth.Authorize(r.Context(), board); err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	switch {
	case parts[2] == "reconcile" && r.Method == http.MethodPost:
		h.handleReconcile(w, r, board)
	case parts[2] == "state" && r.Method == http.MethodGet:
		h.handleState(w, r, board)
	case parts[2] == "reconcile" || parts[2] == "state":
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// handleReconcile merges the submitted batch. Empty or malformed payloads
// reconcile zero changes; they are not an error at this boundary. The board
// was authorized from the URL path; a body naming a different board is
// rejected rather than silently rerouting the batch past the authorizer.
func (h *HTTPHandler) handleReconcile(w http.ResponseWriter, r *http.Request, board types.BoardID) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug().Err(err).Str("board", string(board)).Msg("undecodable reconcile payload")
		writeJSON(w, reconcileResponse{Merged: 0})
		return
	}
	if req.BoardID != "" && req.BoardID != board {
		h.logger.Warn().Str("board", string(board)).Str("body_board", string(req.BoardID)).Msg("reconcile body names a different board")
		http.Error(w, "board id mismatch", http.StatusBadRequest)
		return
	}

	merged := h.svc.Reconcile(r.Context(), board, req.Changes)
	writeJSON(w, reconcileResponse{Merged: merged})
}

func (h *HTTPHandler) handleState(w http.ResponseWriter, r *http.Request, board types.BoardID) {
	if h.reader == nil {
		http.Error(w, "board state not available", http.StatusNotImplemented)
		return
	}
	objects, err := h.reader.ListBoardObjects(r.Context(), board)
	if err != nil {
		h.logger.Error().Err(err).Str("board", string(board)).Msg("board state read failed")
		http.Error(w, "board state read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		BoardID types.BoardID  `json:"board_id"`
		Objects []types.Object `json:"objects"`
	}{BoardID: board, Objects: objects})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
