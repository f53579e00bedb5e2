package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/claude-cto/ctod/internal/errs"
	"github.com/claude-cto/ctod/internal/orchestrator"
)

type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
	CrashID string `json:"crash_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a handler error to its HTTP status per spec §7's
// propagation rules: known validation -> 400, not found -> 404, everything
// else -> 500 with a server-side crash log identifier.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var validationErr *errs.ValidationError
	var invalidDep *orchestrator.ErrInvalidDependency
	var cycleErr *orchestrator.ErrCycleDetected
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_error", Detail: validationErr.Error()})
	case errors.As(err, &invalidDep):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_dependency", Detail: invalidDep.Error()})
	case errors.As(err, &cycleErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cycle_detected", Detail: cycleErr.Error()})
	default:
		var notFoundErr *errs.NotFoundError
		if errors.As(err, &notFoundErr) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: notFoundErr.Error()})
			return
		}
		crashID := uuid.NewString()
		logger.Error("unhandled api error", "crash_id", crashID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", CrashID: crashID})
	}
}
