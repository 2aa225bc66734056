package api

import (
	"errors"
	"net/http"

	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/credential"
	"github.com/loomhq/loom/runtime/execution"
	"github.com/loomhq/loom/runtime/ingress"
	"github.com/loomhq/loom/runtime/orchestrator"
	"github.com/loomhq/loom/runtime/steplog"
	"github.com/loomhq/loom/runtime/workflow"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

// respondError maps a runtime error to its HTTP status and writes the
// response. Unknown errors become 500s and are logged with their cause; the
// body then carries only the generic status text.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorf(r.Context(), err, "request failed")
		msg = http.StatusText(status)
	}
	respond(w, r, status, errorBody{
		StatusCode: status,
		Message:    msg,
		Error:      http.StatusText(status),
	})
}

// statusOf maps sentinel errors to status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, execution.ErrNotFound),
		errors.Is(err, steplog.ErrNotFound),
		errors.Is(err, credential.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidDefinition),
		errors.Is(err, ingress.ErrBadSignature),
		errors.Is(err, ingress.ErrUnparseableEmail),
		errors.Is(err, orchestrator.ErrNotCancellable),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ingress.ErrForbidden),
		errors.Is(err, orchestrator.ErrInactive):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errBadRequest wraps handler-level validation failures.
var errBadRequest = errors.New("bad request")
