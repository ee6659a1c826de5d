package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

const maxSmallBodySize = 64 << 10

// maxImportBodySize bounds certificate imports, which carry PEM text.
const maxImportBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads a size-limited JSON body. An empty body yields the zero
// value; malformed or oversized bodies are answered and ok is false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (req T, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return req, false
	}
	return req, true
}

func (a *API) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pki.ErrCertNotFound),
		errors.Is(err, pki.ErrNoCRL),
		errors.Is(err, identity.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pki.ErrRootExists),
		errors.Is(err, pki.ErrIntermediateExists),
		errors.Is(err, pki.ErrAlreadyRevoked),
		errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrNoRoot):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, pki.ErrInvalidPEM),
		errors.Is(err, pki.ErrInvalidSubject),
		errors.Is(err, pki.ErrUnsupportedKind),
		errors.Is(err, pki.ErrNoOwner):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrDatabaseLocked):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.writeInternalError(w, "internal error", err)
	}
}

// writeInternalError logs err and answers with msg only, so storage and
// signing details stay out of responses.
func (a *API) writeInternalError(w http.ResponseWriter, msg string, err error) {
	a.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}
