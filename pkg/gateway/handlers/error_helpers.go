package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	e, status := apierror.FromError(err, reqID)
	apierror.Write(w, reqID, e, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, reqID, &apierror.Error{
		Type:    apierror.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	}, http.StatusMethodNotAllowed)
}

// decodeBody reads a single JSON object of at most limit bytes.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "request body too large", Code: "body_too_large"}
		case errors.Is(err, io.EOF):
			return &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "request body is required"}
		default:
			return &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "invalid JSON body: " + err.Error()}
		}
	}
	if dec.More() {
		return &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "request body must be a single JSON object"}
	}
	return nil
}
