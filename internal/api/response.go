package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"taskrunner/internal/apperrors"
)

// envelope is the uniform response shape: {data, error, msg, result}.
type envelope struct {
	Result bool   `json:"result"`
	Msg    string `json:"msg"`
	Error  string `json:"error"`
	Data   any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// respond writes a success envelope.
func respond(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Result: true, Msg: msg, Data: data})
}

// respondError maps an application error onto the envelope: the error kind,
// the message, and per-field or diagnostic payload as data.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	var data any
	if fields := apperrors.FieldErrors(err); fields != nil {
		data = fields
	} else if detail := apperrors.DetailOf(err); detail != nil {
		data = map[string]any{"cluster_response": detail}
	}

	writeJSON(w, status, envelope{
		Result: false,
		Msg:    err.Error(),
		Error:  apperrors.Kind(err),
		Data:   data,
	})
}
