package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody mirrors the API error envelope: {"error":{"code":"...","message":"..."}}.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes a JSON error response from middleware that runs before the
// API handlers, records the code for request logging, and sets it on ctx.
func writeError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = SetErrorCode(ctx, code)
	UpdateResponseContext(w, ctx)

	var body errorBody
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}
