package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ForeverLucky0901/bigModel/internal/ratelimit"
)

// detailBody is the standard error shape: {"detail": "..."}.
type detailBody struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, detailBody{Detail: msg})
}

// rateLimitBody is the 429 envelope. The embedded window info flattens into
// the error object, so clients see remaining_requests, reset_seconds, etc.
type rateLimitBody struct {
	Error rateLimitDetail `json:"error"`
}

type rateLimitDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	ratelimit.Info
}

func writeRateLimited(w http.ResponseWriter, info ratelimit.Info) {
	w.Header()["Retry-After"] = []string{strconv.FormatInt(info.ResetSeconds, 10)}
	writeJSON(w, http.StatusTooManyRequests, rateLimitBody{Error: rateLimitDetail{
		Message: fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", info.ResetSeconds),
		Type:    "rate_limit_error",
		Code:    "rate_limit_exceeded",
		Info:    info,
	}})
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
