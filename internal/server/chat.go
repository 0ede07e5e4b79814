package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
	"github.com/ForeverLucky0901/bigModel/internal/ratelimit"
	"github.com/ForeverLucky0901/bigModel/internal/telemetry"
	"github.com/ForeverLucky0901/bigModel/internal/upstream"
)

// maxBodyBytes caps request bodies; chat payloads beyond this are hostile.
const maxBodyBytes = 10 << 20

// relayResult is what the relay phase hands to accounting: the committed
// status, observed token totals, and how the pool should hear about it.
type relayResult struct {
	status   int
	usage    proxy.Usage
	errType  string
	errMsg   string
	clean    bool // clean completion -> pool success
	keyFault bool // failure attributable to the upstream key -> pool failure
}

// handleChatCompletions runs the admission-to-accounting pipeline for one
// chat completion. Every step short-circuits with its own status code;
// once an upstream key is selected, every terminal outcome produces an
// audit row.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cred := proxy.CredentialFromContext(r.Context())
	if cred == nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var req proxy.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeDetail(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	est := s.deps.Tokens.EstimateRequest(&req)

	// Per-credential limit, with the key's own ceilings when set.
	if s.deps.Limiter != nil {
		limits := s.deps.KeyLimits
		if cred.Key.RPMLimit != nil {
			limits.RPM = *cred.Key.RPMLimit
		}
		if cred.Key.TPMLimit != nil {
			limits.TPM = *cred.Key.TPMLimit
		}
		allowed, info := s.deps.Limiter.Check(r.Context(), ratelimit.ScopeKey, cred.Key.Key, limits, int64(est))
		if !allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("key").Inc()
			}
			writeRateLimited(w, info)
			return
		}
	}

	if !cred.Key.ModelAllowed(req.Model) {
		writeDetail(w, http.StatusBadRequest,
			fmt.Sprintf("Model %s is not allowed for this API key", req.Model))
		return
	}

	ok, reason, err := s.deps.Usage.CheckQuota(r.Context(), cred.User.ID, est)
	if err != nil {
		slog.Error("quota check failed", "user_id", cred.User.ID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !ok {
		if s.deps.Metrics != nil {
			s.deps.Metrics.QuotaRejects.Inc()
		}
		writeDetail(w, http.StatusForbidden, reason)
		return
	}

	start := time.Now()
	rec := &proxy.UsageRecord{
		UserID:    cred.User.ID,
		KeyID:     cred.Key.ID,
		Model:     req.Model,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if s.deps.LogPromptBody {
		rec.RequestBody = string(body)
	}

	key, err := s.deps.Pool.Select(r.Context(), s.deps.UpstreamType)
	if err != nil {
		if errors.Is(err, proxy.ErrNoUpstream) {
			writeDetail(w, http.StatusServiceUnavailable, "No healthy upstream keys available")
			s.account(r, rec, start, relayResult{
				status: http.StatusServiceUnavailable, errType: "pool_exhausted", errMsg: err.Error(),
			})
			return
		}
		slog.Error("upstream key selection failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		s.account(r, rec, start, relayResult{
			status: http.StatusInternalServerError, errType: "internal_error", errMsg: err.Error(),
		})
		return
	}
	rec.UpstreamID = key.ID

	plainKey, err := s.deps.Pool.Unseal(key)
	if err != nil {
		// Deliberately opaque to the client; the key id goes to the log only.
		slog.Error("upstream key unseal failed", "key_id", key.ID)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		s.account(r, rec, start, relayResult{
			status: http.StatusInternalServerError, errType: "cipher_error", errMsg: "upstream key unseal failed",
		})
		s.poolFailure(r, key.ID)
		return
	}

	client, err := s.deps.Clients.ForKey(key, plainKey)
	if err != nil {
		slog.Error("upstream client construction failed", "key_id", key.ID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		s.account(r, rec, start, relayResult{
			status: http.StatusInternalServerError, errType: "internal_error", errMsg: err.Error(),
		})
		s.poolFailure(r, key.ID)
		return
	}

	ctx, span := telemetry.Tracer("bigmodel/server").Start(r.Context(), "upstream.chat_completions",
		trace.WithAttributes(
			attribute.String("model", req.Model),
			attribute.Int64("upstream_key_id", key.ID),
			attribute.Bool("stream", req.Stream),
		))
	events := client.ChatCompletions(ctx, &req)

	var res relayResult
	if req.Stream {
		res = s.relayStream(w, r, events)
	} else {
		res = s.relayJSON(w, events)
	}
	span.SetAttributes(attribute.Int("http.status_code", res.status))
	span.End()

	s.account(r, rec, start, res)
	s.poolFeedback(r, key.ID, res)
}

// relayJSON waits for the terminal event of a non-streaming exchange and
// returns the upstream body as-is.
func (s *server) relayJSON(w http.ResponseWriter, events <-chan upstream.Event) relayResult {
	ev, ok := <-events
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "Empty upstream response")
		return relayResult{
			status: http.StatusInternalServerError, errType: "upstream_error",
			errMsg: "empty upstream response", keyFault: true,
		}
	}
	switch ev.Type {
	case upstream.EventComplete:
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(http.StatusOK)
		w.Write(ev.Data)
		return relayResult{status: http.StatusOK, usage: extractUsage(ev.Data), clean: true}
	case upstream.EventError:
		status := clampStatus(ev.StatusCode)
		msg := "Upstream request failed"
		if ev.StatusCode > 0 {
			msg = fmt.Sprintf("Upstream error (HTTP %d)", ev.StatusCode)
		}
		writeDetail(w, status, msg)
		return relayResult{
			status: status, errType: "upstream_error", errMsg: errString(ev.Err), keyFault: true,
		}
	default:
		// data/done frames never appear when stream=false.
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return relayResult{
			status: http.StatusInternalServerError, errType: "internal_error",
			errMsg: "unexpected stream event on non-streaming request",
		}
	}
}

// relayStream pipes upstream SSE frames to the client verbatim. Once the
// headers are sent the status is committed; mid-stream failures surface as a
// single in-band error frame followed by EOF.
func (s *server) relayStream(w http.ResponseWriter, r *http.Request, events <-chan upstream.Event) relayResult {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return relayResult{
			status: http.StatusInternalServerError, errType: "internal_error",
			errMsg: "streaming unsupported by transport",
		}
	}
	flusher.Flush()

	res := relayResult{status: http.StatusOK}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				// Upstream EOF without [DONE]; what was relayed stands.
				res.clean = true
				return res
			}
			switch ev.Type {
			case upstream.EventData:
				if u := gjson.GetBytes(ev.Data, "usage"); u.IsObject() {
					res.usage = usageFromResult(u)
				}
				writeSSEData(w, ev.Data)
				flusher.Flush()
			case upstream.EventDone:
				writeSSEDone(w)
				flusher.Flush()
				res.clean = true
				return res
			case upstream.EventError:
				writeSSEData(w, streamErrorFrame(ev))
				flusher.Flush()
				if ev.StatusCode > 0 {
					res.status = clampStatus(ev.StatusCode)
				}
				res.errType = "stream_error"
				res.errMsg = errString(ev.Err)
				res.keyFault = true
				return res
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			// Client gone. Accounting still runs with whatever was observed;
			// closing the request context tears down the upstream socket.
			res.errType = "client_disconnect"
			res.errMsg = r.Context().Err().Error()
			return res
		}
	}
}

// account fills the audit row from the relay outcome and hands it to the
// tracker. WithoutCancel: a disconnected client must not lose the record.
func (s *server) account(r *http.Request, rec *proxy.UsageRecord, start time.Time, res relayResult) {
	rec.StatusCode = res.status
	rec.PromptTokens = res.usage.PromptTokens
	rec.CompletionTokens = res.usage.CompletionTokens
	rec.TotalTokens = res.usage.TotalTokens
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	rec.LatencyMs = time.Since(start).Milliseconds()
	rec.ErrorType = res.errType
	rec.ErrorMessage = res.errMsg

	s.deps.Usage.Record(context.WithoutCancel(r.Context()), rec)

	if m := s.deps.Metrics; m != nil {
		m.UpstreamDuration.WithLabelValues(rec.Model).Observe(time.Since(start).Seconds())
		if rec.PromptTokens > 0 {
			m.TokensProcessed.WithLabelValues(rec.Model, "prompt").Add(float64(rec.PromptTokens))
		}
		if rec.CompletionTokens > 0 {
			m.TokensProcessed.WithLabelValues(rec.Model, "completion").Add(float64(rec.CompletionTokens))
		}
		if res.keyFault {
			m.UpstreamErrors.WithLabelValues(statusText[res.status]).Inc()
		}
	}
}

// poolFeedback closes the loop with the key pool after relay.
func (s *server) poolFeedback(r *http.Request, keyID int64, res relayResult) {
	switch {
	case res.clean:
		ctx := context.WithoutCancel(r.Context())
		if err := s.deps.Pool.RecordSuccess(ctx, keyID, res.usage.TotalTokens); err != nil {
			slog.Warn("upstream key success not recorded", "key_id", keyID, "error", err)
		}
	case res.keyFault:
		s.poolFailure(r, keyID)
	}
	// Client disconnects blame nobody.
}

func (s *server) poolFailure(r *http.Request, keyID int64) {
	if err := s.deps.Pool.RecordFailure(context.WithoutCancel(r.Context()), keyID); err != nil {
		slog.Warn("upstream key failure not recorded", "key_id", keyID, "error", err)
	}
}

// extractUsage pulls token totals out of a complete response body.
func extractUsage(body []byte) proxy.Usage {
	u := gjson.GetBytes(body, "usage")
	if !u.IsObject() {
		return proxy.Usage{}
	}
	return usageFromResult(u)
}

func usageFromResult(u gjson.Result) proxy.Usage {
	return proxy.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
}

// streamErrorFrame builds the in-band error envelope for a mid-stream failure.
func streamErrorFrame(ev upstream.Event) []byte {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code,omitempty"`
		} `json:"error"`
	}
	body.Error.Message = "Upstream request failed"
	if ev.StatusCode > 0 {
		body.Error.Message = fmt.Sprintf("Upstream error (HTTP %d)", ev.StatusCode)
	}
	body.Error.Type = "upstream_error"
	body.Error.Code = ev.StatusCode
	frame, _ := json.Marshal(body)
	return frame
}

// clampStatus keeps vendor status codes inside the writable HTTP range;
// transport failures (0) and garbage become a plain 500.
func clampStatus(code int) int {
	if code < 100 || code > 599 {
		return http.StatusInternalServerError
	}
	return code
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
