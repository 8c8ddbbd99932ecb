package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
)

const (
	// HeaderRunID carries the run identifier on every stage and engine call.
	HeaderRunID = "X-Run-Id"
	// HeaderInvocTime is the server-measured processing time in seconds.
	HeaderInvocTime = "Invoc-Time"

	// DefaultNamespace is used when no namespace is configured.
	DefaultNamespace = "guest"

	maxResponseBytes = 64 << 20
)

// ActionURL builds the blocking invocation URL of a stage action.
func ActionURL(base, namespace, action string) string {
	return fmt.Sprintf("%s/api/v1/namespaces/%s/actions/%s?blocking=true&result=true",
		strings.TrimRight(base, "/"), url.PathEscape(namespace), url.PathEscape(action))
}

// DAGURL builds the blocking invocation URL of a DAG on an engine.
func DAGURL(base, namespace, dag string) string {
	return fmt.Sprintf("%s/api/v1/namespaces/%s/dag/%s?blocking=true&result=true",
		strings.TrimRight(base, "/"), url.PathEscape(namespace), url.PathEscape(dag))
}

// InvocTimeHeader returns the per-stage timing header name set by the engine.
func InvocTimeHeader(stage domain.StageName) string {
	return HeaderInvocTime + "-" + string(stage)
}

// FormatSeconds renders a duration for an Invoc-Time header.
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

// ParseSeconds reads an Invoc-Time header value.
func ParseSeconds(raw string) (time.Duration, bool) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return domain.Seconds(secs).Duration(), true
}

// StageTimings collects Invoc-Time-<stage> headers.
func StageTimings(h http.Header) map[domain.StageName]time.Duration {
	out := make(map[domain.StageName]time.Duration)
	for key, values := range h {
		if !strings.Contains(key, HeaderInvocTime) || len(values) == 0 {
			continue
		}
		suffix, ok := strings.CutPrefix(http.CanonicalHeaderKey(key), http.CanonicalHeaderKey(HeaderInvocTime)+"-")
		if !ok {
			continue
		}
		stage := domain.StageName(strings.ToLower(suffix))
		if !stage.Valid() {
			continue
		}
		if d, ok := ParseSeconds(values[0]); ok {
			out[stage] = d
		}
	}
	return out
}

// setCommonHeaders applies the content type, credential and run ID.
func setCommonHeaders(req *http.Request, credential, runID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		if user, pass, ok := strings.Cut(credential, ":"); ok {
			req.SetBasicAuth(user, pass)
		} else {
			req.Header.Set("Authorization", "Basic "+credential)
		}
	}
	if runID != "" {
		req.Header.Set(HeaderRunID, runID)
	}
}

// errorFromResponse turns a non-2xx answer into a StageError, keeping the
// server's message when the body is a JSON error response.
func errorFromResponse(stage domain.StageName, status int, body []byte) *domain.StageError {
	var payload domain.ErrorResponse
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &domain.StageError{Stage: stage, Status: status, Message: msg}
}
