package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/polisai/framepipe/internal/governance"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultHTTPTimeout bounds one HTTP exchange when the caller sets no deadline.
const DefaultHTTPTimeout = 60 * time.Second

// HTTPConfig configures the per-hop invoker.
type HTTPConfig struct {
	// BaseURL is the stage host, e.g. http://localhost:3233.
	BaseURL   string
	Namespace string
	// URLs overrides the full URL of individual stages.
	URLs map[domain.StageName]string
	// Credential is "user:key" or an already encoded Basic token.
	Credential string
	Client     *http.Client
	Retry      *governance.RetryPolicy
	Logger     *slog.Logger
}

// HTTPInvoker posts one JSON request per stage to a stage server.
type HTTPInvoker struct {
	urls       map[domain.StageName]string
	credential string
	client     *http.Client
	retry      *governance.RetryPolicy
	logger     *slog.Logger
}

// NewHTTPInvoker creates a per-hop invoker. Each stage needs either BaseURL or
// an entry in URLs.
func NewHTTPInvoker(cfg HTTPConfig) (*HTTPInvoker, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	urls := make(map[domain.StageName]string, len(domain.Stages))
	for _, stage := range domain.Stages {
		switch {
		case cfg.URLs[stage] != "":
			urls[stage] = cfg.URLs[stage]
		case cfg.BaseURL != "":
			urls[stage] = ActionURL(cfg.BaseURL, namespace, string(stage))
		default:
			return nil, &domain.ConfigError{Key: "stages." + string(stage) + ".url", Err: errors.New("no base URL or stage URL configured")}
		}
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   DefaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	retry := cfg.Retry
	if retry == nil {
		retry = governance.NewRetryPolicy(governance.DefaultRetryConfig())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPInvoker{
		urls:       urls,
		credential: cfg.Credential,
		client:     client,
		retry:      retry,
		logger:     logger,
	}, nil
}

// URL returns the endpoint a stage is posted to.
func (h *HTTPInvoker) URL(stage domain.StageName) string { return h.urls[stage] }

func (h *HTTPInvoker) Filter(ctx context.Context, req domain.FilterRequest) (domain.FilterDecision, error) {
	return post[domain.FilterRequest, domain.FilterDecision](ctx, h, domain.StageFilter, req)
}

func (h *HTTPInvoker) Detect(ctx context.Context, req domain.DetectRequest) (domain.DetectionResult, error) {
	return post[domain.DetectRequest, domain.DetectionResult](ctx, h, domain.StageDetect, req)
}

func (h *HTTPInvoker) Annotate(ctx context.Context, req domain.BranchRequest) (domain.AnnotateResult, error) {
	return post[domain.BranchRequest, domain.AnnotateResult](ctx, h, domain.StageAnnotate, req)
}

func (h *HTTPInvoker) Sink(ctx context.Context, req domain.BranchRequest) (domain.SinkAck, error) {
	return post[domain.BranchRequest, domain.SinkAck](ctx, h, domain.StageSink, req)
}

func post[Req, Resp any](ctx context.Context, h *HTTPInvoker, stage domain.StageName, req Req) (Resp, error) {
	var resp Resp
	body, err := json.Marshal(req)
	if err != nil {
		return resp, &domain.CodecError{Field: string(stage), Err: err}
	}

	attempts, err := h.retry.Do(ctx, stage, func(attempt int) error {
		if attempt > 0 {
			h.logger.Info("retrying stage call",
				"run_id", runtime.RunIDFrom(ctx),
				"stage", stage,
				"attempt", attempt+1,
			)
		}
		raw, err := h.exchange(ctx, stage, body)
		if err != nil {
			return err
		}
		var out Resp
		if err := json.Unmarshal(raw, &out); err != nil {
			return &domain.CodecError{Field: string(stage) + " response", Err: err}
		}
		resp = out
		return nil
	})
	if err != nil {
		h.logger.Debug("stage call failed",
			"run_id", runtime.RunIDFrom(ctx),
			"stage", stage,
			"attempts", attempts,
			"error", err,
		)
		return resp, err
	}
	return resp, nil
}

// exchange performs one POST and returns the 2xx body.
func (h *HTTPInvoker) exchange(ctx context.Context, stage domain.StageName, body []byte) ([]byte, error) {
	target := h.urls[stage]
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.TransportError{Stage: stage, URL: target, Err: err}
	}
	setCommonHeaders(req, h.credential, runtime.RunIDFrom(ctx))

	res, err := h.client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Stage: stage, URL: target, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.TransportError{Stage: stage, URL: target, Err: fmt.Errorf("read response: %w", err)}
	}
	if d, ok := ParseSeconds(res.Header.Get(HeaderInvocTime)); ok {
		runtime.ReportRemoteElapsed(ctx, d)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, errorFromResponse(stage, res.StatusCode, raw)
	}
	return raw, nil
}

var _ runtime.StageInvoker = (*HTTPInvoker)(nil)
