package stages

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prediction is one raw model output row. Box is the normalized centre and
// size (cx, cy, w, h) in [0, 1]; Scores holds one score per class.
type Prediction struct {
	Box    [4]float64 `json:"box"`
	Scores []float64  `json:"scores"`
}

// Model runs object detection inference.
type Model interface {
	// Classes returns how many classes the model scores.
	Classes(ctx context.Context) (int, error)
	// Infer returns raw predictions for an encoded image.
	Infer(ctx context.Context, frame []byte) ([]Prediction, error)
}

// RemoteModelConfig configures a model served over HTTP.
type RemoteModelConfig struct {
	// URL of the model server, e.g. http://localhost:9000.
	URL     string
	Name    string
	Timeout time.Duration
	Client  *http.Client
}

// RemoteModel talks to a model server exposing
// GET /v1/models/{name} and POST /v1/models/{name}/infer.
type RemoteModel struct {
	base   string
	name   string
	client *http.Client
}

type modelMetadata struct {
	Name    string `json:"name"`
	Classes int    `json:"classes"`
}

type inferResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// NewRemoteModel creates a client for a model server.
func NewRemoteModel(cfg RemoteModelConfig) (*RemoteModel, error) {
	if cfg.URL == "" {
		return nil, &domain.ConfigError{Key: "detect.model.url", Err: errors.New("model server URL is required")}
	}
	if cfg.Name == "" {
		return nil, &domain.ConfigError{Key: "detect.model.name", Err: errors.New("model name is required")}
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &RemoteModel{
		base:   strings.TrimRight(cfg.URL, "/") + "/v1/models/" + url.PathEscape(cfg.Name),
		name:   cfg.Name,
		client: client,
	}, nil
}

// Classes implements Model.
func (m *RemoteModel) Classes(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base, nil)
	if err != nil {
		return 0, err
	}
	var meta modelMetadata
	if err := m.do(req, &meta); err != nil {
		return 0, fmt.Errorf("fetch model %s metadata: %w", m.name, err)
	}
	if meta.Classes <= 0 {
		return 0, fmt.Errorf("model %s reports %d classes", m.name, meta.Classes)
	}
	return meta.Classes, nil
}

// Infer implements Model.
func (m *RemoteModel) Infer(ctx context.Context, frame []byte) ([]Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/infer", bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var out inferResponse
	if err := m.do(req, &out); err != nil {
		return nil, fmt.Errorf("infer with model %s: %w", m.name, err)
	}
	return out.Predictions, nil
}

func (m *RemoteModel) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	res, err := m.client.Do(req)
	if err != nil {
		return &domain.TransportError{Stage: domain.StageDetect, URL: req.URL.String(), Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return &domain.TransportError{Stage: domain.StageDetect, URL: req.URL.String(), Err: err}
	}
	if res.StatusCode != http.StatusOK {
		return domain.NewStageError(domain.StageDetect, http.StatusBadGateway,
			"model server answered %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewStageError(domain.StageDetect, http.StatusBadGateway, "malformed model server response: %v", err)
	}
	return nil
}

// ModelContext pairs a model with its class count, checked against the label
// file. It is built once at startup and shared read-only by every run.
type ModelContext struct {
	model   Model
	classes int
}

// NewModelContext fetches the model's class count once and checks that every
// class has a label.
func NewModelContext(ctx context.Context, model Model, labels []string) (*ModelContext, error) {
	if model == nil {
		return nil, &domain.ConfigError{Key: "detect.model", Err: errors.New("model is required")}
	}
	classes, err := model.Classes(ctx)
	if err != nil {
		return nil, &domain.ConfigError{Key: "detect.model", Err: err}
	}
	if len(labels) < classes {
		return nil, &domain.ConfigError{
			Key: "detect.labels",
			Err: fmt.Errorf("%d labels for a model with %d classes", len(labels), classes),
		}
	}
	return &ModelContext{
		model:   model,
		classes: classes,
	}, nil
}

// Model returns the wrapped model.
func (mc *ModelContext) Model() Model { return mc.model }

// Classes returns the class count fetched at construction.
func (mc *ModelContext) Classes() int { return mc.classes }

func labelOf(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) && labels[classID] != "" {
		return labels[classID]
	}
	return fmt.Sprintf("class-%d", classID)
}

// LoadLabels reads one label per line. Trailing blank lines are dropped.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.ConfigError{Key: "labels", Err: err}
	}
	defer func() { _ = f.Close() }()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, &domain.ConfigError{Key: "labels", Err: err}
	}
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	return labels, nil
}
