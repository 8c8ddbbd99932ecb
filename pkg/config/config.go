// Package config provides the YAML configuration of framepipe commands and
// servers.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/polisai/framepipe/internal/governance"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine"
	"github.com/polisai/framepipe/pkg/logging"
	"github.com/polisai/framepipe/pkg/stages"
	"github.com/polisai/framepipe/pkg/telemetry"
	"github.com/polisai/framepipe/pkg/transport"
	"gopkg.in/yaml.v3"
)

// Transport names accepted by the transport key.
const (
	TransportDirect    = "direct"
	TransportHTTP      = "http"
	TransportDelegated = "delegated"
)

// Config is the root configuration.
type Config struct {
	// Transport selects how runs reach the stages: direct, http or delegated.
	Transport string `yaml:"transport"`
	// StageTimeout bounds each stage call. Zero disables the deadline.
	StageTimeout time.Duration `yaml:"stage_timeout"`
	Namespace    string        `yaml:"namespace"`
	// Credential is "user:key" or an encoded Basic token, usually ${FRAMEPIPE_CREDENTIAL}.
	Credential string `yaml:"credential"`

	Stages   StagesConfig           `yaml:"stages"`
	Engine   EngineConfig           `yaml:"engine"`
	Retry    governance.RetryConfig `yaml:"retry"`
	Filter   FilterConfig           `yaml:"filter"`
	Detect   DetectConfig           `yaml:"detect"`
	Annotate AnnotateConfig         `yaml:"annotate"`
	Sink     SinkConfig             `yaml:"sink"`
	Stream   StreamConfig           `yaml:"stream"`

	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StagesConfig locates the stage servers for the http transport.
type StagesConfig struct {
	BaseURL string `yaml:"base_url"`
	// URLs overrides the full URL of individual stages.
	URLs map[string]string `yaml:"urls"`
}

// EngineConfig locates the DAG engine for the delegated transport.
type EngineConfig struct {
	URL string `yaml:"url"`
	DAG string `yaml:"dag"`
}

// FilterConfig tunes the similarity gate.
type FilterConfig struct {
	Threshold  float64 `yaml:"threshold"`
	Similarity string  `yaml:"similarity"`
	Seed       int64   `yaml:"seed"`
}

// DetectConfig points the detector at its model server.
type DetectConfig struct {
	ModelURL            string        `yaml:"model_url"`
	ModelName           string        `yaml:"model_name"`
	ModelTimeout        time.Duration `yaml:"model_timeout"`
	Labels              string        `yaml:"labels"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	NMSThreshold        float64       `yaml:"nms_threshold"`
}

// AnnotateConfig chooses where annotated frames are written. An empty
// ArtifactDir discards them.
type AnnotateConfig struct {
	ArtifactDir string `yaml:"artifact_dir"`
}

// SinkConfig chooses where published records go: "-" for stdout or a file path.
type SinkConfig struct {
	Output string `yaml:"output"`
}

// StreamConfig drives the frame-stream command.
type StreamConfig struct {
	Dir   string `yaml:"dir"`
	Limit int    `yaml:"limit"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Transport:    TransportDirect,
		StageTimeout: engine.DefaultStageTimeout,
		Namespace:    transport.DefaultNamespace,
		Engine:       EngineConfig{DAG: transport.DefaultDAG},
		Retry:        governance.DefaultRetryConfig(),
		Filter: FilterConfig{
			Threshold:  stages.DefaultFilterThreshold,
			Similarity: stages.SimilaritySSIM,
		},
		Detect: DetectConfig{
			ModelName:           "yolo",
			ModelTimeout:        30 * time.Second,
			ConfidenceThreshold: stages.DefaultConfidenceThreshold,
			NMSThreshold:        stages.DefaultNMSThreshold,
		},
		Sink:    SinkConfig{Output: "-"},
		Logging: logging.Config{Level: "info", Format: "json"},
	}
}

// Parse decodes YAML over the defaults after expanding ${VAR} references.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, &domain.ConfigError{Key: "yaml", Err: err}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a configuration file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Key: "file", Err: fmt.Errorf("read %s: %w", path, err)}
	}
	return Parse(data)
}

// applyDefaults fills keys that were present but left empty.
func (c *Config) applyDefaults() {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportDirect
	}
	if c.Namespace == "" {
		c.Namespace = transport.DefaultNamespace
	}
	if c.Engine.DAG == "" {
		c.Engine.DAG = transport.DefaultDAG
	}
	if c.Filter.Similarity == "" {
		c.Filter.Similarity = stages.SimilaritySSIM
	}
	if c.Sink.Output == "" {
		c.Sink.Output = "-"
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportDirect, TransportHTTP, TransportDelegated:
	default:
		return &domain.ConfigError{Key: "transport", Err: fmt.Errorf("unknown transport %q", c.Transport)}
	}
	if c.StageTimeout < 0 {
		return &domain.ConfigError{Key: "stage_timeout", Err: fmt.Errorf("must not be negative, got %s", c.StageTimeout)}
	}
	if c.Transport == TransportHTTP && c.Stages.BaseURL == "" {
		for _, stage := range domain.Stages {
			if c.Stages.URLs[string(stage)] == "" {
				return &domain.ConfigError{Key: "stages.base_url", Err: fmt.Errorf("required unless every stage has a url, %s has none", stage)}
			}
		}
	}
	for name := range c.Stages.URLs {
		if _, err := domain.ParseStageName(name); err != nil {
			return &domain.ConfigError{Key: "stages.urls", Err: err}
		}
	}
	if c.Transport == TransportDelegated && c.Engine.URL == "" {
		return &domain.ConfigError{Key: "engine.url", Err: errors.New("required by the delegated transport")}
	}
	if c.Filter.Threshold < 0 || c.Filter.Threshold > 1 {
		return &domain.ConfigError{Key: "filter.threshold", Err: fmt.Errorf("must be within [0, 1], got %v", c.Filter.Threshold)}
	}
	if _, err := stages.NewSimilarity(c.Filter.Similarity, c.Filter.Seed); err != nil {
		return &domain.ConfigError{Key: "filter.similarity", Err: err}
	}
	if c.Detect.ConfidenceThreshold < 0 || c.Detect.ConfidenceThreshold >= 1 {
		return &domain.ConfigError{Key: "detect.confidence_threshold", Err: fmt.Errorf("must be within [0, 1), got %v", c.Detect.ConfidenceThreshold)}
	}
	if c.Detect.NMSThreshold < 0 || c.Detect.NMSThreshold > 1 {
		return &domain.ConfigError{Key: "detect.nms_threshold", Err: fmt.Errorf("must be within [0, 1], got %v", c.Detect.NMSThreshold)}
	}
	if c.Stream.Limit < 0 {
		return &domain.ConfigError{Key: "stream.limit", Err: fmt.Errorf("must not be negative, got %d", c.Stream.Limit)}
	}
	return nil
}

// StageURLs converts the per-stage URL overrides to stage names.
func (c *Config) StageURLs() map[domain.StageName]string {
	out := make(map[domain.StageName]string, len(c.Stages.URLs))
	for name, url := range c.Stages.URLs {
		out[domain.StageName(name)] = url
	}
	return out
}

// RetryPolicy builds the transport retry policy.
func (c *Config) RetryPolicy() *governance.RetryPolicy {
	return governance.NewRetryPolicy(c.Retry)
}
