package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/polisai/framepipe/pkg/config"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"github.com/polisai/framepipe/pkg/stages"
	"github.com/polisai/framepipe/pkg/transport"
)

const shutdownGrace = 10 * time.Second

// closeFunc releases what a builder opened.
type closeFunc func() error

func noClose() error { return nil }

func loadLabels(cfg *config.Config) ([]string, error) {
	if cfg.Detect.Labels == "" {
		return nil, nil
	}
	return stages.LoadLabels(cfg.Detect.Labels)
}

func newFilter(cfg *config.Config) (*stages.Filter, error) {
	similarity, err := stages.NewSimilarity(cfg.Filter.Similarity, cfg.Filter.Seed)
	if err != nil {
		return nil, &domain.ConfigError{Key: "filter.similarity", Err: err}
	}
	return stages.NewFilter(similarity, cfg.Filter.Threshold)
}

// newDetector fetches the model's class count once; the detector then shares
// the context read-only across runs.
func newDetector(ctx context.Context, cfg *config.Config, labels []string) (*stages.Detector, error) {
	model, err := stages.NewRemoteModel(stages.RemoteModelConfig{
		URL:     cfg.Detect.ModelURL,
		Name:    cfg.Detect.ModelName,
		Timeout: cfg.Detect.ModelTimeout,
	})
	if err != nil {
		return nil, err
	}
	mc, err := stages.NewModelContext(ctx, model, labels)
	if err != nil {
		return nil, err
	}
	return stages.NewDetector(mc, stages.DetectorConfig{
		ConfidenceThreshold: cfg.Detect.ConfidenceThreshold,
		NMSThreshold:        cfg.Detect.NMSThreshold,
	})
}

func newAnnotator(cfg *config.Config, labels []string) (*stages.Annotator, error) {
	var store stages.ArtifactStore
	if cfg.Annotate.ArtifactDir != "" {
		dir, err := stages.NewDirStore(cfg.Annotate.ArtifactDir)
		if err != nil {
			return nil, &domain.ConfigError{Key: "annotate.artifact_dir", Err: err}
		}
		store = dir
	}
	return stages.NewAnnotator(labels, store), nil
}

// newSink publishes to stdout for "-" or appends to a file.
func newSink(cfg *config.Config, labels []string, stdout io.Writer) (*stages.Sink, closeFunc, error) {
	if cfg.Sink.Output == "-" {
		return stages.NewSink(labels, stages.NewJSONLinesPublisher(stdout)), noClose, nil
	}
	f, err := os.OpenFile(cfg.Sink.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, &domain.ConfigError{Key: "sink.output", Err: err}
	}
	return stages.NewSink(labels, stages.NewJSONLinesPublisher(f)), f.Close, nil
}

// newPipeline builds every stage for in-process execution.
func newPipeline(ctx context.Context, cfg *config.Config, stdout io.Writer) (transport.DirectStages, closeFunc, error) {
	labels, err := loadLabels(cfg)
	if err != nil {
		return transport.DirectStages{}, nil, err
	}
	filter, err := newFilter(cfg)
	if err != nil {
		return transport.DirectStages{}, nil, err
	}
	detector, err := newDetector(ctx, cfg, labels)
	if err != nil {
		return transport.DirectStages{}, nil, err
	}
	annotator, err := newAnnotator(cfg, labels)
	if err != nil {
		return transport.DirectStages{}, nil, err
	}
	sink, closeSink, err := newSink(cfg, labels, stdout)
	if err != nil {
		return transport.DirectStages{}, nil, err
	}
	return transport.DirectStages{Filter: filter, Detect: detector, Annotate: annotator, Sink: sink}, closeSink, nil
}

func newOrchestrator(cfg *config.Config, inv runtime.StageInvoker, transportName string, logger *slog.Logger) (*engine.Orchestrator, error) {
	return engine.NewOrchestrator(engine.Config{
		Invoker:      inv,
		Logger:       logger,
		StageTimeout: cfg.StageTimeout,
		Transport:    transportName,
	})
}

func newHTTPInvoker(cfg *config.Config, logger *slog.Logger) (*transport.HTTPInvoker, error) {
	return transport.NewHTTPInvoker(transport.HTTPConfig{
		BaseURL:    cfg.Stages.BaseURL,
		Namespace:  cfg.Namespace,
		URLs:       cfg.StageURLs(),
		Credential: cfg.Credential,
		Retry:      cfg.RetryPolicy(),
		Logger:     logger,
	})
}

// newRunner selects the transport named by the configuration.
func newRunner(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) (runtime.Runner, closeFunc, error) {
	switch cfg.Transport {
	case config.TransportDirect:
		pipeline, closeFn, err := newPipeline(ctx, cfg, stdout)
		if err != nil {
			return nil, nil, err
		}
		direct, err := transport.NewDirect(pipeline)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		orch, err := newOrchestrator(cfg, direct, config.TransportDirect, logger)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		return orch, closeFn, nil
	case config.TransportHTTP:
		inv, err := newHTTPInvoker(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		orch, err := newOrchestrator(cfg, inv, config.TransportHTTP, logger)
		if err != nil {
			return nil, nil, err
		}
		return orch, noClose, nil
	case config.TransportDelegated:
		d, err := transport.NewDelegated(transport.DelegatedConfig{
			EngineURL:  cfg.Engine.URL,
			Namespace:  cfg.Namespace,
			DAG:        cfg.Engine.DAG,
			Credential: cfg.Credential,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, noClose, nil
	default:
		return nil, nil, &domain.ConfigError{Key: "transport", Err: fmt.Errorf("unknown transport %q", cfg.Transport)}
	}
}

// newEngineRunner builds the orchestrator hosted by the DAG engine. The engine
// calls stage servers when configured for http and runs stages in-process
// otherwise; delegating from the engine would call itself.
func newEngineRunner(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) (runtime.Runner, closeFunc, error) {
	if cfg.Transport == config.TransportHTTP {
		return newRunner(ctx, cfg, logger, stdout)
	}
	direct := *cfg
	direct.Transport = config.TransportDirect
	return newRunner(ctx, &direct, logger, stdout)
}

var errNoStage = errors.New("no such stage")

// newStageHandler builds the JSON handler for one stage. A hot-reloadable
// filter is returned for the filter stage so its threshold can follow the
// configuration file.
func newStageHandler(ctx context.Context, cfg *config.Config, stage domain.StageName, stdout io.Writer) (runtime.JSONHandler, *stages.Filter, closeFunc, error) {
	switch stage {
	case domain.StageFilter:
		filter, err := newFilter(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return runtime.JSONStage(stage, filter.Filter), filter, noClose, nil
	}

	labels, err := loadLabels(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	switch stage {
	case domain.StageDetect:
		detector, err := newDetector(ctx, cfg, labels)
		if err != nil {
			return nil, nil, nil, err
		}
		return runtime.JSONStage(stage, detector.Detect), nil, noClose, nil
	case domain.StageAnnotate:
		annotator, err := newAnnotator(cfg, labels)
		if err != nil {
			return nil, nil, nil, err
		}
		return runtime.JSONStage(stage, annotator.Annotate), nil, noClose, nil
	case domain.StageSink:
		sink, closeFn, err := newSink(cfg, labels, stdout)
		if err != nil {
			return nil, nil, nil, err
		}
		return runtime.JSONStage(stage, sink.Sink), nil, closeFn, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: %q", errNoStage, stage)
	}
}
