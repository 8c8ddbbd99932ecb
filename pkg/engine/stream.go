package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/polisai/framepipe/pkg/codec"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
)

// Frame is one encoded image read from a source.
type Frame struct {
	Name     string
	Envelope domain.Envelope
}

// FrameSource yields frames in order. Next returns io.EOF when exhausted.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// DefaultFrameExtensions are the file types DirSource picks up.
var DefaultFrameExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// DirSource reads image files from a directory in lexical order.
type DirSource struct {
	dir   string
	files []string
	pos   int
}

// NewDirSource lists dir once. A positive limit keeps only the first limit
// files, counting the baseline frame.
func NewDirSource(dir string, limit int) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if slices.Contains(DefaultFrameExtensions, ext) {
			files = append(files, entry.Name())
		}
	}
	slices.Sort(files)
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	return &DirSource{dir: dir, files: files}, nil
}

// Len returns the number of frames the source will yield in total.
func (s *DirSource) Len() int { return len(s.files) }

// Next reads and encodes the next file.
func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.files) {
		return Frame{}, io.EOF
	}
	name := s.files[s.pos]
	s.pos++

	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return Frame{}, fmt.Errorf("read frame %s: %w", name, err)
	}
	return Frame{Name: name, Envelope: codec.Encode(raw)}, nil
}

// StreamStats counts run outcomes over one Process call.
type StreamStats struct {
	Runs      int
	Completed int
	Skipped   int
	Failed    int
}

// Stream drives sequential runs over a frame source. Each frame is compared
// against the baseline, which then becomes that frame whatever the outcome.
type Stream struct {
	runner runtime.Runner
	logger *slog.Logger
}

// NewStream creates a stream driver over a runner.
func NewStream(runner runtime.Runner, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{runner: runner, logger: logger}
}

// Process seeds the baseline from the first frame and runs every following
// frame. fn observes each run, failed ones included; returning an error from
// fn stops the loop. Cancellation is checked between runs.
func (s *Stream) Process(ctx context.Context, source FrameSource, fn func(Frame, *domain.Run) error) (StreamStats, error) {
	var stats StreamStats

	baseline, err := source.Next(ctx)
	if errors.Is(err, io.EOF) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("read baseline frame: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		frame, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		run, runErr := s.runner.Run(ctx, domain.FramePair{Current: frame.Envelope, Previous: baseline.Envelope})
		baseline = frame

		if run == nil {
			run = domain.NewRun("", domain.FramePair{Current: frame.Envelope})
			run.Fail("", runErr)
		}
		stats.Runs++
		switch run.Outcome {
		case domain.OutcomeCompleted:
			stats.Completed++
		case domain.OutcomeSkipped:
			stats.Skipped++
		default:
			stats.Failed++
			s.logger.Warn("frame run failed", "frame", frame.Name, "run_id", run.ID, "stage", run.FailedStage, "error", runErr)
		}

		if fn != nil {
			if err := fn(frame, run); err != nil {
				return stats, err
			}
		}
	}
}
