package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
)

// Record is one published detection.
type Record struct {
	RunID       string     `json:"run_id,omitempty"`
	Label       string     `json:"label"`
	ClassID     int        `json:"class_id"`
	Box         domain.Box `json:"box"`
	PublishedAt time.Time  `json:"published_at"`
}

// Publisher delivers detection records downstream.
type Publisher interface {
	Publish(ctx context.Context, records []Record) error
}

// JSONLinesPublisher writes one JSON object per record.
type JSONLinesPublisher struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLinesPublisher wraps a writer. Writes are serialized.
func NewJSONLinesPublisher(w io.Writer) *JSONLinesPublisher {
	return &JSONLinesPublisher{enc: json.NewEncoder(w)}
}

// Publish implements Publisher.
func (p *JSONLinesPublisher) Publish(ctx context.Context, records []Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.enc.Encode(r); err != nil {
			return fmt.Errorf("publish record: %w", err)
		}
	}
	return nil
}

// Sink publishes one record per surviving detection.
type Sink struct {
	labels    []string
	publisher Publisher
	now       func() time.Time
}

// NewSink creates a sink. A nil publisher drops the records.
func NewSink(labels []string, publisher Publisher) *Sink {
	if publisher == nil {
		publisher = NewJSONLinesPublisher(io.Discard)
	}
	return &Sink{labels: append([]string(nil), labels...), publisher: publisher, now: time.Now}
}

// Sink implements runtime.SinkStage.
func (s *Sink) Sink(ctx context.Context, req domain.BranchRequest) (domain.SinkAck, error) {
	if err := req.Validate(); err != nil {
		return domain.SinkAck{}, &domain.CodecError{Field: "indices", Err: err}
	}

	runID := runtime.RunIDFrom(ctx)
	at := s.now().UTC()
	records := make([]Record, 0, len(req.Indices))
	for _, i := range req.Indices {
		records = append(records, Record{
			RunID:       runID,
			Label:       labelOf(s.labels, req.ClassIDs[i]),
			ClassID:     req.ClassIDs[i],
			Box:         req.Boxes[i],
			PublishedAt: at,
		})
	}
	if len(records) > 0 {
		if err := s.publisher.Publish(ctx, records); err != nil {
			return domain.SinkAck{}, &domain.StageError{
				Stage:   domain.StageSink,
				Status:  http.StatusBadGateway,
				Message: err.Error(),
				Err:     err,
			}
		}
	}
	return domain.SinkAck{Success: true, Published: len(records)}, nil
}
