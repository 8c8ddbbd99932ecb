package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/polisai/framepipe/pkg/domain"
)

// JSONHandler serves one stage over JSON bytes.
type JSONHandler interface {
	Stage() domain.StageName
	ServeJSON(ctx context.Context, body []byte) ([]byte, error)
}

type jsonStage[Req, Resp any] struct {
	name domain.StageName
	fn   func(context.Context, Req) (Resp, error)
}

// JSONStage adapts a typed stage method into a JSONHandler. Malformed request
// bodies fail with a *domain.CodecError.
func JSONStage[Req, Resp any](name domain.StageName, fn func(context.Context, Req) (Resp, error)) JSONHandler {
	return &jsonStage[Req, Resp]{name: name, fn: fn}
}

func (s *jsonStage[Req, Resp]) Stage() domain.StageName { return s.name }

func (s *jsonStage[Req, Resp]) ServeJSON(ctx context.Context, body []byte) ([]byte, error) {
	var req Req
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &domain.CodecError{Err: fmt.Errorf("malformed %s request: %w", s.name, err)}
	}
	resp, err := s.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", s.name, err)
	}
	return out, nil
}

// HandlerFor returns the JSON handler for one stage of an invoker.
func HandlerFor(stage domain.StageName, inv StageInvoker) (JSONHandler, error) {
	switch stage {
	case domain.StageFilter:
		return JSONStage(stage, inv.Filter), nil
	case domain.StageDetect:
		return JSONStage(stage, inv.Detect), nil
	case domain.StageAnnotate:
		return JSONStage(stage, inv.Annotate), nil
	case domain.StageSink:
		return JSONStage(stage, inv.Sink), nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}
