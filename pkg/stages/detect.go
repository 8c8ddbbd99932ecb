package stages

import (
	"context"
	"errors"
	"net/http"

	"github.com/polisai/framepipe/pkg/codec"
	"github.com/polisai/framepipe/pkg/domain"
)

const (
	// DefaultConfidenceThreshold drops predictions scoring at or below it.
	DefaultConfidenceThreshold = 0.5
	// DefaultNMSThreshold is the overlap above which a weaker box is suppressed.
	DefaultNMSThreshold = 0.4
)

// DetectorConfig tunes the detector.
type DetectorConfig struct {
	ConfidenceThreshold float64
	NMSThreshold        float64
}

// Detector turns model predictions into pixel boxes and suppresses overlaps.
type Detector struct {
	mc         *ModelContext
	confidence float64
	nms        float64
}

// NewDetector creates a detector over a loaded model context.
func NewDetector(mc *ModelContext, cfg DetectorConfig) (*Detector, error) {
	if mc == nil {
		return nil, &domain.ConfigError{Key: "detect.model", Err: errors.New("model context is required")}
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = DefaultNMSThreshold
	}
	return &Detector{mc: mc, confidence: cfg.ConfidenceThreshold, nms: cfg.NMSThreshold}, nil
}

// Detect implements runtime.DetectStage.
func (d *Detector) Detect(ctx context.Context, req domain.DetectRequest) (domain.DetectionResult, error) {
	img, raw, err := codec.DecodeImage("frame", req.Frame)
	if err != nil {
		return domain.DetectionResult{}, err
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()

	predictions, err := d.mc.Model().Infer(ctx, raw)
	if err != nil {
		var stageErr *domain.StageError
		if errors.As(err, &stageErr) || errors.Is(err, domain.ErrTransport) || ctx.Err() != nil {
			return domain.DetectionResult{}, err
		}
		return domain.DetectionResult{}, &domain.StageError{
			Stage:   domain.StageDetect,
			Status:  http.StatusBadGateway,
			Message: err.Error(),
			Err:     err,
		}
	}

	result := domain.DetectionResult{
		Boxes:       []domain.Box{},
		Indices:     []int{},
		ClassIDs:    []int{},
		Confidences: []float64{},
		Frame:       req.Frame,
	}
	for _, p := range predictions {
		classID, confidence := argmax(p.Scores)
		if classID < 0 || classID >= d.mc.Classes() || confidence <= d.confidence {
			continue
		}
		result.Boxes = append(result.Boxes, pixelBox(p.Box, width, height))
		result.ClassIDs = append(result.ClassIDs, classID)
		result.Confidences = append(result.Confidences, confidence)
	}
	result.Indices = NMSBoxes(result.Boxes, result.Confidences, d.confidence, d.nms)
	return result, nil
}

// pixelBox converts a normalized centre/size box to [x, y, w, h] in pixels,
// truncating centre and size to whole pixels before offsetting by half the size.
func pixelBox(norm [4]float64, width, height int) domain.Box {
	cx := int(norm[0] * float64(width))
	cy := int(norm[1] * float64(height))
	w := int(norm[2] * float64(width))
	h := int(norm[3] * float64(height))
	return domain.Box{
		float64(cx) - float64(w)/2,
		float64(cy) - float64(h)/2,
		float64(w),
		float64(h),
	}
}

func argmax(scores []float64) (int, float64) {
	best, bestScore := -1, 0.0
	for i, s := range scores {
		if best < 0 || s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, bestScore
}
