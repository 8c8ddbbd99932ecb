package engine

import (
	"net/http"
	"slices"

	"github.com/polisai/framepipe/pkg/domain"
)

// DetectRequestFrom forwards the frame an accepting filter decision carries.
func DetectRequestFrom(decision domain.FilterDecision) (domain.DetectRequest, error) {
	if !decision.Success {
		return domain.DetectRequest{}, domain.NewStageError(domain.StageFilter, http.StatusInternalServerError,
			"rejected decision cannot feed detect")
	}
	if err := decision.Validate(); err != nil {
		return domain.DetectRequest{}, &domain.StageError{
			Stage:   domain.StageFilter,
			Status:  http.StatusBadGateway,
			Message: err.Error(),
			Err:     err,
		}
	}
	return domain.DetectRequest{Frame: decision.Frame}, nil
}

// BranchRequestFrom builds the request shared by annotate and sink. The slices
// are cloned so the branches never alias the detection stored on the run.
func BranchRequestFrom(detection domain.DetectionResult) (domain.BranchRequest, error) {
	if err := detection.Validate(); err != nil {
		return domain.BranchRequest{}, &domain.StageError{
			Stage:   domain.StageDetect,
			Status:  http.StatusBadGateway,
			Message: err.Error(),
			Err:     err,
		}
	}
	return domain.BranchRequest{
		Frame:    detection.Frame,
		Boxes:    slices.Clone(detection.Boxes),
		Indices:  slices.Clone(detection.Indices),
		ClassIDs: slices.Clone(detection.ClassIDs),
	}, nil
}
