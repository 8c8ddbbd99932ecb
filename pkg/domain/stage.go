package domain

import (
	"errors"
	"fmt"
	"time"
)

// StageName identifies a node in the pipeline graph.
type StageName string

const (
	// StageFilter is the gate comparing the current frame against the previous one.
	StageFilter StageName = "filter"
	// StageDetect runs object detection and non-maximum suppression.
	StageDetect StageName = "detect"
	// StageAnnotate renders the surviving detections onto the frame.
	StageAnnotate StageName = "annotate"
	// StageSink publishes the surviving detections.
	StageSink StageName = "sink"
)

// Stages lists the graph nodes in execution order.
var Stages = []StageName{StageFilter, StageDetect, StageAnnotate, StageSink}

// ParseStageName validates a stage name.
func ParseStageName(raw string) (StageName, error) {
	name := StageName(raw)
	if !name.Valid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return name, nil
}

// Valid reports whether the name is one of the four graph nodes.
func (s StageName) Valid() bool {
	switch s {
	case StageFilter, StageDetect, StageAnnotate, StageSink:
		return true
	}
	return false
}

// SideEffects reports whether invoking the stage changes external state.
// annotate persists an artifact and sink publishes records.
func (s StageName) SideEffects() bool {
	return s == StageAnnotate || s == StageSink
}

// Idempotent reports whether a transport may safely repeat the invocation.
func (s StageName) Idempotent() bool {
	return s.Valid() && !s.SideEffects()
}

// Envelope is a binary frame in its textual (standard base64) form.
type Envelope string

// FramePair is the input of one run.
type FramePair struct {
	Current  Envelope
	Previous Envelope
}

// Seconds is a duration carried as fractional seconds on the wire.
type Seconds float64

// SecondsOf converts a duration.
func SecondsOf(d time.Duration) Seconds { return Seconds(d.Seconds()) }

// Duration converts back to a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(float64(s) * float64(time.Second)) }

// FilterRequest is the filter stage input.
type FilterRequest struct {
	CurFrame  Envelope `json:"cur_frame"`
	PrevFrame Envelope `json:"prev_frame"`
}

// FilterDecision is the filter stage output. Frame is present iff Success.
type FilterDecision struct {
	Success bool     `json:"success"`
	Frame   Envelope `json:"frame,omitempty"`
	Elapsed Seconds  `json:"elapsed"`
	Score   float64  `json:"score"`
}

// Validate checks the gate invariant.
func (d FilterDecision) Validate() error {
	if d.Success && d.Frame == "" {
		return errors.New("accepted filter decision carries no frame")
	}
	if !d.Success && d.Frame != "" {
		return errors.New("rejected filter decision carries a frame")
	}
	return nil
}

// DetectRequest is the detect stage input.
type DetectRequest struct {
	Frame Envelope `json:"frame"`
}

// Box is a detection rectangle as [x, y, width, height] in pixels.
type Box [4]float64

// X returns the left edge.
func (b Box) X() float64 { return b[0] }

// Y returns the top edge.
func (b Box) Y() float64 { return b[1] }

// W returns the width.
func (b Box) W() float64 { return b[2] }

// H returns the height.
func (b Box) H() float64 { return b[3] }

// DetectionResult is the detect stage output. Boxes, ClassIDs and Confidences are
// aligned; Indices are the boxes that survived suppression.
type DetectionResult struct {
	Boxes       []Box     `json:"boxes"`
	Indices     []int     `json:"indices"`
	ClassIDs    []int     `json:"class_ids"`
	Confidences []float64 `json:"confidences"`
	Frame       Envelope  `json:"frame"`
}

// Validate checks the shape invariant.
func (r DetectionResult) Validate() error {
	if len(r.ClassIDs) != len(r.Boxes) || len(r.Confidences) != len(r.Boxes) {
		return fmt.Errorf("misaligned detection: %d boxes, %d class ids, %d confidences",
			len(r.Boxes), len(r.ClassIDs), len(r.Confidences))
	}
	for _, idx := range r.Indices {
		if idx < 0 || idx >= len(r.Boxes) {
			return fmt.Errorf("index %d out of range for %d boxes", idx, len(r.Boxes))
		}
	}
	return nil
}

// BranchRequest is the input shared by annotate and sink.
type BranchRequest struct {
	Frame    Envelope `json:"frame"`
	Boxes    []Box    `json:"boxes"`
	Indices  []int    `json:"indices"`
	ClassIDs []int    `json:"class_ids"`
}

// Validate checks that every index addresses a box and a class id.
func (r BranchRequest) Validate() error {
	if len(r.ClassIDs) != len(r.Boxes) {
		return fmt.Errorf("misaligned branch request: %d boxes, %d class ids", len(r.Boxes), len(r.ClassIDs))
	}
	for _, idx := range r.Indices {
		if idx < 0 || idx >= len(r.Boxes) {
			return fmt.Errorf("index %d out of range for %d boxes", idx, len(r.Boxes))
		}
	}
	return nil
}

// AnnotateResult is the annotate stage output.
type AnnotateResult struct {
	Success  bool   `json:"success"`
	Artifact string `json:"artifact,omitempty"`
}

// SinkAck is the sink stage acknowledgment.
type SinkAck struct {
	Success   bool `json:"success"`
	Published int  `json:"published"`
}
