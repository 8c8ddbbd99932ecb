package domain

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// RunState is a node of the orchestrator state machine.
type RunState string

const (
	StatePending    RunState = "pending"
	StateFiltering  RunState = "filtering"
	StateSkipped    RunState = "skipped"
	StateFiltered   RunState = "filtered"
	StateDetecting  RunState = "detecting"
	StateFanningOut RunState = "fanning_out"
	StateJoining    RunState = "joining"
	StateDone       RunState = "done"
	StateFailed     RunState = "failed"
)

// Terminal reports whether no transition leaves the state.
func (s RunState) Terminal() bool {
	return s == StateSkipped || s == StateDone || s == StateFailed
}

var transitions = map[RunState][]RunState{
	StatePending:    {StateFiltering},
	StateFiltering:  {StateSkipped, StateFiltered},
	StateFiltered:   {StateDetecting},
	StateDetecting:  {StateFanningOut},
	StateFanningOut: {StateJoining},
	StateJoining:    {StateDone},
}

// CanTransition reports whether from → to is a legal edge. Every non-terminal
// state may fail.
func CanTransition(from, to RunState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunOutcome is the terminal classification of a run.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeSkipped   RunOutcome = "skipped"
	OutcomeFailed    RunOutcome = "failed"
)

// StageRecord holds the observed timing and error of one stage invocation.
type StageRecord struct {
	Stage   StageName
	Elapsed time.Duration
	// Remote is the processing time reported by the far side, when known.
	Remote time.Duration
	Err    error
}

// Run is one execution of the graph for one frame pair. It is owned by the
// invocation that created it; only the stage records are written concurrently.
type Run struct {
	ID      string
	Input   FramePair
	State   RunState
	History []RunState
	Outcome RunOutcome

	Filter    *FilterDecision
	Detection *DetectionResult
	Annotate  *AnnotateResult
	Sink      *SinkAck

	Elapsed     time.Duration
	FailedStage StageName
	Err         error

	mu     sync.Mutex
	stages map[StageName]*StageRecord
}

// NewRun creates a pending run.
func NewRun(id string, input FramePair) *Run {
	return &Run{
		ID:      id,
		Input:   input,
		State:   StatePending,
		History: []RunState{StatePending},
		stages:  make(map[StageName]*StageRecord),
	}
}

// Transition moves the run along the state machine.
func (r *Run) Transition(to RunState) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("illegal run transition %s -> %s", r.State, to)
	}
	r.State = to
	r.History = append(r.History, to)
	switch to {
	case StateDone:
		r.Outcome = OutcomeCompleted
	case StateSkipped:
		r.Outcome = OutcomeSkipped
	case StateFailed:
		r.Outcome = OutcomeFailed
	}
	return nil
}

// Fail records the failing stage and moves the run to FAILED. The first
// failure wins when both branches fail.
func (r *Run) Fail(stage StageName, err error) {
	if r.State.Terminal() {
		return
	}
	r.FailedStage = stage
	r.Err = err
	_ = r.Transition(StateFailed)
}

// RecordStage stores the elapsed time and error of a stage. Safe for concurrent use.
func (r *Run) RecordStage(stage StageName, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(stage)
	rec.Elapsed = elapsed
	rec.Err = err
}

// RecordRemote stores the far-side processing time of a stage.
func (r *Run) RecordRemote(stage StageName, remote time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(stage).Remote = remote
}

func (r *Run) recordLocked(stage StageName) *StageRecord {
	if r.stages == nil {
		r.stages = make(map[StageName]*StageRecord)
	}
	rec, ok := r.stages[stage]
	if !ok {
		rec = &StageRecord{Stage: stage}
		r.stages[stage] = rec
	}
	return rec
}

// Stage returns a copy of the stage record, if the stage was invoked.
func (r *Run) Stage(stage StageName) (StageRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stages[stage]
	if !ok {
		return StageRecord{}, false
	}
	return *rec, true
}

// Invoked lists the stages that have a record, in graph order.
func (r *Run) Invoked() []StageName {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StageName
	for _, s := range Stages {
		if _, ok := r.stages[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Success mirrors the gate decision as seen by callers: only completed runs succeed.
func (r *Run) Success() bool {
	return r.Outcome == OutcomeCompleted
}

// ElapsedKeyRun is the key of the whole-run duration in RunReport.Elapsed.
const ElapsedKeyRun = "run"

// ReportError is the failing stage's status and message.
type ReportError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunReport is the aggregate JSON form of a run, returned by the DAG engine.
type RunReport struct {
	RunID       string             `json:"run_id"`
	Outcome     RunOutcome         `json:"outcome"`
	Success     bool               `json:"success"`
	FailedStage StageName          `json:"failed_stage,omitempty"`
	Error       *ReportError       `json:"error,omitempty"`
	Filter      *FilterDecision    `json:"filter,omitempty"`
	Detection   *DetectionResult   `json:"detection,omitempty"`
	Annotate    *AnnotateResult    `json:"annotate,omitempty"`
	Sink        *SinkAck           `json:"sink,omitempty"`
	Elapsed     map[string]Seconds `json:"elapsed,omitempty"`
}

// Report builds the aggregate form of the run.
func (r *Run) Report() RunReport {
	report := RunReport{
		RunID:       r.ID,
		Outcome:     r.Outcome,
		Success:     r.Success(),
		FailedStage: r.FailedStage,
		Filter:      r.Filter,
		Detection:   r.Detection,
		Annotate:    r.Annotate,
		Sink:        r.Sink,
		Elapsed:     map[string]Seconds{ElapsedKeyRun: SecondsOf(r.Elapsed)},
	}
	if r.Err != nil {
		report.Error = &ReportError{
			Status:  StatusOf(r.Err),
			Code:    CodeOf(r.Err),
			Message: MessageOf(r.Err),
		}
	}
	for _, stage := range r.Invoked() {
		rec, _ := r.Stage(stage)
		report.Elapsed[string(stage)] = SecondsOf(rec.Elapsed)
	}
	return report
}

// RunFromReport rebuilds a run from its aggregate form. The state history is
// reconstructed from the outcome since the engine only reports the result.
func RunFromReport(report RunReport, input FramePair) (*Run, error) {
	run := NewRun(report.RunID, input)
	run.Filter = report.Filter
	run.Detection = report.Detection
	run.Annotate = report.Annotate
	run.Sink = report.Sink
	if d, ok := report.Elapsed[ElapsedKeyRun]; ok {
		run.Elapsed = d.Duration()
	}
	for key, d := range report.Elapsed {
		if stage := StageName(key); stage.Valid() {
			run.RecordStage(stage, d.Duration(), nil)
		}
	}

	var path []RunState
	switch report.Outcome {
	case OutcomeSkipped:
		path = []RunState{StateFiltering, StateSkipped}
	case OutcomeCompleted:
		path = []RunState{StateFiltering, StateFiltered, StateDetecting, StateFanningOut, StateJoining, StateDone}
	case OutcomeFailed:
		path = failedPath(report.FailedStage)
	default:
		return nil, fmt.Errorf("report %s has unknown outcome %q", report.RunID, report.Outcome)
	}
	for _, state := range path {
		if state == StateFailed {
			run.Fail(report.FailedStage, reportErr(report))
			continue
		}
		if err := run.Transition(state); err != nil {
			return nil, err
		}
	}
	if report.FailedStage.Valid() {
		run.RecordStage(report.FailedStage, elapsedOf(report, report.FailedStage), run.Err)
	}
	return run, nil
}

func failedPath(stage StageName) []RunState {
	switch stage {
	case StageFilter:
		return []RunState{StateFiltering, StateFailed}
	case StageDetect:
		return []RunState{StateFiltering, StateFiltered, StateDetecting, StateFailed}
	default:
		return []RunState{StateFiltering, StateFiltered, StateDetecting, StateFanningOut, StateJoining, StateFailed}
	}
}

func elapsedOf(report RunReport, stage StageName) time.Duration {
	return report.Elapsed[string(stage)].Duration()
}

func reportErr(report RunReport) error {
	if report.Error == nil {
		return &StageError{Stage: report.FailedStage, Message: "failed without error detail", Err: errors.New(CodeInternal)}
	}
	return &StageError{
		Stage:   report.FailedStage,
		Status:  report.Error.Status,
		Message: report.Error.Message,
	}
}
