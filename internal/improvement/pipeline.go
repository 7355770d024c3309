// Package improvement runs the continuous-improvement pipeline: a fixed
// seven-stage sequence from quality checks through drift detection to an
// automated promotion and deployment decision.
package improvement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atp/router/internal/metrics"
)

// Stage identifies one pipeline step.
type Stage string

const (
	StageQualityCheck      Stage = "quality_check"
	StageDriftDetection    Stage = "drift_detection"
	StageActiveLearning    Stage = "active_learning"
	StageRetrainingTrigger Stage = "retraining_trigger"
	StageModelEvaluation   Stage = "model_evaluation"
	StagePromotionDecision Stage = "promotion_decision"
	StageDeployment        Stage = "deployment"
)

// stageOrder is strict; later stages read earlier stages' result maps.
var stageOrder = []Stage{
	StageQualityCheck,
	StageDriftDetection,
	StageActiveLearning,
	StageRetrainingTrigger,
	StageModelEvaluation,
	StagePromotionDecision,
	StageDeployment,
}

// Status of an execution or a single step.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ErrSkipStage marks a stage as intentionally not executed; the pipeline
// continues.
var ErrSkipStage = errors.New("stage skipped")

// Step is one stage's execution record.
type Step struct {
	Stage     Stage
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Result    map[string]interface{}
	Error     string
}

// Duration returns the step's wall time, or zero while incomplete.
func (s *Step) Duration() time.Duration {
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Execution is one full pipeline run.
type Execution struct {
	ExecutionID   string
	TriggerReason string
	StartTime     time.Time
	EndTime       time.Time
	Steps         map[Stage]*Step
	Status        Status
}

// Duration returns the total wall time, or zero while running.
func (e *Execution) Duration() time.Duration {
	if e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// StageFunc computes one stage's result. It may read earlier stages through
// the execution's Steps map. Returning an error wrapping ErrSkipStage marks
// the step skipped without failing the execution.
type StageFunc func(ctx context.Context, exec *Execution) (map[string]interface{}, error)

var stepDurationBuckets = []float64{1, 5, 10, 30, 60, 300}

// Pipeline executes improvement runs and keeps their history.
type Pipeline struct {
	mu         sync.Mutex
	executions map[string]*Execution
	stages     map[Stage]StageFunc

	metrics *metrics.Registry
	logger  *log.Logger
}

func New(reg *metrics.Registry) *Pipeline {
	p := &Pipeline{
		executions: make(map[string]*Execution),
		stages:     make(map[Stage]StageFunc),
		metrics:    reg,
		logger:     log.New(log.Writer(), "[IMPROVEMENT] ", log.LstdFlags),
	}
	p.stages[StageQualityCheck] = defaultQualityCheck
	p.stages[StageDriftDetection] = defaultDriftDetection
	p.stages[StageActiveLearning] = defaultActiveLearning
	p.stages[StageRetrainingTrigger] = defaultRetrainingTrigger
	p.stages[StageModelEvaluation] = defaultModelEvaluation
	p.stages[StagePromotionDecision] = defaultPromotionDecision
	p.stages[StageDeployment] = defaultDeployment
	return p
}

// SetStageFunc replaces a stage's implementation.
func (p *Pipeline) SetStageFunc(stage Stage, fn StageFunc) {
	p.mu.Lock()
	p.stages[stage] = fn
	p.mu.Unlock()
}

func newExecutionID() string {
	return fmt.Sprintf("ci_%d_%s", time.Now().Unix(),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
}

// Execute runs all stages in order. A failed stage fails the execution;
// remaining stages stay pending.
func (p *Pipeline) Execute(ctx context.Context, triggerReason string) *Execution {
	exec := &Execution{
		ExecutionID:   newExecutionID(),
		TriggerReason: triggerReason,
		StartTime:     time.Now(),
		Steps:         make(map[Stage]*Step, len(stageOrder)),
		Status:        StatusRunning,
	}
	for _, stage := range stageOrder {
		exec.Steps[stage] = &Step{Stage: stage, Status: StatusPending}
	}

	p.mu.Lock()
	p.executions[exec.ExecutionID] = exec
	p.gaugeActiveLocked()
	p.mu.Unlock()

	p.logger.Printf("execution %s started (trigger: %s)", exec.ExecutionID, triggerReason)

	failed := false
	for _, stage := range stageOrder {
		if err := p.runStep(ctx, exec, stage); err != nil {
			failed = true
			break
		}
	}

	p.mu.Lock()
	exec.EndTime = time.Now()
	if failed {
		exec.Status = StatusFailed
		p.countLocked("atp_ci_pipeline_failures_total")
	} else {
		exec.Status = StatusSuccess
		p.countLocked("atp_ci_pipeline_successes_total")
	}
	p.countLocked("atp_ci_pipeline_executions_total")
	p.gaugeActiveLocked()
	p.mu.Unlock()

	p.logger.Printf("execution %s finished with status %s", exec.ExecutionID, exec.Status)
	return exec
}

func (p *Pipeline) runStep(ctx context.Context, exec *Execution, stage Stage) error {
	p.mu.Lock()
	fn := p.stages[stage]
	step := exec.Steps[stage]
	step.Status = StatusRunning
	step.StartTime = time.Now()
	p.mu.Unlock()

	result, err := fn(ctx, exec)

	p.mu.Lock()
	defer p.mu.Unlock()
	step.EndTime = time.Now()
	step.Result = result

	if p.metrics != nil {
		p.metrics.ObserveWithBuckets("atp_ci_step_duration_seconds",
			step.Duration().Seconds(), map[string]string{"stage": string(stage)}, stepDurationBuckets)
	}

	switch {
	case err == nil:
		step.Status = StatusSuccess
		return nil
	case errors.Is(err, ErrSkipStage):
		step.Status = StatusSkipped
		return nil
	default:
		step.Status = StatusFailed
		step.Error = err.Error()
		p.logger.Printf("stage %s failed in %s: %v", stage, exec.ExecutionID, err)
		return err
	}
}

// ExecutionStatus returns an execution by id.
func (p *Pipeline) ExecutionStatus(executionID string) (*Execution, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exec, ok := p.executions[executionID]
	return exec, ok
}

// RecentExecutions returns up to limit executions, newest first.
func (p *Pipeline) RecentExecutions(limit int) []*Execution {
	if limit <= 0 {
		limit = 10
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Execution, 0, len(p.executions))
	for _, e := range p.executions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats summarizes pipeline history.
func (p *Pipeline) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.executions) == 0 {
		return map[string]interface{}{"total_executions": 0}
	}

	successful, failedCount, active := 0, 0, 0
	totalDuration := time.Duration(0)
	timed := 0
	for _, e := range p.executions {
		switch e.Status {
		case StatusSuccess:
			successful++
		case StatusFailed:
			failedCount++
		case StatusRunning:
			active++
		}
		if d := e.Duration(); d > 0 {
			totalDuration += d
			timed++
		}
	}

	avgDuration := 0.0
	if timed > 0 {
		avgDuration = totalDuration.Seconds() / float64(timed)
	}

	return map[string]interface{}{
		"total_executions":         len(p.executions),
		"successful_executions":    successful,
		"failed_executions":        failedCount,
		"success_rate":             float64(successful) / float64(len(p.executions)),
		"average_duration_seconds": avgDuration,
		"active_executions":        active,
	}
}

func (p *Pipeline) countLocked(name string) {
	if p.metrics != nil {
		p.metrics.IncCounter(name, nil)
	}
}

func (p *Pipeline) gaugeActiveLocked() {
	if p.metrics == nil {
		return
	}
	active := 0
	for _, e := range p.executions {
		if e.Status == StatusRunning {
			active++
		}
	}
	p.metrics.SetGauge("atp_ci_active_executions", float64(active), nil)
}
