package improvement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp/router/internal/metrics"
)

func TestExecuteAllStagesSucceed(t *testing.T) {
	p := New(metrics.NewRegistry())

	exec := p.Execute(context.Background(), "scheduled")
	assert.Equal(t, StatusSuccess, exec.Status)
	assert.Contains(t, exec.ExecutionID, "ci_")
	assert.False(t, exec.EndTime.IsZero())

	for _, stage := range stageOrder {
		step := exec.Steps[stage]
		require.NotNil(t, step, string(stage))
		assert.NotEqual(t, StatusPending, step.Status, string(stage))
	}

	// default evaluation improves over baseline, so deployment runs
	assert.Equal(t, StatusSuccess, exec.Steps[StageDeployment].Status)
	assert.Equal(t, "success", exec.Steps[StageDeployment].Result["deployment_status"])
}

func TestRetrainingTriggerReadsPredecessors(t *testing.T) {
	p := New(metrics.NewRegistry())
	p.SetStageFunc(StageDriftDetection, func(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
		return map[string]interface{}{"drift_detected": true}, nil
	})

	exec := p.Execute(context.Background(), "drift probe")
	require.Equal(t, StatusSuccess, exec.Status)

	trigger := exec.Steps[StageRetrainingTrigger].Result
	assert.Equal(t, true, trigger["should_retrain"])
	assert.Equal(t, "drift_detected", trigger["trigger_reason"])
}

func TestDeploymentSkippedWhenNotPromoted(t *testing.T) {
	p := New(metrics.NewRegistry())
	p.SetStageFunc(StageModelEvaluation, func(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
		return map[string]interface{}{"improvement_over_baseline": 0.001}, nil
	})

	exec := p.Execute(context.Background(), "marginal candidate")
	assert.Equal(t, StatusSuccess, exec.Status)

	promotion := exec.Steps[StagePromotionDecision].Result
	assert.Equal(t, false, promotion["should_promote"])

	deployment := exec.Steps[StageDeployment]
	assert.Equal(t, StatusSkipped, deployment.Status)
	assert.Equal(t, "promotion_criteria_not_met", deployment.Result["reason"])
}

func TestFailedStageFailsExecution(t *testing.T) {
	p := New(metrics.NewRegistry())
	p.SetStageFunc(StageDriftDetection, func(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
		return nil, errors.New("detector offline")
	})

	exec := p.Execute(context.Background(), "broken run")
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, StatusFailed, exec.Steps[StageDriftDetection].Status)
	assert.Equal(t, "detector offline", exec.Steps[StageDriftDetection].Error)

	// the quality check ran first; everything after the failure stayed pending
	assert.Equal(t, StatusSuccess, exec.Steps[StageQualityCheck].Status)
	assert.Equal(t, StatusPending, exec.Steps[StageActiveLearning].Status)
	assert.Equal(t, StatusPending, exec.Steps[StageDeployment].Status)
}

func TestExecutionStatusAndHistory(t *testing.T) {
	p := New(metrics.NewRegistry())

	first := p.Execute(context.Background(), "one")
	second := p.Execute(context.Background(), "two")

	got, ok := p.ExecutionStatus(first.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, "one", got.TriggerReason)

	_, ok = p.ExecutionStatus("ci_missing")
	assert.False(t, ok)

	recent := p.RecentExecutions(1)
	require.Len(t, recent, 1)
	assert.Equal(t, second.ExecutionID, recent[0].ExecutionID)
}

func TestStats(t *testing.T) {
	p := New(metrics.NewRegistry())
	assert.Equal(t, 0, p.Stats()["total_executions"])

	p.Execute(context.Background(), "good")
	p.SetStageFunc(StageQualityCheck, func(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})
	p.Execute(context.Background(), "bad")

	stats := p.Stats()
	assert.Equal(t, 2, stats["total_executions"])
	assert.Equal(t, 1, stats["successful_executions"])
	assert.Equal(t, 1, stats["failed_executions"])
	assert.InDelta(t, 0.5, stats["success_rate"].(float64), 0.001)
}
