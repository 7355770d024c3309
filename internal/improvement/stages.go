package improvement

import "context"

// Default stage implementations. They carry baseline heuristics so the
// pipeline is runnable out of the box; deployments wire real collectors
// through SetStageFunc.

const (
	// retraining fires when the active-learning queue grows past this
	activeLearningSaturation = 20
	// promotion requires at least this improvement over baseline
	promotionImprovementFloor = 0.02
)

func defaultQualityCheck(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
	return map[string]interface{}{
		"avg_quality_score":  0.85,
		"quality_variance":   0.02,
		"total_observations": 1000,
	}, nil
}

func defaultDriftDetection(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
	return map[string]interface{}{
		"models_checked":  []string{},
		"drift_detected":  false,
		"drift_models":    []string{},
		"max_drift_sigma": 0.5,
	}, nil
}

func defaultActiveLearning(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
	return map[string]interface{}{
		"tasks_selected":   25,
		"avg_uncertainty":  0.65,
		"queue_size_after": 25,
	}, nil
}

// defaultRetrainingTrigger reads drift detection and active-learning
// saturation from the predecessor steps.
func defaultRetrainingTrigger(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
	driftDetected := false
	if r := exec.Steps[StageDriftDetection].Result; r != nil {
		driftDetected, _ = r["drift_detected"].(bool)
	}
	tasksSelected := 0
	if r := exec.Steps[StageActiveLearning].Result; r != nil {
		tasksSelected, _ = r["tasks_selected"].(int)
	}

	shouldRetrain := driftDetected || tasksSelected > activeLearningSaturation
	triggerReason := "active_learning_saturated"
	if driftDetected {
		triggerReason = "drift_detected"
	}

	return map[string]interface{}{
		"should_retrain":          shouldRetrain,
		"trigger_reason":          triggerReason,
		"estimated_training_time": 3600,
		"data_size":               10000,
	}, nil
}

func defaultModelEvaluation(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
	return map[string]interface{}{
		"accuracy":                  0.87,
		"precision":                 0.85,
		"recall":                    0.89,
		"f1_score":                  0.87,
		"improvement_over_baseline": 0.03,
	}, nil
}

// defaultPromotionDecision promotes when the evaluated improvement clears
// the floor.
func defaultPromotionDecision(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
	improvement := 0.0
	if r := exec.Steps[StageModelEvaluation].Result; r != nil {
		improvement, _ = r["improvement_over_baseline"].(float64)
	}

	return map[string]interface{}{
		"should_promote":         improvement > promotionImprovementFloor,
		"confidence_score":       0.92,
		"rollback_plan":          "revert_to_previous_model_version",
		"monitoring_period_days": 7,
	}, nil
}

// defaultDeployment skips when the promotion decision declined.
func defaultDeployment(ctx context.Context, exec *Execution) (map[string]interface{}, error) {
	promoted := false
	if r := exec.Steps[StagePromotionDecision].Result; r != nil {
		promoted, _ = r["should_promote"].(bool)
	}
	if !promoted {
		return map[string]interface{}{
			"deployment_status": "skipped",
			"reason":            "promotion_criteria_not_met",
		}, ErrSkipStage
	}

	return map[string]interface{}{
		"deployment_status":  "success",
		"traffic_percentage": 10,
		"rollback_available": true,
	}, nil
}
