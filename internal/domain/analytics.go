package domain

// ExecutionAnalytics summarizes a run's task lifecycle counters. Always
// recomputed from scratch over the full task set, never patched.
type ExecutionAnalytics struct {
	TotalTasks       int     `json:"total_tasks"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	Pending          int     `json:"pending"`
	InProgress       int     `json:"in_progress"`
	SuccessRate      float64 `json:"success_rate"`
	CompletionRate   float64 `json:"completion_rate"`
	AvgRetryAttempts float64 `json:"avg_retry_attempts"`
	TotalRetries     int     `json:"total_retries"`
}

// QualityMetrics summarizes transcript availability and evaluator scores
// across a run's call tasks.
type QualityMetrics struct {
	TranscriptAvailable int     `json:"transcript_available"`
	NoTranscript        int     `json:"no_transcript"`
	TranscriptRate      float64 `json:"transcript_rate"`
	AvgSuccessScore     float64 `json:"avg_success_score"`
	TotalSuccessScore   float64 `json:"total_success_score"`
	SuccessScoreCount   int     `json:"success_score_count"`
}

// CallAnalytics buckets call outcomes by the post-call summary status.
type CallAnalytics struct {
	TotalCalls     int            `json:"total_calls"`
	Interested     int            `json:"interested"`
	CallBack       int            `json:"call_back"`
	SendDetails    int            `json:"send_details"`
	NotInterested  int            `json:"not_interested"`
	NotConnected   int            `json:"not_connected"`
	Failed         int            `json:"failed"`
	QualityMetrics QualityMetrics `json:"quality_metrics"`
}
