package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// TallyMetrics is returned by GET /v1/metrics/tally.
type TallyMetrics struct {
	TotalRuns          int64   `json:"totalRuns"`
	FailedRuns         int64   `json:"failedRuns"`
	ErrorRate          float64 `json:"errorRate"`
	ChequesCashed      int64   `json:"chequesCashed"`
	ChequesPending     int64   `json:"chequesPending"`
	ChunksFailed       int64   `json:"chunksFailed"`
	ChunksProcessed    int64   `json:"chunksProcessed"`
	PromptTokens       int64   `json:"promptTokens"`
	CompletionTokens   int64   `json:"completionTokens"`
	ReportCacheHitRate float64 `json:"reportCacheHitRate"`
	Period             string  `json:"period"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
