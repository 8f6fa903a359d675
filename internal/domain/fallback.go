package domain

// FallbackSummary records the outcome of model-fallback reconciliation for a
// job: what was requested, what the backend actually used, and the credit
// adjustment that followed.
type FallbackSummary struct {
	RequestedModel string         `json:"requested_model"`
	UsedModel      string         `json:"used_model"`
	Refund         int            `json:"refund"`
	UsageConsumed  int            `json:"usage_consumed"`
	Breakdown      map[string]int `json:"breakdown"`
}
