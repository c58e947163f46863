package models

// TokenUsage is returned alongside every uncached LLM response and stored
// with the cached prompt record.
type TokenUsage struct {
	OperationTag     string  `json:"operation_tag"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalCostInUSD   float64 `json:"total_cost_in_usd"`
	Provider         string  `json:"provider"`
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.TotalCostInUSD += other.TotalCostInUSD
}
