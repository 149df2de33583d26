package kagami

import "time"

// VerificationRequest identifies one transaction to verify.
// A request is uniquely identified by its (TxHash, Chain) pair.
type VerificationRequest struct {
	TxHash string `json:"txHash"`
	Chain  string `json:"chain"`

	// ExpectedAmount, when set, asks the verifier to confirm the payment
	// carried at least this many USDC.
	ExpectedAmount *float64 `json:"expectedAmount,omitempty"`
}

// Key returns the cache key for this request.
func (r VerificationRequest) Key() string {
	return r.TxHash + ":" + r.Chain
}

// VerificationResult is the outcome of verifying a single transaction.
// A verifier failure is folded into the same shape: IsValid=false with
// ErrorMessage populated, so a batch never needs to carry two result types.
type VerificationResult struct {
	IsValid      bool    `json:"isValid"`
	TxHash       string  `json:"txHash"`
	Chain        string  `json:"chain"`
	AmountUSDC   float64 `json:"amountUsdc"`
	FromAddress  string  `json:"fromAddress,omitempty"`
	RiskScore    float64 `json:"riskScore"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

// PerformanceSample records aggregate figures for one BatchVerify call.
// Samples are immutable once appended.
type PerformanceSample struct {
	VerificationTime   time.Duration
	CacheHitRate       float64
	ConcurrentRequests int
	ErrorRate          float64
}

// CacheStats aggregates the most recent performance samples.
type CacheStats struct {
	AvgVerificationTimeMs float64 `json:"avgVerificationTimeMs"`
	AvgCacheHitRate       float64 `json:"avgCacheHitRate"`
	MaxConcurrentRequests int     `json:"maxConcurrentRequests"`
	AvgErrorRate          float64 `json:"avgErrorRate"`
	CacheSize             int     `json:"cacheSize"`
	SampleCount           int     `json:"sampleCount"`
}
