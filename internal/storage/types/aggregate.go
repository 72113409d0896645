package types

// Summary holds statistics over the numeric samples of one field in a window.
type Summary struct {
	Field string `json:"field"`

	// Window bounds in epoch seconds (inclusive).
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Count is the number of numeric samples; Skipped counts text and null
	// samples in the same window.
	Count   int64 `json:"count"`
	Skipped int64 `json:"skipped"`

	Sum  float64 `json:"sum"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`

	// Percentiles (nil when there are no numeric samples)
	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`

	// Timestamps of the first and last numeric sample.
	FirstTs float64 `json:"first_ts"`
	LastTs  float64 `json:"last_ts"`
}

// SetPercentiles sets all percentile values.
func (s *Summary) SetPercentiles(p50, p90, p95, p99 float64) {
	s.P50 = &p50
	s.P90 = &p90
	s.P95 = &p95
	s.P99 = &p99
}

// HasPercentiles returns true if percentiles are available.
func (s *Summary) HasPercentiles() bool {
	return s.P50 != nil
}
