package task

import "time"

const (
	// ScoreK is the priority-to-score multiplier, in milliseconds. One
	// priority unit must dominate any realistic span of submission
	// timestamps; 2^41 ms is about 69.7 years.
	ScoreK = int64(1) << 41

	// MinPriority and MaxPriority bound caller-supplied priorities.
	// With |priority| ≤ 2^10 and ScoreK = 2^41, |score| stays below 2^53,
	// so every score is an exactly-representable float64 integer and FIFO
	// ordering within a priority band is never lost to rounding.
	MinPriority = -1024
	MaxPriority = 1024
)

// Score derives the queue ordering key from priority and submission time.
// Lower score dequeues first: higher priority always wins, and within a
// priority band earlier submissions win. Entries that land on the same
// millisecond share a score and tie-break on the K-sortable task id.
func Score(priority int, submittedAt time.Time) float64 {
	return float64(-int64(priority)*ScoreK + submittedAt.UnixMilli())
}
