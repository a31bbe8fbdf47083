package core

const (
	// StableUntested is an installed tag that has not finished a start attempt.
	StableUntested = 0
	// StableOK is a tag whose last start attempt stayed healthy.
	StableOK = 1
	// StableRetry is a tag that failed once and gets one more try on a fresh start.
	StableRetry = -1
	// StableFailed is a tag that is never started automatically again.
	StableFailed = -2
)

// Skip reports whether a tag with the given score must not be attempted.
// A fresh attempt, the first since launch, retries tags that failed once.
func Skip(stable int, fresh bool) bool {
	if stable <= StableFailed {
		return true
	}

	return stable == StableRetry && !fresh
}

// OnFailure returns the score of a tag whose start attempt just failed.
// The failure is decisive on a fresh attempt or for a tag that already
// failed once; otherwise the tag may be retried later.
func OnFailure(prior int, fresh bool) int {
	if fresh || prior == StableRetry {
		return StableFailed
	}

	return StableRetry
}
