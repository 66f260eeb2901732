package notify

import "time"

// backoffTable maps attempt count to retry delay. The index clamps at the
// last entry so worst-case retry latency stays bounded.
var backoffTable = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	4 * time.Hour,
}

func backoffDelay(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(backoffTable) {
		i = len(backoffTable) - 1
	}
	return backoffTable[i]
}
