package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobDocKey names the cached polling document of a terminal job. Terminal
// jobs never change, so the entry needs no invalidation.
func JobDocKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey names one identity's counter for one window kind ("hour", "day").
func RateLimitKey(identity, window string) string {
	return fmt.Sprintf("ratelimit:%s:%s", identity, window)
}
