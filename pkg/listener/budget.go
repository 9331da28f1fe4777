package listener

import (
	"os"
	"strconv"
)

// socketBufferEnvVar overrides the total OS-level UDP receive-buffer
// budget shared across every Base a supervisor creates, letting an
// operator raise it at deploy time without touching the settings file
// (useful in containers where the settings file is baked into an image).
const socketBufferEnvVar = "FLOWCOLLECTOR_UDP_BUFFER_BYTES"

// BufferBudget computes the per-Base UDP receive buffer size given a
// total budget and a count of bases sharing it, applying an environment
// override to the total if present. Each base receives an equal share,
// with any remainder from integer division added to the first base so the
// full budget is always allocated.
func BufferBudget(configuredTotal int, baseCount int) []int {
	total := configuredTotal
	if v := os.Getenv(socketBufferEnvVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			total = n
		}
	}
	if baseCount <= 0 {
		return nil
	}

	share := total / baseCount
	remainder := total % baseCount

	out := make([]int, baseCount)
	for i := range out {
		out[i] = share
	}
	if len(out) > 0 {
		out[0] += remainder
	}
	return out
}
