package queue

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const meminfoPath = "/proc/meminfo"

// MemoryStats summarizes host memory for auto-sizing and the admin surface.
type MemoryStats struct {
	TotalBytes     uint64 `json:"total_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
}

// ReadMemoryStats parses /proc/meminfo. Returns zeros on platforms or
// environments where it is unavailable.
func ReadMemoryStats() MemoryStats {
	return readMeminfo(meminfoPath)
}

func readMeminfo(path string) MemoryStats {
	f, err := os.Open(path)
	if err != nil {
		return MemoryStats{}
	}
	defer f.Close()

	var stats MemoryStats
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			stats.TotalBytes = kb * 1024
		case "MemAvailable:":
			stats.AvailableBytes = kb * 1024
		}
	}
	return stats
}

// AutoParallel derives a default per-model parallel limit from total host
// memory: >=16GB -> 4, >=8GB -> 2, else 1. A hint for small deployments, not
// a guarantee that the backend can serve that many generations at once.
func AutoParallel() int {
	return autoParallelFrom(ReadMemoryStats().TotalBytes)
}

func autoParallelFrom(totalBytes uint64) int {
	const gb = 1 << 30
	switch {
	case totalBytes >= 16*gb:
		return 4
	case totalBytes >= 8*gb:
		return 2
	default:
		return 1
	}
}
