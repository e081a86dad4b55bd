package engine

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
)

// reservedUnits is the number of hardware threads left for the coordinating
// goroutine, the runtime and I/O.
const reservedUnits = 2

// WorkerCount applies the reservation policy to the available parallelism:
// max(available - 2, 1).
func WorkerCount(available int) int {
	if w := available - reservedUnits; w > 1 {
		return w
	}
	return 1
}

// AvailableParallelism returns the number of logical CPUs the process can
// run on, capped by GOMAXPROCS.
func AvailableParallelism() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if p := runtime.GOMAXPROCS(0); p < n {
		n = p
	}
	return n
}

// DefaultWorkers is WorkerCount(AvailableParallelism()).
func DefaultWorkers() int {
	return WorkerCount(AvailableParallelism())
}
