package aria2

// Instance count bands. More instances only help up to a point before
// per-instance overhead dominates.
const (
	maxInstances          = 8
	threadsPerExtraWorker = 6
)

// Per-instance connection ceilings by total budget band, so one worker
// cannot monopolize connections.
const (
	uncappedThreads = 16
	capSmallBudget  = 16 // 17-32 total
	capMediumBudget = 20 // 33-64 total
	capLargeBudget  = 24 // 65-128 total
	capHugeBudget   = 32 // above
)

// InstanceCount derives how many worker processes to run from the global
// connection budget.
func InstanceCount(totalThreads int) int {
	switch {
	case totalThreads <= 0:
		return 1
	case totalThreads <= 4:
		return 1
	case totalThreads <= 8:
		return 2
	case totalThreads <= 16:
		return 4
	case totalThreads <= 32:
		return 5
	default:
		n := (totalThreads + threadsPerExtraWorker - 1) / threadsPerExtraWorker
		if n > maxInstances {
			n = maxInstances
		}
		return n
	}
}

// ThreadsPerInstance divides the global budget across instances. The
// remainder goes to the first instances, and the result is clamped to a
// band-dependent ceiling.
func ThreadsPerInstance(totalThreads, instanceCount, index int) int {
	if instanceCount <= 0 {
		instanceCount = 1
	}
	if totalThreads <= 0 {
		totalThreads = 1
	}

	threads := totalThreads / instanceCount
	if index < totalThreads%instanceCount {
		threads++
	}
	if threads < 1 {
		threads = 1
	}

	ceiling := threadCap(totalThreads)
	if threads > ceiling {
		threads = ceiling
	}
	return threads
}

// threadCap returns the per-instance ceiling for the given total budget.
func threadCap(totalThreads int) int {
	switch {
	case totalThreads <= 16:
		return uncappedThreads
	case totalThreads <= 32:
		return capSmallBudget
	case totalThreads <= 64:
		return capMediumBudget
	case totalThreads <= 128:
		return capLargeBudget
	default:
		return capHugeBudget
	}
}

// SmartThreadsForFile adjusts the per-task connection count to the target
// file size. Small files gain nothing from parallel ranges and pay
// connection-setup overhead; very large files may borrow more of the
// global budget than the per-instance baseline.
func SmartThreadsForFile(fileSizeMB int64, baseThreads, totalThreads int) int {
	if baseThreads < 1 {
		baseThreads = 1
	}

	switch {
	case fileSizeMB <= 0:
		// Unknown size: stay at the baseline
		return baseThreads
	case fileSizeMB <= 2:
		return 1
	case fileSizeMB <= 10:
		return minInt(baseThreads, 2)
	case fileSizeMB <= 50:
		return minInt(baseThreads, 4)
	case fileSizeMB <= 200:
		return minInt(baseThreads, 8)
	case fileSizeMB <= 1000:
		return minInt(baseThreads, 12)
	default:
		// Above 1GB the task may scale past the baseline, bounded by
		// three quarters of the global budget and a hard cap of 16.
		boost := minInt(totalThreads*3/4, 16)
		return maxInt(baseThreads, boost)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
