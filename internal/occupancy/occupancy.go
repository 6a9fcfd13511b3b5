// Package occupancy derives launch configurations from a function's resource
// footprint and the device's multiprocessor limits. Planning is a pure
// function: identical inputs always produce identical configurations.
package occupancy

import (
	"math"

	"fortio.org/safecast"

	"cubit/internal/device"
)

// Request carries the problem-size hint driving one kernel launch.
type Request struct {
	// ProblemSize is the number of logical elements the grid must cover.
	ProblemSize int
	// SharedPerThread is the dynamic shared memory each thread needs, in
	// bytes. The block allocation is derived from it.
	SharedPerThread int
}

// Config is a concrete launch configuration. It is recomputed per kernel
// build and never mutated in place.
type Config struct {
	BlockX uint32
	BlockY uint32
	BlockZ uint32

	GridX uint32
	GridY uint32
	GridZ uint32

	DynamicSharedMem int

	// ActiveBlocksPerMP and Occupancy summarize the residency the block
	// shape achieves, for the trace sink and for tuning.
	ActiveBlocksPerMP int
	Occupancy         float64
}

// Threads returns the flat block size.
func (c Config) Threads() int { return int(c.BlockX) * int(c.BlockY) * int(c.BlockZ) }

// Plan picks the thread-block size maximizing concurrently resident warps
// without violating any per-multiprocessor resource limit, then derives a
// covering grid for the problem size. Ties between block sizes go to the
// smaller block, which covers small problems with less waste.
func Plan(info device.FuncAttributes, props device.Properties, req Request) Config {
	warp := props.WarpSize
	if warp <= 0 {
		warp = 32
	}
	maxBlock := props.MaxThreadsPerBlock
	if info.MaxThreadsPerBlock > 0 && info.MaxThreadsPerBlock < maxBlock {
		maxBlock = info.MaxThreadsPerBlock
	}

	best := 0
	bestWarps := 0
	bestBlocks := 0
	for block := warp; block <= maxBlock; block += warp {
		active := residentBlocks(info, props, block, req.SharedPerThread)
		warps := active * (block / warp)
		if warps > bestWarps {
			best, bestWarps, bestBlocks = block, warps, active
		}
	}
	if best == 0 {
		// Nothing fits the residency limits at any warp multiple; fall
		// back to the smallest launchable block so the work is still
		// covered. The kernel's hard thread limit binds even here.
		best = warp
		if maxBlock < best {
			best = maxBlock
		}
		if best < 1 {
			best = 1
		}
		bestBlocks = 1
		bestWarps = 1
	}

	cfg := Config{
		BlockX:            clampU32(best),
		BlockY:            1,
		BlockZ:            1,
		GridY:             1,
		GridZ:             1,
		DynamicSharedMem:  dynamicAlloc(best, req.SharedPerThread, props.SharedAllocUnit),
		ActiveBlocksPerMP: bestBlocks,
	}

	size := req.ProblemSize
	if size < 1 {
		size = 1
	}
	grid := (size + best - 1) / best
	if props.MaxGridDimX > 0 && grid > props.MaxGridDimX {
		grid = props.MaxGridDimX
	}
	cfg.GridX = clampU32(grid)

	if maxWarps := props.MaxWarpsPerMP(); maxWarps > 0 {
		cfg.Occupancy = float64(bestWarps) / float64(maxWarps)
	}
	return cfg
}

// residentBlocks computes how many blocks of the given size can be resident
// on one multiprocessor under the warp, register, shared-memory and hard
// block-count limits. Zero means the shape does not fit at all.
func residentBlocks(info device.FuncAttributes, props device.Properties, block, sharedPerThread int) int {
	limit := props.MaxBlocksPerMP

	if warps := props.MaxWarpsPerMP(); warps > 0 {
		byWarps := warps / (block / props.WarpSize)
		if byWarps < limit {
			limit = byWarps
		}
	}

	if info.Registers > 0 && props.RegistersPerMP > 0 {
		regsPerBlock := roundUp(info.Registers*block, props.RegAllocUnit)
		if regsPerBlock > props.RegistersPerMP {
			return 0
		}
		if byRegs := props.RegistersPerMP / regsPerBlock; byRegs < limit {
			limit = byRegs
		}
	}

	smem := info.StaticSharedBytes + dynamicAlloc(block, sharedPerThread, props.SharedAllocUnit)
	if smem > 0 && props.SharedMemPerMP > 0 {
		smem = roundUp(smem, props.SharedAllocUnit)
		if props.SharedMemPerBlock > 0 && smem > props.SharedMemPerBlock {
			return 0
		}
		if bySmem := props.SharedMemPerMP / smem; bySmem < limit {
			limit = bySmem
		}
	}

	if limit < 0 {
		limit = 0
	}
	return limit
}

func dynamicAlloc(block, perThread, unit int) int {
	if perThread <= 0 {
		return 0
	}
	return roundUp(block*perThread, unit)
}

func roundUp(n, unit int) int {
	if unit <= 1 {
		return n
	}
	return (n + unit - 1) / unit * unit
}

func clampU32(n int) uint32 {
	v, err := safecast.Conv[uint32](n)
	if err != nil {
		return math.MaxUint32
	}
	return v
}
