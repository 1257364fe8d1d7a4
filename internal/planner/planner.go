// Package planner assigns layer windows, GPU-offload prefixes, and a ring
// cycle count to a heterogeneous device ring by coordinate-descent search
// over a small integer space (N devices ≤ 8 typical). It runs out of band:
// only `ringd cluster plan` calls Solve, printing the plan or writing its
// layer windows into a node config file; `ringd serve` never runs it.
//
// Package shape (a Tunables struct instead of baked constants, a solver
// that returns either a Plan or a diagnostic naming the tightest-binding
// device) follows other_examples/petecheslock-workload-variant-autoscaler's
// internal/optimizer + pkg/solver layout, and the RAM/VRAM estimation
// heuristics are grounded on other_examples/gpustack-gguf-parser-go's
// file-size estimation functions.
package planner

import (
	"fmt"
	"math"
)

// DeviceProfile is one ring member's hardware characterisation, collected
// once at bring-up.
type DeviceProfile struct {
	Rank         int
	FlopsCPU     float64 // FLOP/s
	FlopsGPU     float64 // 0 if no accelerator
	RAMFree      uint64  // bytes
	VRAMFree     uint64  // bytes
	DiskReadBW   float64 // bytes/s
	OSClass      OSClass
	HasUMA       bool
	MasterPriority float64 // only meaningful for rank 0; scales its compute estimate
}

// OSClass affects how much of a device's page cache survives eviction
// pressure from sequential weight reads: sequential-reader OSes keep a
// larger effective cache than random-reader OSes for the same RAM budget.
type OSClass int

const (
	OSClassSequentialReader OSClass = iota
	OSClassRandomReader
)

func (c OSClass) cacheFactor() float64 {
	if c == OSClassSequentialReader {
		return 0.9
	}
	return 0.5
}

// Tunables are the coordinate-descent search's knobs, kept as a struct
// rather than package constants so `ringd cluster plan` can override
// BytesPerLayer and MaxCycles from its flags without a recompile. nodeconfig
// carries no tunables, and the per-OS-class cache factors are fixed in
// OSClass.cacheFactor rather than being among these fields.
type Tunables struct {
	BytesPerLayer   uint64  // approximate resident weight footprint per transformer layer
	RingLatency     float64 // seconds, one full trip around the ring
	MaxCycles       int
	BytesPerKVLayer uint64 // per-sequence, per-layer KV footprint at the configured n_ctx
}

// DefaultTunables gives a reasonable 70B-class starting point; callers
// should override BytesPerLayer from the weight store's own layout once a
// model is chosen.
func DefaultTunables() Tunables {
	return Tunables{
		BytesPerLayer:   800 * 1024 * 1024,
		RingLatency:      0.002,
		MaxCycles:        4,
		BytesPerKVLayer: 8 * 1024 * 1024,
	}
}

// Assignment is one device's share of the plan.
type Assignment struct {
	Rank            int
	LayerWindowSize int
	GPULayerCount   int
}

// Plan is the planner's output: one assignment per device plus the global
// ring cycle count.
type Plan struct {
	Assignments []Assignment
	Cycles      int
}

// ErrInfeasible is returned when no assignment satisfies every device's
// RAM/VRAM/disk-cache constraint; Detail names the tightest-binding
// device so bring-up can report something actionable instead of "no fit".
type ErrInfeasible struct {
	Detail string
}

func (e *ErrInfeasible) Error() string {
	return fmt.Sprintf("planner: no feasible layer assignment: %s", e.Detail)
}

// ErrDraftPlacementUndecided is returned when speculative decoding is
// requested over more than one rank with no draft-model rank pinned. Draft
// model device placement is an open question this package never guesses at:
// the caller must pin a rank explicitly before a speculative configuration
// can run across a multi-node ring.
type ErrDraftPlacementUndecided struct {
	NWorld int
}

func (e *ErrDraftPlacementUndecided) Error() string {
	return fmt.Sprintf("planner: speculative decoding requested across %d ranks with no draft model rank pinned; refusing to guess its placement", e.NWorld)
}

// CheckDraftPlacement enforces the draft-model placement open question.
// Speculation is always fine on a single-rank ring, where there is nothing
// to place. Across nWorld > 1 ranks it requires draftRank to name a valid
// rank; draftRank < 0 means unpinned and fails with ErrDraftPlacementUndecided.
func CheckDraftPlacement(nWorld int, speculative bool, draftRank int) error {
	if !speculative || nWorld <= 1 {
		return nil
	}
	if draftRank < 0 || draftRank >= nWorld {
		return &ErrDraftPlacementUndecided{NWorld: nWorld}
	}
	return nil
}

// Solve runs coordinate descent over integer per-device layer counts and
// cycle count to minimise the modelled critical path per token.
func Solve(devices []DeviceProfile, totalLayers int, t Tunables) (Plan, error) {
	if len(devices) == 0 {
		return Plan{}, fmt.Errorf("planner: no devices")
	}
	if totalLayers < len(devices) {
		return Plan{}, &ErrInfeasible{Detail: fmt.Sprintf("fewer layers (%d) than devices (%d); every device needs x_i >= 1", totalLayers, len(devices))}
	}

	x := evenSplit(totalLayers, len(devices))
	x = coordinateDescent(devices, x, totalLayers, t)
	if err := checkFeasible(devices, x, t); err != nil {
		return Plan{}, err
	}

	g := make([]int, len(devices))
	for i, d := range devices {
		g[i] = gpuLayersFor(d, x[i], t)
	}

	bestC, bestCost := 1, math.Inf(1)
	for c := 1; c <= t.MaxCycles; c++ {
		cost := criticalPath(devices, x, g, c, t)
		if cost < bestCost {
			bestCost, bestC = cost, c
		}
	}

	assignments := make([]Assignment, len(devices))
	for i, d := range devices {
		assignments[i] = Assignment{Rank: d.Rank, LayerWindowSize: x[i], GPULayerCount: g[i]}
	}
	return Plan{Assignments: assignments, Cycles: bestC}, nil
}

func evenSplit(total, n int) []int {
	x := make([]int, n)
	base := total / n
	rem := total % n
	for i := range x {
		x[i] = base
		if i < rem {
			x[i]++
		}
	}
	return x
}

// checkFeasible verifies every device's assignment fits its RAM, after
// applying the OS-class cache factor, and reports the tightest-binding
// device by name when it does not.
func checkFeasible(devices []DeviceProfile, x []int, t Tunables) error {
	var worst *ErrInfeasible
	var worstRatio float64
	for i, d := range devices {
		need := uint64(x[i]) * t.BytesPerLayer
		effectiveRAM := uint64(float64(d.RAMFree) * d.OSClass.cacheFactor())
		if need > effectiveRAM {
			ratio := float64(need) / math.Max(float64(effectiveRAM), 1)
			if worst != nil && ratio <= worstRatio {
				continue
			}
			worstRatio = ratio
			worst = &ErrInfeasible{Detail: fmt.Sprintf(
				"rank %d needs %d bytes for %d layers but has effective RAM %d (raw %d, os_class factor %.2f)",
				d.Rank, need, x[i], effectiveRAM, d.RAMFree, d.OSClass.cacheFactor())}
		}
	}
	if worst != nil {
		return worst
	}
	return nil
}

// gpuLayersFor picks how many of device d's x layers fit in VRAM, bounded
// by x itself per the g_i <= x_i constraint.
func gpuLayersFor(d DeviceProfile, x int, t Tunables) int {
	if d.FlopsGPU <= 0 || t.BytesPerLayer == 0 {
		return 0
	}
	fit := int(d.VRAMFree / t.BytesPerLayer)
	if fit > x {
		fit = x
	}
	if fit < 0 {
		fit = 0
	}
	return fit
}

func deviceCompute(d DeviceProfile, x, g int) float64 {
	cpuLayers := float64(x - g)
	gpuLayers := float64(g)
	flopsCPU := d.FlopsCPU
	if flopsCPU <= 0 {
		flopsCPU = 1
	}
	cost := cpuLayers / flopsCPU
	if d.FlopsGPU > 0 {
		cost += gpuLayers / d.FlopsGPU
	}
	if d.MasterPriority > 0 {
		cost /= d.MasterPriority
	}
	return cost
}

func deviceIO(d DeviceProfile, x int, t Tunables) float64 {
	if d.HasUMA || d.DiskReadBW <= 0 {
		return 0
	}
	bytes := float64(x) * float64(t.BytesPerLayer)
	return bytes / d.DiskReadBW
}

// criticalPath evaluates T_token for one candidate (x, g, C).
func criticalPath(devices []DeviceProfile, x, g []int, c int, t Tunables) float64 {
	var worst float64
	for i, d := range devices {
		total := deviceCompute(d, x[i], g[i]) + deviceIO(d, x[i], t)
		if total > worst {
			worst = total
		}
	}
	return worst/float64(c) + t.RingLatency*float64(c)
}

// coordinateDescent nudges one layer at a time from the busiest device to
// the device with the most slack, stopping when no single-layer move
// improves the critical path at C=1 (a cheap, monotone proxy for the
// eventual best C, since lowering the per-device max only ever helps).
func coordinateDescent(devices []DeviceProfile, x []int, totalLayers int, t Tunables) []int {
	g := make([]int, len(devices))
	improved := true
	for improved {
		improved = false
		for i, d := range devices {
			g[i] = gpuLayersFor(d, x[i], t)
		}
		cost := criticalPath(devices, x, g, 1, t)

		busiest, recipient := -1, -1
		var busiestCost, recipientCost float64
		for i, d := range devices {
			c := deviceCompute(d, x[i], g[i]) + deviceIO(d, x[i], t)
			if x[i] > 1 && (busiest == -1 || c > busiestCost) {
				busiest, busiestCost = i, c
			}
			if recipient == -1 || c < recipientCost {
				recipient, recipientCost = i, c
			}
		}
		if busiest == -1 || recipient == -1 || busiest == recipient {
			continue
		}

		// Move one layer off the busiest (slowest-finishing) device onto
		// the device with the most spare capacity, shrinking the
		// per-device max that the critical path is driven by.
		trial := append([]int(nil), x...)
		trial[busiest]--
		trial[recipient]++
		if trial[busiest] < 1 {
			continue
		}
		if err := checkFeasible(devices, trial, t); err != nil {
			continue
		}
		for i, d := range devices {
			g[i] = gpuLayersFor(d, trial[i], t)
		}
		trialCost := criticalPath(devices, trial, g, 1, t)
		if trialCost < cost {
			x = trial
			improved = true
		}
	}
	return x
}
