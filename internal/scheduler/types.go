// Package scheduler is the slot scheduler: task dispatch onto a fixed
// array of slots, the update-slots cooperative loop that drives prompt
// processing and generation through the pipeline engine, and slot
// persistence. The Task/Slot/Server-loop shape generalises a
// single-process Server/Sequence pair from one in-process llama.cpp
// context to a ring whose pipeline engine (internal/pipeline) and KV
// control plane (internal/kvcontrol) sit one level below.
package scheduler

import (
	"time"
)

// TaskKind is the closed set of work items the scheduler accepts.
type TaskKind int

const (
	TaskCompletion TaskKind = iota
	TaskCancel
	TaskMetrics
	TaskSlotSave
	TaskSlotRestore
	TaskSlotErase
	TaskLoraSet
)

// SpeculativeParams carries a completion request's
// speculative.{n_min,n_max,p_min} triple through to the slot it binds to.
type SpeculativeParams struct {
	NMin int     // below this many proposed tokens, skip speculation for the round
	NMax int     // upper bound on tokens requested from the draft proposer per round
	PMin float64 // carried through from the request; this core's reference sampler
	// is a deterministic argmax with no per-token probability to compare
	// against p_min, so it is not consulted.
}

// Task is one unit of submitted work.
type Task struct {
	ID       uint64
	Kind     TaskKind
	SlotID   int // explicit slot binding; -1 means "pick for me"
	Prompt   string
	PromptTokens []int32 // set instead of Prompt for token-array prompts
	Stop     []string
	NPredict int
	NKeep    int
	Shift    bool
	Embedding bool
	Speculative  *SpeculativeParams // non-nil requests the draft/verify path for this slot
	TargetTaskID uint64 // for TaskCancel: the task/slot to cancel
	SavePath string     // for TaskSlotSave/Restore
	Results  chan Result
}

// Result is one response unit: a streamed partial, or a final response
// with Stop set.
type Result struct {
	TaskID       uint64
	TextToSend   string
	Index        int
	Token        int32
	Stop         bool
	StoppedWord  bool   // true when Stop fired because of a matched stop string, not EOS/predict budget
	StoppingWord string // the stop string that matched, set alongside StoppedWord
	Cancelled    bool
	Truncated    bool
	Err          error
	Timings      Timings
}

// Timings reports the final response's performance breakdown.
type Timings struct {
	PromptN       int
	PromptMS      float64
	PredictedN    int
	PredictedMS   float64
}

// SlotState is the closed set of states a slot can be in.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotProcessingPrompt
	SlotDonePrompt
	SlotGenerating
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotProcessingPrompt:
		return "processing_prompt"
	case SlotDonePrompt:
		return "done_prompt"
	case SlotGenerating:
		return "generating"
	default:
		return "unknown"
	}
}

// Slot is one of the scheduler's fixed slots[] array entries.
type Slot struct {
	ID    int
	State SlotState

	Task *Task

	SeqID int32

	// CacheTokens is the slot's view of what is currently resident in the
	// KV cache for its sequence, used for longest-common-prefix matching
	// against new prompts and for resizing after slot_restore. Written by
	// ApplySystemPrompt, slot_restore, slot_erase, and assignLocked — the
	// last of these keeps it current across ordinary task-to-task reuse of
	// a slot, not just the out-of-band paths.
	CacheTokens []int32

	PromptTokens []int32 // the prompt currently being processed or just finished
	NPast        int32
	NKeep        int32

	LastUsed time.Time

	pendingText string // bytes buffered behind an incomplete UTF-8 sequence or a partial stop match

	LastSampledToken int32
	NumPredicted     int
	NPredict         int
	Stop             []string

	DraftCtx *DraftContext // non-nil if this slot is running speculative decoding
}

// DraftContext holds one slot's speculative decoding state (update-slots
// step 5): the request's n_min/n_max/p_min bounds, and the bookkeeping for
// whichever draft round is currently in flight around the ring.
type DraftContext struct {
	NMin int
	NMax int
	PMin float64

	// Pending is the current round's proposed token ids, in order,
	// awaiting verification against the target model's own choices.
	// Awaiting is true from the moment NextBatchItems dispatches the
	// round until VerifyDraftRun consumes it.
	Pending  []int32
	Awaiting bool
}
