package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBatchItemsWalksPromptThenGenerates(t *testing.T) {
	s := newTestServer(t, 1)
	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1, PromptTokens: []int32{10, 11}, NPredict: 1, Results: make(chan Result, 4)}
	s.Submit(task)
	require.True(t, s.DispatchOne())

	first := s.NextBatchItems(4)
	require.Len(t, first, 1)
	assert.Equal(t, int32(10), first[0].Token)
	assert.False(t, first[0].EmitLogits)

	second := s.NextBatchItems(4)
	require.Len(t, second, 1)
	assert.Equal(t, int32(11), second[0].Token)
	assert.True(t, second[0].EmitLogits)
	assert.Equal(t, SlotDonePrompt, s.slots[0].State)

	third := s.NextBatchItems(4)
	require.Len(t, third, 1)
	assert.True(t, third[0].EmitLogits)
	assert.Equal(t, SlotGenerating, s.slots[0].State)
}

func TestNextBatchItemsRespectsNPredictBudget(t *testing.T) {
	s := newTestServer(t, 1)
	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1, PromptTokens: []int32{1}, NPredict: 1, Results: make(chan Result, 4)}
	s.Submit(task)
	require.True(t, s.DispatchOne())
	s.NextBatchItems(4) // consumes the single prompt token

	s.mu.Lock()
	s.slots[0].NumPredicted = 1
	s.mu.Unlock()

	assert.Empty(t, s.NextBatchItems(4))
}

func TestRecordTokenStreamsAndReleasesOnFinal(t *testing.T) {
	s := newTestServer(t, 1)
	results := make(chan Result, 4)
	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1, PromptTokens: []int32{1}, NPredict: 1, Results: results}
	s.Submit(task)
	require.True(t, s.DispatchOne())
	s.NextBatchItems(4)

	ok := s.RecordToken(0, 42, "hi", true)
	assert.True(t, ok)

	got := resultsOf(t, results)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].TextToSend)
	assert.True(t, got[0].Stop)
	assert.Equal(t, SlotIdle, s.slots[0].State)
}

func TestRecordTokenOnUnknownSlotIsNoop(t *testing.T) {
	s := newTestServer(t, 1)
	assert.False(t, s.RecordToken(7, 1, "x", false))
}

// A slot reused for a second task must not carry over the first task's
// n_past: without step 3's reconciliation, NextBatchItems would see
// n_past >= len(new prompt) immediately and skip processing it entirely.
func TestSecondTaskOnReusedSlotReprocessesItsOwnPrompt(t *testing.T) {
	s := newTestServer(t, 1)

	first := &Task{ID: 1, Kind: TaskCompletion, SlotID: 0, PromptTokens: []int32{1, 2, 3}, Results: make(chan Result, 8)}
	s.Submit(first)
	require.True(t, s.DispatchOne())
	s.NextBatchItems(4) // position 0
	s.NextBatchItems(4) // position 1
	s.NextBatchItems(4) // position 2, emits logits, done_prompt
	require.True(t, s.RecordToken(0, 99, "x", true))
	require.Equal(t, SlotIdle, s.slots[0].State, "first task must have run to completion and released the slot")
	require.Equal(t, int32(3), s.slots[0].NPast, "n_past from the first task is left in place until the next assign reconciles it")

	second := &Task{ID: 2, Kind: TaskCompletion, SlotID: 0, PromptTokens: []int32{7, 8}, Results: make(chan Result, 8)}
	s.Submit(second)
	require.True(t, s.DispatchOne())
	assert.Equal(t, int32(0), s.slots[0].NPast, "no prefix in common with the unrelated first prompt, so n_past resets to 0")

	items := s.NextBatchItems(4)
	require.Len(t, items, 1, "the second task's own prompt must be walked from the start, not skipped")
	assert.Equal(t, int32(7), items[0].Token)
	assert.Equal(t, SlotProcessingPrompt, s.slots[0].State)
}

func TestNextBatchItemsFinalizesSlotOnContextExhaustionWithShiftDisabled(t *testing.T) {
	s := newTestServer(t, 1)
	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: 0, PromptTokens: []int32{1}, Shift: false, Results: make(chan Result, 4)}
	s.Submit(task)
	require.True(t, s.DispatchOne())
	s.NextBatchItems(4) // consumes the prompt token, enters SlotDonePrompt

	s.mu.Lock()
	s.slots[0].NPast = s.nCtxSlot
	s.mu.Unlock()

	items := s.NextBatchItems(4)
	assert.Empty(t, items, "an exhausted slot with shift disabled must finalise, not dispatch another step")

	got := resultsOf(t, task.Results)
	require.Len(t, got, 1)
	assert.Error(t, got[0].Err)
	assert.True(t, got[0].Truncated)
	assert.Equal(t, SlotIdle, s.slots[0].State)
}

func TestNextBatchItemsShiftsAndContinuesWhenEnabled(t *testing.T) {
	s := newTestServer(t, 1)
	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: 0, PromptTokens: []int32{1}, Shift: true, NKeep: 1, Results: make(chan Result, 4)}
	s.Submit(task)
	require.True(t, s.DispatchOne())
	s.NextBatchItems(4)

	s.mu.Lock()
	for p := int32(0); p < s.nCtxSlot; p++ {
		require.NoError(t, s.cache.Write(s.slots[0].SeqID, 0, p, []byte{byte(p)}, []byte{byte(p)}))
	}
	s.slots[0].NPast = s.nCtxSlot
	beforeShift := s.slots[0].NPast
	s.mu.Unlock()

	items := s.NextBatchItems(4)
	require.Len(t, items, 1, "a successful shift must still dispatch this round's step")
	assert.Equal(t, SlotGenerating, s.slots[0].State)
	assert.Less(t, s.slots[0].NPast, beforeShift)
}
