package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringmesh/ringd/internal/kvcache"
)

type fakeBroadcaster struct {
	cache *kvcache.Cache
}

func (f *fakeBroadcaster) Remove(seqID, p0, p1 int32) error { f.cache.Remove(seqID, p0, p1); return nil }
func (f *fakeBroadcaster) Add(seqID, p0, p1, delta int32) error {
	f.cache.Add(seqID, p0, p1, delta)
	return nil
}
func (f *fakeBroadcaster) Copy(src, dst, p0, p1 int32) error { f.cache.Copy(src, dst, p0, p1); return nil }
func (f *fakeBroadcaster) Clear() error                      { return nil }

func newTestServer(t *testing.T, n int) *Server {
	t.Helper()
	cache := kvcache.New(1, 4096)
	bc := &fakeBroadcaster{cache: cache}
	return New(n, 4096, cache, bc, 0.5, nil)
}

func resultsOf(t *testing.T, ch chan Result) []Result {
	t.Helper()
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestDispatchBindsIdleSlot(t *testing.T) {
	s := newTestServer(t, 2)
	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1, Prompt: "hello", Results: make(chan Result, 4)}
	s.Submit(task)
	require.True(t, s.DispatchOne())

	assert.Equal(t, SlotProcessingPrompt, s.slots[0].State)
	assert.Same(t, task, s.slots[0].Task)
}

func TestDispatchDefersWhenNoSlotIdle(t *testing.T) {
	s := newTestServer(t, 1)
	s.slots[0].State = SlotGenerating

	task := &Task{ID: 2, Kind: TaskCompletion, SlotID: -1, Prompt: "hi"}
	s.Submit(task)
	require.True(t, s.DispatchOne())

	assert.Len(t, s.queueDeferred, 1)
}

func TestCancelReleasesSlotAndSendsCancelledResult(t *testing.T) {
	s := newTestServer(t, 1)
	target := &Task{ID: 5, Kind: TaskCompletion, SlotID: -1, Prompt: "x", Results: make(chan Result, 2)}
	s.Submit(target)
	require.True(t, s.DispatchOne())

	cancel := &Task{ID: 6, Kind: TaskCancel, TargetTaskID: 5, Results: make(chan Result, 1)}
	s.Submit(cancel)
	require.True(t, s.DispatchOne())

	assert.Equal(t, SlotIdle, s.slots[0].State)
	results := resultsOf(t, target.Results)
	require.Len(t, results, 1)
	assert.True(t, results[0].Cancelled)
}

func TestCancelJumpsQueueAheadOfWaitingCompletions(t *testing.T) {
	s := newTestServer(t, 0) // no slots, everything defers
	completion := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1}
	cancel := &Task{ID: 2, Kind: TaskCancel, TargetTaskID: 1, Results: make(chan Result, 1)}

	s.Submit(completion)
	s.Submit(cancel)

	require.Len(t, s.queueTasks, 2)
	assert.Equal(t, TaskCancel, s.queueTasks[0].Kind)
}

func TestExplicitSlotIDBindsDirectly(t *testing.T) {
	s := newTestServer(t, 3)
	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: 2, Prompt: "x", Results: make(chan Result, 1)}
	s.Submit(task)
	require.True(t, s.DispatchOne())
	assert.Same(t, task, s.slots[2].Task)
	assert.Nil(t, s.slots[0].Task)
}

func TestPrefixMatchPicksHighSimilaritySlotOverLRU(t *testing.T) {
	s := newTestServer(t, 2)
	s.slots[0].CacheTokens = tokenizeApprox("hello worl")
	s.slots[1].CacheTokens = tokenizeApprox("zzzzzzzzzz")

	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1, Prompt: "hello world", Results: make(chan Result, 1)}
	s.Submit(task)
	require.True(t, s.DispatchOne())

	assert.Same(t, task, s.slots[0].Task, "slot 0's cache shares a long prefix with the new prompt")
}

func TestPrefixMatchBelowThresholdFallsBackToLRU(t *testing.T) {
	s := newTestServer(t, 2)
	s.slots[0].CacheTokens = tokenizeApprox("nothing in common at all here")
	s.slots[0].LastUsed = timeNow() // slot 0 was used recently, slot 1 is the LRU one
	s.slots[1].CacheTokens = nil

	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1, Prompt: "completely different prompt", Results: make(chan Result, 1)}
	s.Submit(task)
	require.True(t, s.DispatchOne())

	assert.Same(t, task, s.slots[1].Task)
}

func TestTokenArrayPromptsSkipPrefixMatching(t *testing.T) {
	s := newTestServer(t, 2)
	// Slot 0 has a perfect prefix match against the incoming prompt, but
	// was used more recently than slot 1, which has no cached prefix at
	// all. If prefix similarity were (wrongly) consulted for a token-array
	// prompt, slot 0 would win; correct behaviour skips that rule entirely
	// and falls straight to least-recently-used, landing on slot 1.
	s.slots[0].CacheTokens = []int32{1, 2, 3, 4, 5}
	s.slots[0].LastUsed = timeNow()

	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1, PromptTokens: []int32{1, 2, 3, 4, 5}, Results: make(chan Result, 1)}
	s.Submit(task)
	require.True(t, s.DispatchOne())

	assert.Same(t, task, s.slots[1].Task)
}

func TestHandleContextExhaustionShiftsWhenEnabled(t *testing.T) {
	s := newTestServer(t, 1)
	slot := s.slots[0]
	slot.Task = &Task{Shift: true}
	slot.SeqID = 1
	for p := int32(0); p < 100; p++ {
		require.NoError(t, s.cache.Write(1, 0, p, []byte{byte(p)}, []byte{byte(p)}))
	}
	slot.NPast = 100
	slot.NKeep = 10

	errResult, final := s.HandleContextExhaustion(slot)
	require.Nil(t, errResult)
	assert.False(t, final)
	assert.Less(t, slot.NPast, int32(100))
}

func TestHandleContextExhaustionTruncatesWhenShiftDisabled(t *testing.T) {
	s := newTestServer(t, 1)
	slot := s.slots[0]
	slot.Task = &Task{Shift: false}

	errResult, final := s.HandleContextExhaustion(slot)
	require.NotNil(t, errResult)
	assert.True(t, final)
}

func TestEmitTokenHoldsBackPartialStopMatch(t *testing.T) {
	s := newTestServer(t, 1)
	slot := s.slots[0]
	slot.Stop = []string{"STOP"}

	emit, final, stop := s.EmitToken(slot, "hello ST", false)
	assert.Equal(t, "hello ", emit)
	assert.False(t, final)
	assert.Equal(t, "", stop)

	emit, final, stop = s.EmitToken(slot, "OP now", false)
	assert.Equal(t, "", emit)
	assert.True(t, final)
	assert.Equal(t, "STOP", stop)
}

func TestEmitTokenHoldsBackIncompleteUTF8(t *testing.T) {
	s := newTestServer(t, 1)
	slot := s.slots[0]

	euroBytes := "\xe2\x82\xac" // "€"
	emit, final, _ := s.EmitToken(slot, euroBytes[:2], false)
	assert.Equal(t, "", emit, "must not emit a split multi-byte rune")
	assert.False(t, final)

	emit, _, _ = s.EmitToken(slot, euroBytes[2:], false)
	assert.Equal(t, "€", emit)
}

func TestSlotSaveRestoreRoundtrip(t *testing.T) {
	s := newTestServer(t, 1)
	slot := s.slots[0]
	require.NoError(t, s.cache.Write(slot.SeqID, 0, 0, []byte("k0"), []byte("v0")))
	require.NoError(t, s.cache.Write(slot.SeqID, 0, 1, []byte("k1"), []byte("v1")))
	slot.CacheTokens = []int32{10, 20}

	path := filepath.Join(t.TempDir(), "slot0.bin")
	save := &Task{ID: 1, Kind: TaskSlotSave, SlotID: 0, SavePath: path, Results: make(chan Result, 1)}
	s.Submit(save)
	require.True(t, s.DispatchOne())
	saveResults := resultsOf(t, save.Results)
	require.Len(t, saveResults, 1)
	require.NoError(t, saveResults[0].Err)

	s.cache.Clear1(slot.SeqID)
	slot.CacheTokens = nil

	restore := &Task{ID: 2, Kind: TaskSlotRestore, SlotID: 0, SavePath: path, Results: make(chan Result, 1)}
	s.Submit(restore)
	require.True(t, s.DispatchOne())
	restoreResults := resultsOf(t, restore.Results)
	require.Len(t, restoreResults, 1)
	require.NoError(t, restoreResults[0].Err)

	row, ok := s.cache.Read(slot.SeqID, 0, 0)
	require.True(t, ok)
	assert.Equal(t, []byte("k0"), row.K)
	assert.Equal(t, []int32{10, 20}, slot.CacheTokens)
}

func TestSlotEraseClearsCacheAndTokens(t *testing.T) {
	s := newTestServer(t, 1)
	slot := s.slots[0]
	require.NoError(t, s.cache.Write(slot.SeqID, 0, 0, []byte("k"), []byte("v")))
	slot.CacheTokens = []int32{1}

	erase := &Task{ID: 1, Kind: TaskSlotErase, SlotID: 0, Results: make(chan Result, 1)}
	s.Submit(erase)
	require.True(t, s.DispatchOne())

	_, ok := s.cache.Read(slot.SeqID, 0, 0)
	assert.False(t, ok)
	assert.Nil(t, slot.CacheTokens)
}
