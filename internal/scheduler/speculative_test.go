package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedDraftProposer struct {
	tokens []int32
}

func (p fixedDraftProposer) Propose(seqID int32, lastToken int32, nMax int) []int32 {
	if len(p.tokens) > nMax {
		return p.tokens[:nMax]
	}
	return p.tokens
}

func newSpeculativeSlot(t *testing.T, s *Server, draft []int32) *Task {
	t.Helper()
	task := &Task{
		ID:           1,
		Kind:         TaskCompletion,
		SlotID:       -1,
		PromptTokens: []int32{1},
		Speculative:  &SpeculativeParams{NMin: 1, NMax: len(draft), PMin: 0},
		Results:      make(chan Result, 16),
	}
	s.SetDraftProposer(fixedDraftProposer{tokens: draft})
	s.Submit(task)
	require.True(t, s.DispatchOne())
	s.NextBatchItems(4) // consume the single prompt token, entering SlotDonePrompt
	return task
}

func TestNextBatchItemsDispatchesDraftRound(t *testing.T) {
	s := newTestServer(t, 1)
	newSpeculativeSlot(t, s, []int32{5, 6, 7})

	items := s.NextBatchItems(8)
	require.Len(t, items, 3)
	assert.Equal(t, []int32{5, 6, 7}, []int32{items[0].Token, items[1].Token, items[2].Token})
	assert.True(t, s.slots[0].DraftCtx.Awaiting)

	assert.Empty(t, s.NextBatchItems(8), "a second round must not dispatch while the first is still awaiting verification")
}

func TestVerifyDraftRunFullAcceptance(t *testing.T) {
	s := newTestServer(t, 1)
	newSpeculativeSlot(t, s, []int32{5, 6, 7})
	s.NextBatchItems(8)

	accepted, err := s.VerifyDraftRun(0, []int32{5, 6, 7})
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 6, 7}, accepted)
	assert.False(t, s.slots[0].DraftCtx.Awaiting)
}

func TestVerifyDraftRunPartialAcceptanceRollsBackToMismatch(t *testing.T) {
	s := newTestServer(t, 1)
	newSpeculativeSlot(t, s, []int32{5, 6, 7})
	npastBefore := s.slots[0].NPast // after prompt, before the draft round
	s.NextBatchItems(8)

	accepted, err := s.VerifyDraftRun(0, []int32{5, 9, 99})
	require.NoError(t, err)
	assert.Equal(t, []int32{5}, accepted, "only the prefix up to the mismatch is accepted")
	assert.Equal(t, npastBefore+1, s.slots[0].NPast, "kv cache rolled back to n_past + n_accepted, dropping the mismatched position entirely")
}

func TestHandleReturnedBatchStreamsOnlyAcceptedTokens(t *testing.T) {
	s := newTestServer(t, 1)
	task := newSpeculativeSlot(t, s, []int32{5, 6, 7})
	s.NextBatchItems(8)

	s.HandleReturnedBatch([]ReturnedToken{
		{SlotID: 0, Token: 5, Piece: DetokenizeApprox(5)},
		{SlotID: 0, Token: 9, Piece: DetokenizeApprox(9)},
		{SlotID: 0, Token: 99, Piece: DetokenizeApprox(99)},
	})

	select {
	case r := <-task.Results:
		assert.Equal(t, int32(5), r.Token)
	default:
		t.Fatal("expected a streamed result for the accepted prefix token")
	}
	select {
	case r := <-task.Results:
		t.Fatalf("nothing past the mismatch should be streamed, got %+v", r)
	default:
	}
}

func TestRecordTokenSurfacesStoppingWord(t *testing.T) {
	s := newTestServer(t, 1)
	results := make(chan Result, 4)
	task := &Task{ID: 1, Kind: TaskCompletion, SlotID: -1, PromptTokens: []int32{1}, Stop: []string{"STOP"}, Results: results}
	s.Submit(task)
	require.True(t, s.DispatchOne())
	s.NextBatchItems(4)

	s.RecordToken(0, int32('S'), "S", false)
	s.RecordToken(0, int32('T'), "T", false)
	s.RecordToken(0, int32('O'), "O", false)
	s.RecordToken(0, int32('P'), "P", false)

	got := resultsOf(t, results)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.True(t, last.Stop)
	assert.True(t, last.StoppedWord)
	assert.Equal(t, "STOP", last.StoppingWord)
}
