package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ringmesh/ringd/internal/apperr"
	"github.com/ringmesh/ringd/internal/kvcache"
)

// KVBroadcaster is the seam to the KV control plane: every mutation
// the scheduler decides on must go out over this before the scheduler's
// own local cache.Cache reflects it. The head never receives its own
// broadcast back (the rank before it stops the relay), so the scheduler
// applies each mutation to its local cache itself. Kept as an interface so
// scheduler tests don't need a real ring.
type KVBroadcaster interface {
	Remove(seqID int32, p0, p1 int32) error
	Add(seqID int32, p0, p1, delta int32) error
	Copy(src, dst int32, p0, p1 int32) error
	Clear() error
}

// DraftProposer is the speculative decoding seam on the draft side: the
// draft model itself is an external collaborator this core does not
// implement, but NextBatchItems needs something concrete to ask for
// candidate continuation tokens. Propose may return fewer than nMax
// tokens (or none, which falls back to the single-token path for this
// round).
type DraftProposer interface {
	Propose(seqID int32, lastToken int32, nMax int) []int32
}

// Server holds the fixed slots[] array and the immediate/deferred task
// queues that back the update-slots dispatch loop.
type Server struct {
	mu   sync.Mutex
	cond *sync.Cond

	queueTasks    []*Task
	queueDeferred []*Task

	slots []*Slot
	cache *kvcache.Cache
	bc    KVBroadcaster

	similarityThreshold float64
	nCtxSlot             int32

	systemPromptTokens []int32
	systemPromptDirty  bool

	draft DraftProposer

	logger *slog.Logger
}

// SetDraftProposer installs the draft-side seam for speculative decoding.
// Slots bound to a task with Speculative set propose through p starting
// with the next update-slots tick; nil disables speculation entirely,
// falling back to the single-token path for every slot.
func (s *Server) SetDraftProposer(p DraftProposer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = p
}

// New builds a Server with n fixed slots, each addressing a distinct
// sequence id starting at 1 (sequence 0 is reserved for the system
// prompt, a dedicated system sequence copied into every slot).
func New(n int, nCtxSlot int32, cache *kvcache.Cache, bc KVBroadcaster, similarityThreshold float64, logger *slog.Logger) *Server {
	s := &Server{
		slots:               make([]*Slot, n),
		cache:               cache,
		bc:                  bc,
		similarityThreshold: similarityThreshold,
		nCtxSlot:             nCtxSlot,
		logger:               logger,
	}
	s.cond = sync.NewCond(&s.mu)
	for i := range s.slots {
		s.slots[i] = &Slot{ID: i, State: SlotIdle, SeqID: int32(i + 1), LastUsed: time.Time{}}
	}
	return s
}

// Submit enqueues a task. Cancel tasks jump to the front of queue_tasks
// and are serviced ahead of everything already waiting.
func (s *Server) Submit(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Kind == TaskCancel {
		s.queueTasks = append([]*Task{t}, s.queueTasks...)
	} else {
		s.queueTasks = append(s.queueTasks, t)
	}
	s.cond.Signal()
}

// DispatchOne pops and services the next task: binding a completion to a
// slot, deferring it if none is free, or handling inline task kinds
// directly. It returns false when the queue was empty.
func (s *Server) DispatchOne() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queueTasks) == 0 {
		s.retryDeferredLocked()
		return false
	}

	t := s.queueTasks[0]
	s.queueTasks = s.queueTasks[1:]

	switch t.Kind {
	case TaskCancel:
		s.handleCancelLocked(t)
	case TaskMetrics:
		s.handleMetricsLocked(t)
	case TaskSlotSave:
		s.handleSlotSaveLocked(t)
	case TaskSlotRestore:
		s.handleSlotRestoreLocked(t)
	case TaskSlotErase:
		s.handleSlotEraseLocked(t)
	case TaskLoraSet:
		s.sendFinal(t, Result{TaskID: t.ID, Stop: true})
	default:
		s.bindCompletionLocked(t)
	}
	return true
}

func (s *Server) retryDeferredLocked() {
	if len(s.queueDeferred) == 0 {
		return
	}
	still := make([]*Task, 0, len(s.queueDeferred))
	for _, t := range s.queueDeferred {
		if slot, ok := s.pickSlotLocked(t); ok {
			if err := s.assignLocked(slot, t); err != nil {
				s.sendFinal(t, Result{TaskID: t.ID, Err: err, Stop: true})
				continue
			}
		} else {
			still = append(still, t)
		}
	}
	s.queueDeferred = still
}

func (s *Server) bindCompletionLocked(t *Task) {
	if slot, ok := s.pickSlotLocked(t); ok {
		if err := s.assignLocked(slot, t); err != nil {
			s.sendFinal(t, Result{TaskID: t.ID, Err: err, Stop: true})
		}
		return
	}
	s.queueDeferred = append(s.queueDeferred, t)
}

// pickSlotLocked implements task dispatch's slot-selection rule: an
// explicit slot id binds directly; otherwise the slot whose cached prompt
// has the longest common prefix with the incoming prompt wins if its
// similarity clears the configured threshold, else the least-recently-used
// idle slot. Token-array prompts are never compared by prefix similarity.
func (s *Server) pickSlotLocked(t *Task) (*Slot, bool) {
	if t.SlotID >= 0 {
		if t.SlotID >= len(s.slots) {
			return nil, false
		}
		slot := s.slots[t.SlotID]
		if slot.State != SlotIdle {
			return nil, false
		}
		return slot, true
	}

	if len(t.PromptTokens) == 0 {
		if best, ok := s.bestPrefixMatchLocked(t.Prompt); ok {
			return best, true
		}
	}
	return s.lruIdleLocked()
}

func (s *Server) bestPrefixMatchLocked(prompt string) (*Slot, bool) {
	promptTokens := tokenizeApprox(prompt)
	var best *Slot
	var bestSim float64
	for _, slot := range s.slots {
		if slot.State != SlotIdle || len(slot.CacheTokens) == 0 {
			continue
		}
		lcp := commonPrefixLen(slot.CacheTokens, promptTokens)
		sim := float64(lcp) / float64(len(slot.CacheTokens))
		if sim > bestSim {
			best, bestSim = slot, sim
		}
	}
	if best != nil && bestSim > s.similarityThreshold {
		return best, true
	}
	return nil, false
}

func (s *Server) lruIdleLocked() (*Slot, bool) {
	var best *Slot
	for _, slot := range s.slots {
		if slot.State != SlotIdle {
			continue
		}
		if best == nil || slot.LastUsed.Before(best.LastUsed) {
			best = slot
		}
	}
	return best, best != nil
}

// assignLocked implements update-slots step 3: bind t to slot, and
// reconcile the slot's n_past against whatever this slot's sequence
// actually holds from a previous task. A slot picked by pickSlotLocked may
// have served an earlier task to completion, leaving CacheTokens/NPast
// pointing at that task's prompt plus everything it generated — binding a
// new prompt without resetting these would make NextBatchItems see
// NPast >= len(PromptTokens) immediately and skip prompt processing
// entirely. Only the longest common prefix between the old and new prompt
// is still valid; everything past it is evicted from the KV cache before
// the new prompt is allowed to run from scratch over the remainder.
func (s *Server) assignLocked(slot *Slot, t *Task) error {
	promptTokens := t.PromptTokens
	if len(promptTokens) == 0 {
		promptTokens = tokenizeApprox(t.Prompt)
	}

	lcp := int32(commonPrefixLen(slot.CacheTokens, promptTokens))
	if lcp < slot.NPast {
		if err := s.bc.Remove(slot.SeqID, lcp, slot.NPast); err != nil {
			return fmt.Errorf("scheduler: assign: broadcast remove for slot %d: %w", slot.ID, err)
		}
		s.cache.Remove(slot.SeqID, lcp, slot.NPast)
	}
	slot.NPast = lcp
	slot.CacheTokens = append([]int32(nil), promptTokens...)

	slot.Task = t
	slot.State = SlotProcessingPrompt
	slot.PromptTokens = promptTokens
	slot.NKeep = int32(t.NKeep)
	slot.NPredict = t.NPredict
	slot.Stop = t.Stop
	slot.NumPredicted = 0
	slot.pendingText = ""

	if t.Speculative != nil {
		slot.DraftCtx = &DraftContext{NMin: t.Speculative.NMin, NMax: t.Speculative.NMax, PMin: t.Speculative.PMin}
	} else {
		slot.DraftCtx = nil
	}
	return nil
}

// handleCancelLocked releases the target slot immediately and synthesises
// a cancelled result; cancellation never waits for the update-slots loop.
func (s *Server) handleCancelLocked(t *Task) {
	for _, slot := range s.slots {
		if slot.Task == nil || slot.Task.ID != t.TargetTaskID {
			continue
		}
		cancelled := slot.Task
		s.releaseSlotLocked(slot)
		s.sendFinal(cancelled, Result{TaskID: cancelled.ID, Cancelled: true, Err: apperr.New(apperr.Server, "task cancelled"), Stop: true})
		break
	}
	s.sendFinal(t, Result{TaskID: t.ID, Stop: true})
}

func (s *Server) releaseSlotLocked(slot *Slot) {
	slot.Task = nil
	slot.State = SlotIdle
	slot.LastUsed = timeNow()
	slot.DraftCtx = nil
}

func (s *Server) handleMetricsLocked(t *Task) {
	s.sendFinal(t, Result{TaskID: t.ID, Stop: true})
}

func (s *Server) sendFinal(t *Task, r Result) {
	if t.Results == nil {
		return
	}
	t.Results <- r
	close(t.Results)
}

// ApplySystemPrompt implements step 1 of the update-slots loop: when the
// system prompt has changed, clear the cache, evaluate it once against
// seq 0, then copy seq 0 into every slot's own sequence.
func (s *Server) ApplySystemPrompt(tokens []int32, evaluate func(seq0 []int32) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.systemPromptDirty {
		return nil
	}
	if err := s.bc.Clear(); err != nil {
		return fmt.Errorf("scheduler: broadcast clear: %w", err)
	}
	s.cache.Clear()
	if err := evaluate(tokens); err != nil {
		return fmt.Errorf("scheduler: evaluate system prompt: %w", err)
	}
	s.systemPromptTokens = tokens

	for _, slot := range s.slots {
		if err := s.bc.Copy(0, slot.SeqID, 0, int32(len(tokens))); err != nil {
			return fmt.Errorf("scheduler: broadcast copy to slot %d: %w", slot.ID, err)
		}
		s.cache.Copy(0, slot.SeqID, 0, int32(len(tokens)))
		slot.CacheTokens = append([]int32(nil), tokens...)
	}
	s.systemPromptDirty = false
	return nil
}

// MarkSystemPromptDirty flags the next ApplySystemPrompt call to actually
// re-evaluate, used when the caller changes the system prompt text.
func (s *Server) MarkSystemPromptDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPromptDirty = true
}

// HandleContextExhaustion implements step 6's context-shift branch: when a
// slot's n_past would exceed its configured n_ctx_slot, either discard a
// middle window and shift the remainder left (shift enabled) or finalise
// the slot with a truncation error.
func (s *Server) HandleContextExhaustion(slot *Slot) (*apperr.Error, bool) {
	if slot.Task == nil {
		return nil, false
	}
	if !slot.Task.Shift {
		return apperr.New(apperr.InvalidRequest, "context window exceeded and context shift is disabled"), true
	}

	nDiscard := kvcache.ShiftDiscard(slot.NPast, slot.NKeep)
	if nDiscard <= 0 {
		return apperr.New(apperr.InvalidRequest, "context window exceeded and nothing eligible to discard"), true
	}

	keepEnd := slot.NKeep
	discardEnd := keepEnd + nDiscard
	if err := s.bc.Remove(slot.SeqID, keepEnd, discardEnd); err != nil {
		return apperr.Wrap(apperr.Server, "broadcast remove for context shift", err), true
	}
	if err := s.bc.Add(slot.SeqID, discardEnd, slot.NPast, -nDiscard); err != nil {
		return apperr.Wrap(apperr.Server, "broadcast add for context shift", err), true
	}
	s.cache.Remove(slot.SeqID, keepEnd, discardEnd)
	s.cache.Add(slot.SeqID, discardEnd, slot.NPast, -nDiscard)
	slot.NPast -= nDiscard
	return nil, false
}

// EmitToken implements the streaming/UTF-8 and stop-matching half of step
// 6: it buffers piece behind slot.pendingText, releases only complete
// runes that are not the prefix of a still-possible stop match, and
// reports whether the slot must now finalise (a full stop match or EOS).
func (s *Server) EmitToken(slot *Slot, piece string, eos bool) (emit string, final bool, stopMatched string) {
	slot.pendingText += piece

	if hit, stop := FindStop(slot.pendingText, slot.Stop); hit {
		truncated, _ := TruncateStop(slot.pendingText, stop)
		slot.pendingText = ""
		return truncated, true, stop
	}

	text := slot.pendingText
	holdFrom := len(text)
	if start := partialStopSuffixStart(text, slot.Stop); start >= 0 {
		holdFrom = start
	}

	safe, pending := safeUTF8Prefix(text[:holdFrom])
	slot.pendingText = pending + text[holdFrom:]
	return safe, eos, ""
}

func timeNow() time.Time { return time.Now() }

// tokenizeApprox stands in for the tokenizer, an external collaborator
// this core does not implement: it assigns one synthetic token id per
// byte so prefix matching and slot bookkeeping have something concrete
// to operate on without linking a real vocabulary.
func tokenizeApprox(s string) []int32 {
	out := make([]int32, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = int32(s[i])
	}
	return out
}

// DetokenizeApprox is tokenizeApprox's inverse: each of this core's
// synthetic token ids is a single byte value, so rendering one back to text
// is just that byte on its own. Exported because the head's ring-return
// path needs it to turn a sampled token id into the piece RecordToken
// streams, outside this package.
func DetokenizeApprox(token int32) string {
	return string([]byte{byte(token)})
}

func commonPrefixLen(a, b []int32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func (s *Server) handleSlotSaveLocked(t *Task) {
	for _, slot := range s.slots {
		if slot.ID != t.SlotID {
			continue
		}
		snap := s.cache.Snapshot(slot.SeqID)
		if err := saveSnapshotWithTokens(t.SavePath, slot.CacheTokens, snap); err != nil {
			s.sendFinal(t, Result{TaskID: t.ID, Err: err, Stop: true})
			return
		}
		s.sendFinal(t, Result{TaskID: t.ID, Stop: true})
		return
	}
	s.sendFinal(t, Result{TaskID: t.ID, Err: apperr.New(apperr.InvalidRequest, "no such slot"), Stop: true})
}

func (s *Server) handleSlotRestoreLocked(t *Task) {
	for _, slot := range s.slots {
		if slot.ID != t.SlotID {
			continue
		}
		snap, tokens, err := loadSnapshot(t.SavePath)
		if err != nil {
			s.sendFinal(t, Result{TaskID: t.ID, Err: err, Stop: true})
			return
		}
		s.cache.Restore(slot.SeqID, snap)
		slot.CacheTokens = tokens
		slot.NPast = s.cache.NPast(slot.SeqID)
		s.sendFinal(t, Result{TaskID: t.ID, Stop: true})
		return
	}
	s.sendFinal(t, Result{TaskID: t.ID, Err: apperr.New(apperr.InvalidRequest, "no such slot"), Stop: true})
}

func (s *Server) handleSlotEraseLocked(t *Task) {
	for _, slot := range s.slots {
		if slot.ID != t.SlotID {
			continue
		}
		s.cache.Clear1(slot.SeqID)
		slot.CacheTokens = nil
		slot.NPast = 0
		s.sendFinal(t, Result{TaskID: t.ID, Stop: true})
		return
	}
	s.sendFinal(t, Result{TaskID: t.ID, Err: apperr.New(apperr.InvalidRequest, "no such slot"), Stop: true})
}
