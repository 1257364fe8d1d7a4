package scheduler

// StepItem is one slot's contribution to a single pipeline step: a token
// to decode at a position in a sequence, and whether the driving loop
// should sample and emit once logits for it return. Kept independent of
// backend.Item so this package stays free of a dependency on the compute
// backend — the head's run loop is what bridges the two.
type StepItem struct {
	SlotID     int
	Token      int32
	Position   int32
	SeqID      int32
	EmitLogits bool
}

// NextBatchItems implements update-slots steps 3 and 4: walk every active
// slot's prompt one token at a time until it is exhausted, then fall back
// to its last sampled token once generating. Before dispatching a
// generation step it also applies step 6's context-exhaustion check: a slot
// whose n_past has reached n_ctx_slot is shifted or finalised with a
// truncation error before it is allowed to overrun. maxItems bounds how
// much of the batch budget this call may claim, so the caller can multiplex
// many slots under one n_batch limit.
func (s *Server) NextBatchItems(maxItems int) []StepItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []StepItem
	for _, slot := range s.slots {
		if len(items) >= maxItems {
			break
		}
		switch slot.State {
		case SlotProcessingPrompt:
			if int(slot.NPast) >= len(slot.PromptTokens) {
				slot.State = SlotDonePrompt
				continue
			}
			last := int(slot.NPast) == len(slot.PromptTokens)-1
			items = append(items, StepItem{
				SlotID:     slot.ID,
				Token:      slot.PromptTokens[slot.NPast],
				Position:   slot.NPast,
				SeqID:      slot.SeqID,
				EmitLogits: last,
			})
			slot.NPast++
			if last {
				slot.State = SlotDonePrompt
			}
		case SlotDonePrompt, SlotGenerating:
			if slot.NPredict > 0 && slot.NumPredicted >= slot.NPredict {
				continue
			}
			if slot.NPast >= s.nCtxSlot {
				if s.finalizeContextExhaustionLocked(slot) {
					continue
				}
			}
			if slot.DraftCtx != nil {
				if slot.DraftCtx.Awaiting {
					// Previous round's draft is still in flight around the
					// ring awaiting VerifyDraftRun; don't double-dispatch.
					continue
				}
				if draft := s.proposeDraftLocked(slot, maxItems-len(items)); draft != nil {
					for i, tok := range draft {
						items = append(items, StepItem{
							SlotID:     slot.ID,
							Token:      tok,
							Position:   slot.NPast + int32(i),
							SeqID:      slot.SeqID,
							EmitLogits: true,
						})
					}
					slot.DraftCtx.Pending = draft
					slot.DraftCtx.Awaiting = true
					slot.NPast += int32(len(draft))
					slot.State = SlotGenerating
					continue
				}
			}
			items = append(items, StepItem{
				SlotID:     slot.ID,
				Token:      slot.LastSampledToken,
				Position:   slot.NPast,
				SeqID:      slot.SeqID,
				EmitLogits: true,
			})
			slot.NPast++
			slot.State = SlotGenerating
		}
	}
	return items
}

// RecordToken applies one freshly sampled token for slotID, streams it
// through EmitToken, and sends the resulting Result on the slot's task
// channel. It returns false if slotID no longer names an active slot (the
// task was cancelled out from under this step), in which case the caller
// should simply drop the sample.
func (s *Server) RecordToken(slotID int, token int32, piece string, eos bool) bool {
	s.mu.Lock()
	slot := s.slotByIDLocked(slotID)
	if slot == nil || slot.Task == nil {
		s.mu.Unlock()
		return false
	}
	slot.LastSampledToken = token
	slot.NumPredicted++

	emit, final, stopMatched := s.EmitToken(slot, piece, eos)
	task := slot.Task

	result := Result{
		TaskID:     task.ID,
		TextToSend: emit,
		Index:      slot.NumPredicted,
		Token:      token,
		Stop:       final,
	}
	if stopMatched != "" {
		result.StoppedWord = true
		result.StoppingWord = stopMatched
	}
	if final {
		result.Timings = Timings{PredictedN: slot.NumPredicted}
	}

	if final {
		s.releaseSlotLocked(slot)
	}
	s.mu.Unlock()

	if task.Results == nil {
		return true
	}
	task.Results <- result
	if final {
		close(task.Results)
	}
	return true
}

// proposeDraftLocked asks the installed DraftProposer for slot's next round
// of candidate tokens, trimming to whatever budget remains under maxItems
// and declining the round (returning nil) if the proposer has nothing to
// offer or offers fewer than the request's n_min floor. Callers hold s.mu.
func (s *Server) proposeDraftLocked(slot *Slot, budget int) []int32 {
	if s.draft == nil || slot.DraftCtx.NMax <= 0 || budget <= 0 {
		return nil
	}
	draft := s.draft.Propose(slot.SeqID, slot.LastSampledToken, slot.DraftCtx.NMax)
	if len(draft) > budget {
		draft = draft[:budget]
	}
	if len(draft) < slot.DraftCtx.NMin {
		return nil
	}
	return draft
}

// finalizeContextExhaustionLocked wires step 6's context-shift branch into
// the generation path: it invokes HandleContextExhaustion and, if that
// reports the slot must finalise (shift disabled or nothing eligible to
// discard), releases the slot and delivers the resulting error as the
// task's final result. It reports whether the slot was finalised, so the
// caller knows to skip dispatching a step for it this round.
func (s *Server) finalizeContextExhaustionLocked(slot *Slot) bool {
	appErr, final := s.HandleContextExhaustion(slot)
	if !final {
		return false
	}
	task := slot.Task
	s.releaseSlotLocked(slot)
	if task != nil {
		s.sendFinal(task, Result{TaskID: task.ID, Err: appErr, Truncated: true, Stop: true})
	}
	return true
}

func (s *Server) slotByIDLocked(id int) *Slot {
	for _, slot := range s.slots {
		if slot.ID == id {
			return slot
		}
	}
	return nil
}
