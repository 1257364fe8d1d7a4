package scheduler

import "fmt"

// ReturnedToken is one position's sampled result as it comes back from the
// pipeline engine's terminal cycle, already detached from the compute
// backend's own types by the caller so this package stays free of a
// dependency on internal/backend.
type ReturnedToken struct {
	SlotID int
	Token  int32
	Piece  string
	EOS    bool
}

// HandleReturnedBatch folds one pipeline step's worth of returned tokens
// back into the scheduler. Tokens for a slot with no draft round in flight
// go straight through RecordToken — the ordinary single-token path. Tokens
// for a slot with an awaiting speculative round are grouped in order and
// handed to VerifyDraftRun first; only the accepted prefix it returns is
// then streamed, each via RecordToken, so callers downstream of this
// function never see a rejected speculative token.
func (s *Server) HandleReturnedBatch(tokens []ReturnedToken) {
	order := make([]int, 0, len(tokens))
	bySlot := make(map[int][]ReturnedToken)
	for _, rt := range tokens {
		if _, ok := bySlot[rt.SlotID]; !ok {
			order = append(order, rt.SlotID)
		}
		bySlot[rt.SlotID] = append(bySlot[rt.SlotID], rt)
	}

	for _, slotID := range order {
		rts := bySlot[slotID]

		s.mu.Lock()
		slot := s.slotByIDLocked(slotID)
		awaiting := slot != nil && slot.DraftCtx != nil && slot.DraftCtx.Awaiting
		s.mu.Unlock()

		if !awaiting {
			for _, rt := range rts {
				s.RecordToken(rt.SlotID, rt.Token, rt.Piece, rt.EOS)
			}
			continue
		}

		choices := make([]int32, len(rts))
		for i, rt := range rts {
			choices[i] = rt.Token
		}
		accepted, err := s.VerifyDraftRun(slotID, choices)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("speculative verify failed", "slot", slotID, "err", err)
			}
			continue
		}

		eos := len(rts) > 0 && rts[len(rts)-1].EOS
		for i, tok := range accepted {
			isLast := i == len(accepted)-1
			s.RecordToken(slotID, tok, DetokenizeApprox(tok), isLast && eos)
		}
	}
}

// VerifyDraftRun implements update-slots step 5's accept/reject half. Given
// the target model's own choice at each of the current draft round's
// positions (targetChoices, one per DraftContext.Pending entry, in order),
// it finds the longest prefix where the draft and the target model agree —
// n_accepted — rolls the KV cache back to n_past+n_accepted to drop every
// speculative position beyond that prefix (via the KVBroadcaster seam
// first, then the local mirror, the same order every other KV mutation in
// this package uses), and returns the accepted tokens for the caller to
// stream through RecordToken.
//
// This is Testable Property 6 (speculative acceptance safety) by
// construction: on a full match n_accepted == n_draft; on a mismatch at
// position j, n_accepted == j and the position where the draft and target
// diverged is dropped from the cache entirely rather than kept with the
// wrong token's key/value state — the target's own prediction for that
// position is not accepted for free here, since its KV entry was never
// actually computed from that token; the next round's draft proposal
// starts from the last accepted token and recomputes it properly.
func (s *Server) VerifyDraftRun(slotID int, targetChoices []int32) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotByIDLocked(slotID)
	if slot == nil || slot.DraftCtx == nil || !slot.DraftCtx.Awaiting {
		return nil, fmt.Errorf("scheduler: verify draft run: slot %d has no draft round in flight", slotID)
	}
	draft := slot.DraftCtx.Pending
	if len(targetChoices) != len(draft) {
		return nil, fmt.Errorf("scheduler: verify draft run: slot %d got %d target choices for %d proposed tokens", slotID, len(targetChoices), len(draft))
	}

	nAccepted := 0
	for nAccepted < len(draft) && draft[nAccepted] == targetChoices[nAccepted] {
		nAccepted++
	}
	accepted := append([]int32(nil), draft[:nAccepted]...)

	oldNPast := slot.NPast - int32(len(draft))
	keepEnd := oldNPast + int32(nAccepted)
	discardEnd := slot.NPast
	if keepEnd < discardEnd {
		if err := s.bc.Remove(slot.SeqID, keepEnd, discardEnd); err != nil {
			return nil, fmt.Errorf("scheduler: verify draft run: slot %d: %w", slotID, err)
		}
		s.cache.Remove(slot.SeqID, keepEnd, discardEnd)
	}
	slot.NPast = keepEnd
	if nAccepted > 0 {
		slot.LastSampledToken = accepted[nAccepted-1]
	}
	slot.DraftCtx.Pending = nil
	slot.DraftCtx.Awaiting = false

	return accepted, nil
}

// SequentialDraftProposer is the toy default draft model: it proposes the
// next nMax tokens by stepping forward one vocabulary id at a time from
// lastToken, wrapping modulo VocabSize. It exists so the speculative path
// has a concrete proposer to exercise end to end without this core having
// to implement an actual draft LM; a real deployment swaps this out for one.
type SequentialDraftProposer struct {
	VocabSize int
}

// Propose implements DraftProposer.
func (p SequentialDraftProposer) Propose(seqID int32, lastToken int32, nMax int) []int32 {
	vocab := int32(p.VocabSize)
	if vocab <= 0 {
		vocab = 256
	}
	out := make([]int32, nMax)
	tok := lastToken
	for i := 0; i < nMax; i++ {
		tok = (tok + 1) % vocab
		out[i] = tok
	}
	return out
}
