// Package kvcache holds the per-sequence, per-layer key/value tensors
// addressed by (seq, position) and implements the mutation algebra
// {clear, remove, copy, add, divide} that keeps every rank's cache coherent
// as context shifts, slot restores, and self-extend transforms occur.
//
// The interface shape (Write/Read taking the layer index explicitly,
// Remove taking a half-open [begin,end) range) and the
// mutation algebra below are generalised from a single in-process
// llama.Context's input cache to a ring of independently mutated
// per-rank caches.
package kvcache

import (
	"errors"
	"fmt"
	"sync"
)

// ErrFull is returned by Write when a sequence has exhausted its configured
// n_ctx_slot capacity.
var ErrFull = errors.New("kvcache: sequence at capacity")

// Row is one layer's key/value pair at a single position.
type Row struct {
	K []byte
	V []byte
}

type seqLayer struct {
	rows map[int32]Row
}

type sequence struct {
	mu     sync.Mutex
	layers []seqLayer
	nPast  int32
}

// Cache is the per-node KV cache: one independent store per sequence, one
// independent row-set per layer within a sequence. Mutations on disjoint
// sequences never contend; mutations on the same sequence are serialised by
// the caller (the slot scheduler's single-writer-per-sequence discipline —
// Cache itself does not reorder or fence concurrent calls on one seq).
type Cache struct {
	mu        sync.RWMutex
	nLayers   int
	nCtxSlot  int32
	sequences map[int32]*sequence
}

// New builds an empty cache sized for nLayers layers and a per-sequence
// maximum of nCtxSlot positions.
func New(nLayers int, nCtxSlot int32) *Cache {
	return &Cache{
		nLayers:   nLayers,
		nCtxSlot:  nCtxSlot,
		sequences: make(map[int32]*sequence),
	}
}

func (c *Cache) seq(seqID int32, create bool) *sequence {
	c.mu.RLock()
	s, ok := c.sequences[seqID]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.sequences[seqID]; ok {
		return s
	}
	layers := make([]seqLayer, c.nLayers)
	for i := range layers {
		layers[i] = seqLayer{rows: make(map[int32]Row)}
	}
	s = &sequence{layers: layers}
	c.sequences[seqID] = s
	return s
}

// Write stores (k, v) for seq at layer and position, creating the sequence
// if it does not exist yet. It fails with ErrFull if position would exceed
// the configured n_ctx_slot.
func (c *Cache) Write(seqID int32, layer int, position int32, k, v []byte) error {
	if layer < 0 || layer >= c.nLayers {
		return fmt.Errorf("kvcache: layer %d out of range [0,%d)", layer, c.nLayers)
	}
	if position < 0 || position >= c.nCtxSlot {
		return ErrFull
	}

	s := c.seq(seqID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.layers[layer].rows[position] = Row{K: k, V: v}
	if position+1 > s.nPast {
		s.nPast = position + 1
	}
	return nil
}

// Read returns the row stored for seq at layer and position, if any.
func (c *Cache) Read(seqID int32, layer int, position int32) (Row, bool) {
	if layer < 0 || layer >= c.nLayers {
		return Row{}, false
	}
	s := c.seq(seqID, false)
	if s == nil {
		return Row{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.layers[layer].rows[position]
	return row, ok
}

// NPast reports the sequence's current n_past — one past the highest
// position ever written. Every rank must agree on this value for a live
// seq_id per the data model's invariant.
func (c *Cache) NPast(seqID int32) int32 {
	s := c.seq(seqID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nPast
}

// Clear drops every row for every sequence and layer.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequences = make(map[int32]*sequence)
}

// Remove deletes rows in [p0, p1) for seqID across every layer. Idempotent:
// removing an already-absent range is a no-op. A no-op on an unknown seq is
// likewise silent, matching the mutation algebra's idempotence requirement.
func (c *Cache) Remove(seqID int32, p0, p1 int32) {
	s := c.seq(seqID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.layers {
		for p := p0; p < p1; p++ {
			delete(s.layers[i].rows, p)
		}
	}
	s.nPast = recomputeNPast(s)
}

// Copy duplicates rows in [p0, p1) from src to dst across every layer,
// creating dst if necessary. Used to seed a slot's sequence from the
// system-prompt sequence at bring-up.
func (c *Cache) Copy(src, dst int32, p0, p1 int32) {
	srcSeq := c.seq(src, false)
	if srcSeq == nil {
		return
	}
	dstSeq := c.seq(dst, true)

	srcSeq.mu.Lock()
	rows := make([]map[int32]Row, c.nLayers)
	for i := range srcSeq.layers {
		rows[i] = make(map[int32]Row, p1-p0)
		for p := p0; p < p1; p++ {
			if row, ok := srcSeq.layers[i].rows[p]; ok {
				rows[i][p] = row
			}
		}
	}
	srcSeq.mu.Unlock()

	dstSeq.mu.Lock()
	defer dstSeq.mu.Unlock()
	for i := range dstSeq.layers {
		for p, row := range rows[i] {
			dstSeq.layers[i].rows[p] = row
			if p+1 > dstSeq.nPast {
				dstSeq.nPast = p + 1
			}
		}
	}
}

// Add shifts rows in [p0, p1) by delta positions for seqID, across every
// layer: a row at position p moves to p+delta. This is the primitive
// behind context-shift (delta negative, compacting the window after a
// Remove). Add is not idempotent: applying the same shift twice moves the
// rows twice. Neither Cache nor the kvcontrol plane carries a mutation
// sequence number or deduplicates a repeated frame.
func (c *Cache) Add(seqID int32, p0, p1, delta int32) {
	s := c.seq(seqID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.layers {
		moved := make(map[int32]Row)
		for p := p0; p < p1; p++ {
			if row, ok := s.layers[i].rows[p]; ok {
				moved[p+delta] = row
				delete(s.layers[i].rows, p)
			}
		}
		for p, row := range moved {
			s.layers[i].rows[p] = row
		}
	}
	s.nPast = recomputeNPast(s)
}

// Divide renumbers rows in [p0, p1) for seqID by integer-dividing their
// position by d, across every layer. This is the self-extend / group
// attention primitive: positions are grouped, and within a group only the
// group's representative position is kept distinguishable to the rotary
// embedding, compressing effective context length.
func (c *Cache) Divide(seqID int32, p0, p1, d int32) {
	if d == 0 {
		return
	}
	s := c.seq(seqID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.layers {
		moved := make(map[int32]Row)
		for p := p0; p < p1; p++ {
			if row, ok := s.layers[i].rows[p]; ok {
				moved[p/d] = row
				delete(s.layers[i].rows, p)
			}
		}
		for p, row := range moved {
			s.layers[i].rows[p] = row
		}
	}
	s.nPast = recomputeNPast(s)
}

func recomputeNPast(s *sequence) int32 {
	var max int32 = -1
	for i := range s.layers {
		for p := range s.layers[i].rows {
			if p > max {
				max = p
			}
		}
	}
	return max + 1
}

// Snapshot copies out every row for seqID, used by slot_save.
func (c *Cache) Snapshot(seqID int32) [][]PositionRow {
	s := c.seq(seqID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]PositionRow, len(s.layers))
	for i := range s.layers {
		out[i] = make([]PositionRow, 0, len(s.layers[i].rows))
		for p, row := range s.layers[i].rows {
			out[i] = append(out[i], PositionRow{Position: p, Row: row})
		}
	}
	return out
}

// Restore replaces seqID's rows with snapshot, used by slot_restore.
func (c *Cache) Restore(seqID int32, snapshot [][]PositionRow) {
	c.Clear1(seqID)
	s := c.seq(seqID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rows := range snapshot {
		if i >= len(s.layers) {
			break
		}
		for _, pr := range rows {
			s.layers[i].rows[pr.Position] = pr.Row
		}
	}
	s.nPast = recomputeNPast(s)
}

// Clear1 removes a single sequence entirely, used by slot_erase.
func (c *Cache) Clear1(seqID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sequences, seqID)
}

// PositionRow pairs a row with the position it was stored at, for
// snapshot/restore round trips.
type PositionRow struct {
	Position int32
	Row      Row
}

// ShiftDiscard computes the discard count for a context shift, following
// the reference server's formula exactly: n_left = n_past - n_keep,
// n_discard = n_left / 2 when the caller has not pinned an explicit value.
func ShiftDiscard(nPast, nKeep int32) int32 {
	nLeft := nPast - nKeep
	if nLeft <= 0 {
		return 0
	}
	return nLeft / 2
}
