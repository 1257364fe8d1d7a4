package kvcontrol

import "github.com/ringmesh/ringd/internal/ringnet"

// Broadcaster adapts Plane to the scheduler's KVBroadcaster seam: each
// method just encodes one mutation as a SignalFrame and hands it to
// Broadcast. It never touches the local cache itself — the head applies
// its own mutation to its cache directly, the same way every other rank's
// Plane.Run does, so the ordering invariant holds without this adapter
// needing to know about kvcache.Cache at all.
type Broadcaster struct {
	plane *Plane
}

// NewBroadcaster wraps plane, which must have been built with this rank as
// its headRank.
func NewBroadcaster(plane *Plane) *Broadcaster {
	return &Broadcaster{plane: plane}
}

func (b *Broadcaster) Remove(seqID, p0, p1 int32) error {
	return b.plane.Broadcast(ringnet.SignalFrame{Kind: ringnet.SignalRemove, SeqID: uint32(seqID), P0: p0, P1: p1})
}

func (b *Broadcaster) Add(seqID, p0, p1, delta int32) error {
	return b.plane.Broadcast(ringnet.SignalFrame{Kind: ringnet.SignalAdd, SeqID: uint32(seqID), P0: p0, P1: p1, DeltaOrDivisor: delta})
}

// Copy reuses SeqID as the copy source and DeltaOrDivisor as the copy
// destination, mirroring SignalFrame's own documented repurposing of
// those fields for SignalCopy.
func (b *Broadcaster) Copy(src, dst, p0, p1 int32) error {
	return b.plane.Broadcast(ringnet.SignalFrame{Kind: ringnet.SignalCopy, SeqID: uint32(src), P0: p0, P1: p1, DeltaOrDivisor: dst})
}

func (b *Broadcaster) Clear() error {
	return b.plane.Broadcast(ringnet.SignalFrame{Kind: ringnet.SignalClear})
}
