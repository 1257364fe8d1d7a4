// Package kvcontrol implements the distributed KV cache control plane: the
// head rank originates every mutation, and each other rank applies it to
// its own kvcache.Cache and relays it to its ring successor. No rank ever
// originates a mutation of its own: node-to-node relay collapsed onto the
// ring's single signal link instead of a general routing table.
package kvcontrol

import (
	"context"
	"fmt"

	"github.com/ringmesh/ringd/internal/kvcache"
	"github.com/ringmesh/ringd/internal/ringnet"
)

// Plane binds one rank's signal link to its local cache and drives the
// broadcast-and-relay loop.
type Plane struct {
	link     *ringnet.SignalLink
	cache    *kvcache.Cache
	rank, n  int
	headRank int
}

// New builds a control plane for a rank. headRank is always 0 in this
// ring's numbering; it is taken as a parameter rather than hardcoded so
// tests can exercise relay behaviour from any originating rank.
func New(link *ringnet.SignalLink, cache *kvcache.Cache, rank, n, headRank int) *Plane {
	return &Plane{link: link, cache: cache, rank: rank, n: n, headRank: headRank}
}

// Broadcast sends a mutation downstream. Only the head rank calls this;
// every other rank learns of mutations exclusively through Run's relay.
func (p *Plane) Broadcast(f ringnet.SignalFrame) error {
	if p.rank != p.headRank {
		return fmt.Errorf("kvcontrol: rank %d is not the head, cannot originate a mutation", p.rank)
	}
	return p.link.Send(f)
}

// Run receives frames until ctx is cancelled or a STOP frame completes one
// full trip around the ring, applying each to the local cache before
// relaying it onward — so a mutation is observable locally strictly before
// it is observable anywhere further downstream, which is what gives the
// ordering invariant (any mutation affecting position p is visible at rank
// r before rank r processes an activation at p) its transitive closure
// around the whole ring.
func (p *Plane) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := p.link.Receive()
		if err != nil {
			return fmt.Errorf("kvcontrol: receive: %w", err)
		}

		if f.Kind == ringnet.SignalStop {
			if p.shouldRelay() {
				if err := p.link.Send(f); err != nil {
					return fmt.Errorf("kvcontrol: relay stop: %w", err)
				}
			}
			return nil
		}

		applyFrame(p.cache, f)

		if p.shouldRelay() {
			if err := p.link.Send(f); err != nil {
				return fmt.Errorf("kvcontrol: relay: %w", err)
			}
		}
	}
}

// shouldRelay reports whether this rank must forward what it just applied.
// The head originated the mutation and every other rank has now seen it by
// the time it would reach the head's successor again, so the rank whose
// successor is the head is the one that stops the relay instead of
// completing the cycle back to the origin.
func (p *Plane) shouldRelay() bool {
	return ringnet.NextRank(p.rank, p.n) != p.headRank
}

func applyFrame(cache *kvcache.Cache, f ringnet.SignalFrame) {
	switch f.Kind {
	case ringnet.SignalClear:
		cache.Clear()
	case ringnet.SignalRemove:
		cache.Remove(int32(f.SeqID), f.P0, f.P1)
	case ringnet.SignalCopy:
		cache.Copy(int32(f.SeqID), f.DeltaOrDivisor, f.P0, f.P1)
	case ringnet.SignalAdd:
		cache.Add(int32(f.SeqID), f.P0, f.P1, f.DeltaOrDivisor)
	case ringnet.SignalDivide:
		cache.Divide(int32(f.SeqID), f.P0, f.P1, f.DeltaOrDivisor)
	}
}
