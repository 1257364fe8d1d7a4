package kvcontrol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringmesh/ringd/internal/kvcache"
	"github.com/ringmesh/ringd/internal/ringnet"
)

// pipeRing builds n ranks' signal links wired into a closed directed ring
// using in-process net.Pipe connections.
func pipeRing(t *testing.T, n int) []*ringnet.SignalLink {
	t.Helper()
	outs := make([]net.Conn, n)
	ins := make([]net.Conn, n)
	for r := 0; r < n; r++ {
		a, b := net.Pipe()
		outs[r] = a
		ins[(r+1)%n] = b
	}
	links := make([]*ringnet.SignalLink, n)
	for r := 0; r < n; r++ {
		links[r] = ringnet.NewSignalLink(outs[r], ins[r])
	}
	t.Cleanup(func() {
		for _, l := range links {
			l.Close()
		}
	})
	return links
}

func TestBroadcastAppliesAtEveryFollowerBeforeReachingTheLastOne(t *testing.T) {
	const n = 3
	links := pipeRing(t, n)
	caches := make([]*kvcache.Cache, n)
	planes := make([]*Plane, n)
	for r := 0; r < n; r++ {
		caches[r] = kvcache.New(1, 256)
		planes[r] = New(links[r], caches[r], r, n, 0)
	}
	for r := 0; r < n; r++ {
		require.NoError(t, caches[r].Write(1, 0, 5, []byte("k"), []byte("v")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, n-1)
	for r := 1; r < n; r++ {
		r := r
		go func() { errs <- planes[r].Run(ctx) }()
	}

	require.NoError(t, planes[0].Broadcast(ringnet.SignalFrame{
		Kind: ringnet.SignalRemove, SeqID: 1, P0: 5, P1: 6,
	}))

	time.Sleep(50 * time.Millisecond)
	cancel()

	for r := 1; r < n; r++ {
		_, ok := caches[r].Read(1, 0, 5)
		assert.False(t, ok, "rank %d must have applied the removal", r)
	}
}

func TestNonHeadCannotBroadcast(t *testing.T) {
	links := pipeRing(t, 2)
	cache := kvcache.New(1, 16)
	p := New(links[1], cache, 1, 2, 0)
	err := p.Broadcast(ringnet.SignalFrame{Kind: ringnet.SignalClear})
	assert.Error(t, err)
}

func TestLastRankDoesNotRelayBackToHead(t *testing.T) {
	rank0Out, rank1In := net.Pipe()   // rank 0 -> rank 1
	rank1Out, rank0In := net.Pipe()   // rank 1 -> rank 0 (would-be relay)

	headLink := ringnet.NewSignalLink(rank0Out, rank0In)
	followerLink := ringnet.NewSignalLink(rank1Out, rank1In)
	defer headLink.Close()
	defer followerLink.Close()

	cache1 := kvcache.New(1, 16)
	p1 := New(followerLink, cache1, 1, 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p1.Run(ctx) }()

	require.NoError(t, headLink.Send(ringnet.SignalFrame{Kind: ringnet.SignalClear}))

	// Rank 1's relay target would be rank 0 again, so nothing should ever
	// arrive back on rank 0's ingress.
	require.NoError(t, rank0In.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	_, err := headLink.Receive()
	assert.Error(t, err, "rank 1 must not relay the mutation back to the head")
}
