// Package discovery finds ring peers over mDNS for bring-up when
// master_ip and next_node_ip are left unset in a node's configuration.
// It is never consulted once the ring is running: rank assignment and
// the ring topology are fixed for the life of the process.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceName is the mDNS service name ring nodes advertise under.
const ServiceName = "_ringd._tcp"

// Peer is what discovery learns about another ring node from its TXT
// records.
type Peer struct {
	Rank       int
	Addr       net.IP
	DataPort   int
	SignalPort int
}

// Announcer advertises this node's rank and ports on the local network
// until Close is called.
type Announcer struct {
	server *mdns.Server
}

// Announce registers an mDNS service for this rank. dataPort is passed
// to mdns.NewMDNSService as the advertised port; signalPort travels in
// the TXT records alongside the rank, since the mDNS service record
// only carries one port.
func Announce(rank, dataPort, signalPort int, addrs []net.IP) (*Announcer, error) {
	host, err := os.Hostname()
	if err != nil {
		host = fmt.Sprintf("ringd-rank-%d", rank)
	}

	info := []string{
		fmt.Sprintf("rank=%d", rank),
		fmt.Sprintf("signal_port=%d", signalPort),
	}

	service, err := mdns.NewMDNSService(host, ServiceName, "", "", dataPort, addrs, info)
	if err != nil {
		return nil, fmt.Errorf("discovery: build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Close withdraws the announcement.
func (a *Announcer) Close() error {
	return a.server.Shutdown()
}

// Find blocks until a peer with the given rank answers or ctx is done,
// polling mDNS at the given interval. Used at bring-up to resolve the
// next node's address before the ring topology is fixed.
func Find(ctx context.Context, rank int, pollEvery time.Duration) (Peer, error) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		if peer, ok := queryOnce(rank); ok {
			return peer, nil
		}
		select {
		case <-ctx.Done():
			return Peer{}, fmt.Errorf("discovery: rank %d not found before deadline: %w", rank, ctx.Err())
		case <-ticker.C:
		}
	}
}

func queryOnce(wantRank int) (Peer, bool) {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(ServiceName)
	params.Timeout = 2 * time.Second
	params.Entries = entries

	var (
		mu     sync.Mutex
		found  Peer
		foundOK bool
	)

	go func() {
		for entry := range entries {
			peer, ok := decodeEntry(entry)
			if !ok || peer.Rank != wantRank {
				continue
			}
			mu.Lock()
			found, foundOK = peer, true
			mu.Unlock()
		}
	}()

	if err := mdns.Query(params); err != nil {
		return Peer{}, false
	}
	close(entries)

	mu.Lock()
	defer mu.Unlock()
	return found, foundOK
}

func decodeEntry(entry *mdns.ServiceEntry) (Peer, bool) {
	peer := Peer{DataPort: entry.Port}
	switch {
	case len(entry.AddrV4) > 0:
		peer.Addr = entry.AddrV4
	case len(entry.AddrV6) > 0:
		peer.Addr = entry.AddrV6
	default:
		return Peer{}, false
	}

	haveRank := false
	for _, txt := range entry.InfoFields {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "rank":
			r, err := strconv.Atoi(value)
			if err != nil {
				return Peer{}, false
			}
			peer.Rank = r
			haveRank = true
		case "signal_port":
			p, err := strconv.Atoi(value)
			if err == nil {
				peer.SignalPort = p
			}
		}
	}
	return peer, haveRank
}
