package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
)

func TestDecodeEntryParsesRankAndSignalPort(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Port:       7001,
		AddrV4:     net.ParseIP("10.0.0.5"),
		InfoFields: []string{"rank=2", "signal_port=7002"},
	}

	peer, ok := decodeEntry(entry)
	assert.True(t, ok)
	assert.Equal(t, 2, peer.Rank)
	assert.Equal(t, 7001, peer.DataPort)
	assert.Equal(t, 7002, peer.SignalPort)
	assert.Equal(t, net.ParseIP("10.0.0.5"), peer.Addr)
}

func TestDecodeEntryMissingRankFails(t *testing.T) {
	entry := &mdns.ServiceEntry{
		AddrV4:     net.ParseIP("10.0.0.5"),
		InfoFields: []string{"signal_port=7002"},
	}
	_, ok := decodeEntry(entry)
	assert.False(t, ok)
}

func TestDecodeEntryNoAddressFails(t *testing.T) {
	entry := &mdns.ServiceEntry{InfoFields: []string{"rank=1"}}
	_, ok := decodeEntry(entry)
	assert.False(t, ok)
}

func TestDecodeEntryMalformedRankFails(t *testing.T) {
	entry := &mdns.ServiceEntry{
		AddrV4:     net.ParseIP("10.0.0.5"),
		InfoFields: []string{"rank=notanumber"},
	}
	_, ok := decodeEntry(entry)
	assert.False(t, ok)
}
