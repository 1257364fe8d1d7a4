// Package ringnet implements the two wire protocols carried over the ring:
// a data port streaming per-cycle activation batches forward, and a
// signal port broadcasting KV mutation commands. Framing uses a
// fixed-width binary header written with encoding/binary.BigEndian, body
// length carried in the header, no compression or varint framing,
// generalised from string-keyed tensor addressing to this core's fixed
// numeric fields.
package ringnet

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// dataHeaderSize is the fixed header preceding every data frame's payload:
// cycle_id, batch_id, n_tokens, n_bytes, each a u32.
const dataHeaderSize = 16

// DataFrame is one activation batch moving forward around the ring.
type DataFrame struct {
	CycleID  uint32
	BatchID  uint32
	NTokens  uint32
	Payload  []byte
}

// SignalKind is the closed set of KV control-plane commands that fit the
// signal frame's kind byte.
type SignalKind uint8

const (
	SignalClear  SignalKind = 0
	SignalRemove SignalKind = 1
	SignalCopy   SignalKind = 2
	SignalAdd    SignalKind = 3
	SignalDivide SignalKind = 4
	SignalStop   SignalKind = 255
)

// signalFrameSize is the fixed size of every signal frame: kind (1) +
// seq_id (4) + p0 (4) + p1 (4) + delta_or_divisor (4).
const signalFrameSize = 17

// SignalFrame is one KV mutation command broadcast over the signal port.
// For every kind but SignalCopy, SeqID names the sequence the range
// [P0,P1) applies to and DeltaOrDivisor is the shift amount or group
// divisor. SignalCopy instead reuses SeqID as the copy source and
// DeltaOrDivisor as the copy destination, since the fixed five-field frame
// has no room for a distinct fifth operand.
type SignalFrame struct {
	Kind           SignalKind
	SeqID          uint32
	P0, P1         int32
	DeltaOrDivisor int32
}

// DataLink is the egress/ingress pair of TCP connections a rank uses for
// the data port: one connection out to (rank+1) mod N, one connection in
// from (rank-1) mod N, matching the ring's directed-cycle topology.
type DataLink struct {
	wMu sync.Mutex
	w   net.Conn
	r   net.Conn
}

// NewDataLink wraps an established outbound and inbound connection pair.
func NewDataLink(out, in net.Conn) *DataLink {
	return &DataLink{w: out, r: in}
}

// Send writes one data frame to the next rank. No retry on failure: a
// transport error here is fatal for the node per the ring's all-or-nothing
// liveness model.
func (l *DataLink) Send(f DataFrame) error {
	l.wMu.Lock()
	defer l.wMu.Unlock()

	header := make([]byte, dataHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], f.CycleID)
	binary.BigEndian.PutUint32(header[4:8], f.BatchID)
	binary.BigEndian.PutUint32(header[8:12], f.NTokens)
	binary.BigEndian.PutUint32(header[12:16], uint32(len(f.Payload)))

	if _, err := l.w.Write(header); err != nil {
		return fmt.Errorf("ringnet: write data header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := l.w.Write(f.Payload); err != nil {
			return fmt.Errorf("ringnet: write data payload: %w", err)
		}
	}
	return nil
}

// Receive blocks for the next data frame from the previous rank.
func (l *DataLink) Receive() (DataFrame, error) {
	header := make([]byte, dataHeaderSize)
	if _, err := io.ReadFull(l.r, header); err != nil {
		return DataFrame{}, fmt.Errorf("ringnet: read data header: %w", err)
	}

	f := DataFrame{
		CycleID: binary.BigEndian.Uint32(header[0:4]),
		BatchID: binary.BigEndian.Uint32(header[4:8]),
		NTokens: binary.BigEndian.Uint32(header[8:12]),
	}
	nBytes := binary.BigEndian.Uint32(header[12:16])
	if nBytes > 0 {
		f.Payload = make([]byte, nBytes)
		if _, err := io.ReadFull(l.r, f.Payload); err != nil {
			return DataFrame{}, fmt.Errorf("ringnet: read data payload: %w", err)
		}
	}
	return f, nil
}

// Close closes both directions of the link.
func (l *DataLink) Close() error {
	var err error
	if l.w != nil {
		err = l.w.Close()
	}
	if l.r != nil && l.r != l.w {
		if rerr := l.r.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// SignalLink carries KV mutation broadcasts. The head rank is the sole
// writer; every other rank only reads and re-broadcasts, per the control
// plane's head-originates-all-mutations rule.
type SignalLink struct {
	wMu sync.Mutex
	w   net.Conn
	r   net.Conn
}

// NewSignalLink wraps an established outbound and inbound connection pair.
func NewSignalLink(out, in net.Conn) *SignalLink {
	return &SignalLink{w: out, r: in}
}

// Send writes one signal frame downstream.
func (l *SignalLink) Send(f SignalFrame) error {
	l.wMu.Lock()
	defer l.wMu.Unlock()

	buf := make([]byte, signalFrameSize)
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[1:5], f.SeqID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(f.P0))
	binary.BigEndian.PutUint32(buf[9:13], uint32(f.P1))
	binary.BigEndian.PutUint32(buf[13:17], uint32(f.DeltaOrDivisor))

	if _, err := l.w.Write(buf); err != nil {
		return fmt.Errorf("ringnet: write signal frame: %w", err)
	}
	return nil
}

// Receive blocks for the next signal frame.
func (l *SignalLink) Receive() (SignalFrame, error) {
	buf := make([]byte, signalFrameSize)
	if _, err := io.ReadFull(l.r, buf); err != nil {
		return SignalFrame{}, fmt.Errorf("ringnet: read signal frame: %w", err)
	}
	return SignalFrame{
		Kind:           SignalKind(buf[0]),
		SeqID:          binary.BigEndian.Uint32(buf[1:5]),
		P0:             int32(binary.BigEndian.Uint32(buf[5:9])),
		P1:             int32(binary.BigEndian.Uint32(buf[9:13])),
		DeltaOrDivisor: int32(binary.BigEndian.Uint32(buf[13:17])),
	}, nil
}

// Close closes both directions of the link.
func (l *SignalLink) Close() error {
	var err error
	if l.w != nil {
		err = l.w.Close()
	}
	if l.r != nil && l.r != l.w {
		if rerr := l.r.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// NextRank returns (rank+1) mod n, the egress target in the ring's
// directed-cycle topology.
func NextRank(rank, n int) int {
	return (rank + 1) % n
}

// PrevRank returns (rank-1) mod n, the ingress source.
func PrevRank(rank, n int) int {
	return (rank - 1 + n) % n
}
