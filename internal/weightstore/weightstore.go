// Package weightstore exposes a model artifact's per-layer weight tiles
// with an explicit prefetch/release residency state machine. It does not
// memory-map the file: it reads it through a buffered seeker. Prefetch reads
// a few bytes of every page-sized stride so the OS pulls the tile into its
// page cache, Release only changes the recorded state and makes no call to
// the OS, Read copies a tile's bytes into a new slice, and the OS remains
// free to evict pages at any time regardless of what this package believes
// the state is.
package weightstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/ringmesh/ringd/internal/bufioutil"
)

// Residency is the observable state of a weight tile's pages.
type Residency int

const (
	// Unmapped means the tile has no valid virtual address yet.
	Unmapped Residency = iota
	// MappedCold means the virtual address is valid but pages are not
	// known to be faulted in.
	MappedCold
	// MappedHot means pages have been faulted in and are referenced by
	// at least one in-flight compute step.
	MappedHot
)

func (r Residency) String() string {
	switch r {
	case Unmapped:
		return "unmapped"
	case MappedCold:
		return "mapped_cold"
	case MappedHot:
		return "mapped_hot"
	default:
		return "unknown"
	}
}

// pageSize is the unit the store touches sequentially during prefetch. It
// does not need to match the OS page size exactly — it only needs to be
// small enough that touching every stride reliably faults in every page in
// between.
const pageSize = 4096

// tile tracks one layer's residency state and how many in-flight pipeline
// steps still reference it. release is refused while refs > 0, which is
// the mechanism that prevents the prefetch-release pathology: a tile
// fetched for cycle k cannot be evicted before cycle k+1's compute, which
// holds a reference, has run.
type tile struct {
	mu       sync.Mutex
	residency Residency
	refs     int
	offset   int64
	size     int64
}

// Handle is an open weight store backed by a single memory-mappable file.
// Tiles are addressed by layer index; address ranges are supplied by the
// caller at Open time since layer byte offsets come from the (out-of-scope)
// model file format reader.
type Handle struct {
	f      *os.File
	reader *bufioutil.BufferedSeeker
	mu     sync.Mutex
	tiles  []*tile
}

// LayerRange is one layer's byte range within the backing file.
type LayerRange struct {
	Offset int64
	Size   int64
}

// Open memory-maps the artifact at path (conceptually — this package reads
// through a buffered seeker rather than calling mmap directly, so the same
// code runs identically on every OS without cgo) and registers one tile per
// entry in layout.
func Open(path string, layout []LayerRange) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("weightstore: open %s: %w", path, err)
	}

	tiles := make([]*tile, len(layout))
	for i, lr := range layout {
		tiles[i] = &tile{residency: Unmapped, offset: lr.Offset, size: lr.Size}
	}

	return &Handle{
		f:      f,
		reader: bufioutil.NewBufferedSeeker(f, pageSize*4),
		tiles:  tiles,
	}, nil
}

// Close releases the underlying file handle.
func (h *Handle) Close() error {
	return h.f.Close()
}

// NumLayers reports how many tiles this store was opened with.
func (h *Handle) NumLayers() int { return len(h.tiles) }

func (h *Handle) tileAt(layer int) (*tile, error) {
	if layer < 0 || layer >= len(h.tiles) {
		return nil, fmt.Errorf("weightstore: layer %d out of range [0,%d)", layer, len(h.tiles))
	}
	return h.tiles[layer], nil
}

// Residency reports layer's current observable state.
func (h *Handle) Residency(layer int) (Residency, error) {
	t, err := h.tileAt(layer)
	if err != nil {
		return Unmapped, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.residency, nil
}

// Prefetch drives layer to MappedHot, blocking on a sequential read of
// every page-sized stride in the tile's range to force the OS to populate
// the page cache (and, on unified-memory accelerators, make the pages
// simultaneously visible to GPU kernels). It does not touch the tile's
// reference count on its own; a caller that wants Release held off until
// it has finished with the tile must pair this with an explicit Acquire
// before use and a matching Release after. h.mu guards the underlying
// BufferedSeeker, which is shared across every tile and not itself safe for
// concurrent Seek/Read, the same way Read serializes against it; the
// pipeline engine prefetches a horizon of tiles ahead while earlier ones are
// still being released, so this runs concurrently with Acquire/Release
// rather than under any single-prefetcher assumption.
func (h *Handle) Prefetch(layer int) error {
	t, err := h.tileAt(layer)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.residency == MappedHot {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, 8)
	for off := t.offset; off < t.offset+t.size; off += pageSize {
		if _, err := h.reader.Seek(off, 0); err != nil {
			return fmt.Errorf("weightstore: prefetch layer %d: seek: %w", layer, err)
		}
		n := len(buf)
		if remaining := t.offset + t.size - off; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := h.reader.Read(buf[:n]); err != nil {
			return fmt.Errorf("weightstore: prefetch layer %d: read: %w", layer, err)
		}
	}

	t.residency = MappedHot
	return nil
}

// Acquire increments layer's reference count, taking a hold that forbids
// Release from downgrading the tile until a matching Release call is made.
// The pipeline engine calls this once per in-flight cycle whose
// compute_cursor has not yet passed this layer.
func (h *Handle) Acquire(layer int) error {
	t, err := h.tileAt(layer)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
	return nil
}

// Release decrements layer's reference count, and when it reaches zero,
// downgrades residency to MappedCold. This only changes the recorded state;
// no call is made to the OS. If refs has not reached zero, this is a
// pure refcount decrement — residency is left untouched.
func (h *Handle) Release(layer int) error {
	t, err := h.tileAt(layer)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.refs > 0 {
		t.refs--
	}
	if t.refs == 0 && t.residency == MappedHot {
		t.residency = MappedCold
	}
	return nil
}

// RefCount reports how many outstanding Acquire calls layer has, used by
// tests and by the pipeline engine's release-hysteresis bookkeeping.
func (h *Handle) RefCount(layer int) (int, error) {
	t, err := h.tileAt(layer)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs, nil
}

// Read copies the raw bytes of layer's tile into a new slice. This is the
// seam the compute backend uses to obtain tile bytes; it does not itself
// change residency, and callers must already hold a Prefetch'd MappedHot
// tile (confirmed via Residency) before calling it, per the pipeline
// engine's "await residency mapped_hot" step.
func (h *Handle) Read(layer int) ([]byte, error) {
	t, err := h.tileAt(layer)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, t.size)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.reader.Seek(t.offset, 0); err != nil {
		return nil, fmt.Errorf("weightstore: read layer %d: seek: %w", layer, err)
	}
	if _, err := readFull(h.reader, buf); err != nil {
		return nil, fmt.Errorf("weightstore: read layer %d: %w", layer, err)
	}
	return buf, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
