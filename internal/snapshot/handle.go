package snapshot

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownHandle = errors.New("snapshot: unknown handle")

// HandleStatus tags a Handle.
type HandleStatus uint8

const (
	HandleOK HandleStatus = iota
	HandleUnavailable
)

func (s HandleStatus) String() string {
	switch s {
	case HandleOK:
		return "ok"
	case HandleUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("HandleStatus(%d)", uint8(s))
	}
}

// unavailableCode is the legacy integer for a handle that carries nothing.
const unavailableCode int32 = -1

// Handle is the opaque token GetAppInfo returns and Init consumes.
type Handle struct {
	Status HandleStatus
	ID     int32
}

// Unavailable is the handle returned when no snapshot could be taken.
var Unavailable = Handle{Status: HandleUnavailable}

// OK reports whether the handle refers to a snapshot.
func (h Handle) OK() bool { return h.Status == HandleOK }

// Int32 encodes the handle as the legacy integer. OK handles are never
// negative.
func (h Handle) Int32() int32 {
	if !h.OK() {
		return unavailableCode
	}
	return h.ID
}

// FromInt32 decodes the legacy integer encoding.
func FromInt32(v int32) Handle {
	if v < 0 {
		return Unavailable
	}
	return Handle{Status: HandleOK, ID: v}
}

func (h Handle) String() string {
	if !h.OK() {
		return "handle(unavailable)"
	}
	return fmt.Sprintf("handle(%d)", h.ID)
}

// HandleTable holds snapshots between GetAppInfo and Init. At most one
// snapshot is pending per handle ID.
type HandleTable struct {
	mu      sync.Mutex
	pending map[int32]*Snapshot
}

func NewHandleTable() *HandleTable {
	return &HandleTable{pending: make(map[int32]*Snapshot)}
}

// Put parks s and returns its handle. An older snapshot under the same ID is
// wiped and replaced.
func (t *HandleTable) Put(s *Snapshot) Handle {
	if !s.Valid() {
		return Unavailable
	}
	id := s.Summary() & 0x7fffffff

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.pending[id]; ok && old != s {
		old.Discard()
	}
	t.pending[id] = s
	return Handle{Status: HandleOK, ID: id}
}

// Take removes and returns the snapshot for h.
func (t *HandleTable) Take(h Handle) (*Snapshot, error) {
	if !h.OK() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.pending[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	delete(t.pending, h.ID)
	return s, nil
}

// Inspect returns the attributes of the snapshot for h without removing it.
// The copy is taken under the table lock and carries no values, so a
// concurrent Put that replaces the snapshot cannot race with the caller.
func (t *HandleTable) Inspect(h Handle) ([]Attribute, bool) {
	if !h.OK() {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.pending[h.ID]
	if !ok {
		return nil, false
	}
	attrs := s.Attributes()
	for i := range attrs {
		attrs[i].Value = ""
	}
	return attrs, true
}

// Len returns the number of pending snapshots.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Purge wipes every pending snapshot.
func (t *HandleTable) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.pending {
		s.Discard()
		delete(t.pending, id)
	}
}
