package watch

import (
	"aiocore/internal/util"

	"fmt"
	"path/filepath"
	"strings"
)

type Kind uint8

const (
	Create Kind = 1 << iota
	Modify
	Delete
	// Overflow is delivered, never registered for. Its Count is the number
	// of events dropped.
	Overflow
)

const AllKinds = Create | Modify | Delete

func (k Kind) String() string {
	var parts []string
	for _, n := range []struct {
		k Kind
		s string
	}{{Create, "CREATE"}, {Modify, "MODIFY"}, {Delete, "DELETE"}, {Overflow, "OVERFLOW"}} {
		if k&n.k != 0 {
			parts = append(parts, n.s)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return strings.Join(parts, "|")
}

// Event names are relative to the registered directory.
type Event struct {
	Kind  Kind
	Name  string
	Count int
}

type keyState uint8

const (
	ready keyState = iota
	signalled
)

// Key is one registration. Everything but path and recursive is guarded by
// the service mutex.
type Key struct {
	s         *Service
	path      string
	recursive bool

	mask     Kind
	state    keyState
	queued   bool // in the signal queue, not yet taken
	valid    bool
	events   util.Queue[Event]
	overflow int
	dirs     map[string]struct{}
}

func (k *Key) Path() string    { return k.path }
func (k *Key) Recursive() bool { return k.recursive }

func (k *Key) Mask() Kind {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	return k.mask
}

func (k *Key) IsValid() bool {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	return k.valid
}

// PollEvents takes whatever is pending without touching the signal state.
func (k *Key) PollEvents() []Event {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	return k.snapshotLocked()
}

// Reset re-arms a signalled key. Events that piled up since the last batch
// signal it again right away. A key still waiting to be taken stays as it is.
// False means the key is gone.
func (k *Key) Reset() bool {
	s := k.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !k.valid {
		return false
	}
	if k.state != signalled || k.queued {
		return true
	}
	k.state = ready
	if k.pendingLocked() {
		s.signalLocked(k)
	}
	return true
}

// Cancel drops the registration. A key queued for Take is still delivered
// once.
func (k *Key) Cancel() {
	s := k.s
	s.mu.Lock()
	dirs := k.cancelLocked()
	s.mu.Unlock()
	s.unwatch(dirs)
}

func (k *Key) pendingLocked() bool {
	return k.events.Cnt() > 0 || k.overflow > 0
}

// snapshotLocked drains the queue. The overflow marker goes after the events
// that were kept.
func (k *Key) snapshotLocked() []Event {
	out := k.events.Drain()
	if k.overflow > 0 {
		out = append(out, Event{Kind: Overflow, Count: k.overflow})
		k.overflow = 0
	}
	return out
}

// addLocked queues ev, folding it into the previous event if that one is
// identical, and reports whether the key should be signalled.
func (k *Key) addLocked(ev Event) bool {
	if !k.valid {
		return false
	}
	if last := k.events.Last(); last != nil && last.Kind == ev.Kind && last.Name == ev.Name && k.overflow == 0 {
		last.Count++
		return k.state == ready
	}
	if !k.events.TryPush(ev) {
		k.overflow++
	}
	return k.state == ready
}

func (k *Key) overflowLocked(n int) bool {
	if !k.valid {
		return false
	}
	k.overflow += n
	return k.state == ready
}

func (k *Key) cancelLocked() []string {
	if !k.valid {
		return nil
	}
	k.valid = false
	s := k.s
	var gone []string
	for d := range k.dirs {
		if s.releaseLocked(d) {
			gone = append(gone, d)
		}
	}
	k.dirs = nil
	if s.keys[k.path] == k {
		delete(s.keys, k.path)
	}
	return gone
}

// covers reports name relative to the key if its parent directory is watched
// by it.
func (k *Key) covers(name string) (string, bool) {
	dir := filepath.Dir(name)
	if dir == k.path {
		return filepath.Base(name), true
	}
	if !k.recursive || !strings.HasPrefix(dir, k.path+string(filepath.Separator)) {
		return "", false
	}
	rel, err := filepath.Rel(k.path, name)
	if err != nil {
		return "", false
	}
	return rel, true
}
