// Package watch reports changes under registered directories. Each
// registration's events collect in a bounded queue; the consumer takes a
// signalled key with its batch, handles it and resets the key to get more.
package watch

import (
	c "aiocore/internal"
	"aiocore/internal/util"

	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/fsnotify/fsnotify"
)

var (
	ErrClosed       = errors.New("watch service is closed")
	ErrNotDirectory = errors.New("not a directory")
	ErrInvalidMask  = errors.New("invalid event mask")
)

type Option func(*Service)

// WithQueueCapacity bounds each key's pending events. Past it events are
// counted into an Overflow marker instead.
func WithQueueCapacity(n int) Option {
	return func(s *Service) { s.capacity = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

type registerOptions struct {
	recursive bool
}

type RegisterOption func(*registerOptions)

// Recursive watches the whole subtree, picking up directories created later.
func Recursive() RegisterOption {
	return func(o *registerOptions) { o.recursive = true }
}

type Service struct {
	log      *slog.Logger
	w        *fsnotify.Watcher
	capacity int

	mu      sync.Mutex
	closed  bool
	keys    map[string]*Key
	watched map[string]int // directory -> keys holding it
	signals *queue.Queue

	notify   chan struct{}
	done     chan struct{}
	loopDone chan struct{}
}

func New(opts ...Option) (*Service, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	s := &Service{
		w:        w,
		keys:     make(map[string]*Key),
		watched:  make(map[string]int),
		signals:  queue.New(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.capacity <= 0 {
		s.capacity = c.WATCH_QUEUE_CAP
	}
	if s.log == nil {
		s.log = slog.With("src", "Watch")
	}
	go s.loop()
	return s, nil
}

// Register starts watching path for the kinds in mask. Registering the same
// directory again replaces the mask and returns the existing key.
func (s *Service) Register(path string, mask Kind, opts ...RegisterOption) (*Key, error) {
	if mask == 0 || mask&^AllKinds != 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMask, mask)
	}
	var ro registerOptions
	for _, opt := range opts {
		opt(&ro)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if k, ok := s.keys[path]; ok && k.recursive == ro.recursive {
		k.mask = mask
		return k, nil
	} else if ok {
		return nil, fmt.Errorf("%s is already registered with recursive=%v", path, k.recursive)
	}

	k := &Key{
		s:         s,
		path:      path,
		recursive: ro.recursive,
		mask:      mask,
		valid:     true,
		events:    util.CreateQueue[Event](s.capacity),
		dirs:      make(map[string]struct{}),
	}
	dirs := []string{path}
	if ro.recursive {
		dirs = append(dirs, collectDirs(path)...)
	}
	for _, d := range dirs {
		if err := s.holdLocked(k, d); err != nil {
			gone := k.cancelLocked()
			s.removeWatches(gone)
			return nil, err
		}
	}
	s.keys[path] = k
	s.log.Debug("registered", "path", path, "mask", mask, "recursive", ro.recursive, "dirs", len(dirs))
	return k, nil
}

// collectDirs lists the directories below root, root itself excluded.
// Unreadable entries are skipped.
func collectDirs(root string) []string {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}

func (s *Service) holdLocked(k *Key, dir string) error {
	if _, ok := k.dirs[dir]; ok {
		return nil
	}
	if s.watched[dir] == 0 {
		if err := s.w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	s.watched[dir]++
	k.dirs[dir] = struct{}{}
	return nil
}

// releaseLocked reports whether dir has no holders left.
func (s *Service) releaseLocked(dir string) bool {
	n := s.watched[dir]
	if n <= 1 {
		delete(s.watched, dir)
		return n == 1
	}
	s.watched[dir] = n - 1
	return false
}

func (s *Service) removeWatches(dirs []string) {
	for _, d := range dirs {
		// the kernel drops watches on deleted directories by itself
		if err := s.w.Remove(d); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			s.log.Debug("remove watch", "dir", d, "err", err)
		}
	}
}

func (s *Service) unwatch(dirs []string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.removeWatches(dirs)
	}
}

func (s *Service) signalLocked(k *Key) {
	k.state = signalled
	if k.queued {
		return
	}
	k.queued = true
	s.signals.Add(k)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Take waits for a signalled key and returns it with its pending events.
// The key stays signalled until Reset.
func (s *Service) Take(ctx context.Context) (*Key, []Event, error) {
	for {
		k, evs, err := s.Poll()
		if k != nil || err != nil {
			return k, evs, err
		}
		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Poll is Take without waiting; the key is nil if nothing is signalled.
func (s *Service) Poll() (*Key, []Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	if s.signals.Length() == 0 {
		return nil, nil, nil
	}
	k := s.signals.Remove().(*Key)
	k.queued = false
	if s.signals.Length() > 0 {
		// pass the wakeup on to another taker
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return k, k.snapshotLocked(), nil
}

// PollTimeout waits at most d, or as long as it takes when d <= 0. Running
// out of time is not an error.
func (s *Service) PollTimeout(d time.Duration) (*Key, []Event, error) {
	if d <= 0 {
		return s.Take(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	k, evs, err := s.Take(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil, nil
	}
	return k, evs, err
}

// Close drops every registration. Blocked Take calls return ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, k := range s.keys {
		k.cancelLocked()
	}
	s.mu.Unlock()

	close(s.done)
	err := s.w.Close()
	<-s.loopDone
	return err
}

func kindOf(op fsnotify.Op) Kind {
	var k Kind
	if op.Has(fsnotify.Create) {
		k |= Create
	}
	if op.Has(fsnotify.Write) || op.Has(fsnotify.Chmod) {
		k |= Modify
	}
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		k |= Delete
	}
	return k
}

func (s *Service) loop() {
	defer close(s.loopDone)
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.log.Warn("backend queue overflowed")
				s.overflowAll()
				continue
			}
			s.log.Warn("watch backend", "err", err)
		}
	}
}

func (s *Service) overflowAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.overflowLocked(1) {
			s.signalLocked(k)
		}
	}
}

func (s *Service) handle(ev fsnotify.Event) {
	kind := kindOf(ev.Op)
	if kind == 0 {
		return
	}
	name := filepath.Clean(ev.Name)

	// stat before taking the lock
	var newDir bool
	if kind&Create != 0 {
		if st, err := os.Lstat(name); err == nil && st.IsDir() {
			newDir = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	var gone []string
	if kind&Delete != 0 {
		if k, ok := s.keys[name]; ok {
			s.log.Info("watched directory went away", "path", name)
			gone = append(gone, k.cancelLocked()...)
			if k.state == ready {
				s.signalLocked(k)
			}
		}
	}

	for _, k := range s.keys {
		rel, ok := k.covers(name)
		if !ok {
			continue
		}
		if newDir && k.recursive {
			for _, d := range append([]string{name}, collectDirs(name)...) {
				if err := s.holdLocked(k, d); err != nil {
					s.log.Warn("watch new directory", "dir", d, "err", err)
				}
			}
		}
		if kind&Delete != 0 {
			if _, held := k.dirs[name]; held {
				delete(k.dirs, name)
				s.releaseLocked(name)
			}
		}
		if m := kind & k.mask; m != 0 {
			// a single fsnotify op can carry several kinds
			for _, one := range []Kind{Create, Modify, Delete} {
				if m&one != 0 && k.addLocked(Event{Kind: one, Name: rel, Count: 1}) {
					s.signalLocked(k)
				}
			}
		}
	}

	if len(gone) > 0 {
		go s.unwatch(gone)
	}
}
