package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/storage"
)

var _ storage.KV = (*Handle)(nil)

// Shared is an in-process origin: every Handle opened on it sees the same keys.
type Shared struct {
	values     map[string]string
	handles    map[string]*Handle
	lock       sync.RWMutex
	deliveries *tracker
}

func NewShared() *Shared {
	return &Shared{
		values:     make(map[string]string),
		handles:    make(map[string]*Handle),
		deliveries: newTracker(),
	}
}

// Open returns a handle for one execution context. Close it to stop its delivery goroutine.
func (s *Shared) Open() *Handle {
	h := &Handle{
		id:         uuid.New().String(),
		shared:     s,
		watchers:   make(map[uint64]watcher),
		dispatcher: newDispatcher(s.deliveries),
	}
	s.lock.Lock()
	s.handles[h.id] = h
	s.lock.Unlock()
	go h.dispatcher.run()
	return h
}

// Settle blocks until every queued change has been delivered to every handle,
// including changes written by the watch callbacks themselves.
func (s *Shared) Settle() {
	s.deliveries.wait()
}

// Snapshot returns a copy of every stored key.
func (s *Shared) Snapshot() map[string]string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return maps.Clone(s.values)
}

type watcher struct {
	key string
	fn  func(storage.Change)
}

// Handle is one context's view of a Shared origin.
type Handle struct {
	id       string
	shared   *Shared
	watchers map[uint64]watcher
	nextID   uint64
	closed   bool
	lock     sync.Mutex

	dispatcher *dispatcher
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Get(_ context.Context, key string) (string, bool, error) {
	if h.isClosed() {
		return "", false, errors.ErrStorageClosed
	}
	h.shared.lock.RLock()
	defer h.shared.lock.RUnlock()
	v, ok := h.shared.values[key]
	return v, ok, nil
}

func (h *Handle) GetMany(_ context.Context, keys []string) (map[string]string, error) {
	if h.isClosed() {
		return nil, errors.ErrStorageClosed
	}
	h.shared.lock.RLock()
	defer h.shared.lock.RUnlock()
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := h.shared.values[k]; ok {
			values[k] = v
		}
	}
	return values, nil
}

func (h *Handle) Apply(_ context.Context, batch storage.Batch) error {
	if h.isClosed() {
		return errors.ErrStorageClosed
	}

	h.shared.lock.Lock()
	var changes []storage.Change
	for k, v := range batch.Set {
		if old, ok := h.shared.values[k]; ok && old == v {
			continue
		}
		h.shared.values[k] = v
		changes = append(changes, storage.Change{Key: k, Value: v, Present: true})
	}
	for _, k := range batch.Remove {
		if _, ok := h.shared.values[k]; !ok {
			continue
		}
		delete(h.shared.values, k)
		changes = append(changes, storage.Change{Key: k})
	}
	others := make([]*Handle, 0, len(h.shared.handles))
	for id, other := range h.shared.handles {
		if id != h.id {
			others = append(others, other)
		}
	}
	h.shared.lock.Unlock()

	// Delivered asynchronously, in write order, once the whole batch is visible.
	for _, c := range changes {
		for _, other := range others {
			other.dispatcher.enqueue(func() { other.notify(c) })
		}
	}
	return nil
}

func (h *Handle) Watch(key string, fn func(storage.Change)) func() {
	h.lock.Lock()
	defer h.lock.Unlock()

	id := h.nextID
	h.nextID++
	h.watchers[id] = watcher{key: key, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.lock.Lock()
			delete(h.watchers, id)
			h.lock.Unlock()
		})
	}
}

// Close detaches the handle from the origin. Stored values are kept.
func (h *Handle) Close() error {
	h.lock.Lock()
	h.closed = true
	h.watchers = make(map[uint64]watcher)
	h.lock.Unlock()

	h.shared.lock.Lock()
	delete(h.shared.handles, h.id)
	h.shared.lock.Unlock()

	h.dispatcher.close()
	return nil
}

func (h *Handle) isClosed() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.closed
}

func (h *Handle) notify(c storage.Change) {
	h.lock.Lock()
	fns := make([]func(storage.Change), 0, len(h.watchers))
	for _, w := range h.watchers {
		if w.key == c.Key {
			fns = append(fns, w.fn)
		}
	}
	h.lock.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// tracker counts deliveries queued but not yet finished across all handles.
type tracker struct {
	lock    sync.Mutex
	cond    *sync.Cond
	pending int
}

func newTracker() *tracker {
	t := &tracker{}
	t.cond = sync.NewCond(&t.lock)
	return t
}

func (t *tracker) add(n int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.pending += n
	if t.pending == 0 {
		t.cond.Broadcast()
	}
}

func (t *tracker) wait() {
	t.lock.Lock()
	defer t.lock.Unlock()
	for t.pending > 0 {
		t.cond.Wait()
	}
}

// dispatcher runs queued deliveries one at a time on its own goroutine. The queue is
// unbounded so a writer never blocks on a slow watcher.
type dispatcher struct {
	lock    sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	tracker *tracker
}

func newDispatcher(t *tracker) *dispatcher {
	d := &dispatcher{tracker: t}
	d.cond = sync.NewCond(&d.lock)
	return d
}

func (d *dispatcher) enqueue(f func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return
	}
	d.tracker.add(1)
	d.queue = append(d.queue, f)
	d.cond.Signal()
}

func (d *dispatcher) run() {
	d.lock.Lock()
	defer d.lock.Unlock()
	for {
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			return
		}
		f := d.queue[0]
		d.queue = d.queue[1:]
		d.lock.Unlock()

		f()
		d.tracker.add(-1)

		d.lock.Lock()
	}
}

func (d *dispatcher) close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.tracker.add(-len(d.queue))
	d.queue = nil
	d.cond.Signal()
}
