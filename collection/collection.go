// Package collection is the state manager every live query ultimately reads
// from: a keyed snapshot of rows kept current by a sync adapter, with atomic
// commit-then-notify delivery to subscribers and a small local-mutation API
// for collections an application manages directly rather than through sync.
//
// Collection does not lock internally — like the rest of this module it
// assumes single-owner or externally-synchronized access — except for the
// bookkeeping mutex guarding its own maps, which exists because sync
// adapters and application goroutines are expected to call into a shared
// Collection from different goroutines even though no two calls are ever
// allowed to race on the same sync session.
package collection

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tanstack/db-core/core"
)

// FieldKind is a lightweight, diagnostics-only type tag for Schema fields.
// Nothing in Collection enforces it against rows; it exists purely so a
// caller (or a future irsql front end) can sanity-check a row shape before
// writing it.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
	FieldAny    FieldKind = "any"
)

// Schema optionally documents a collection's row shape for diagnostics.
type Schema struct {
	Fields map[string]FieldKind
}

// SyncFunc is supplied by a sync adapter and drives a
// collection's contents by writing changes to the SyncSession it's handed,
// committing them, and marking the collection ready once its initial load
// completes. A SyncFunc returning a non-nil error ends that sync attempt;
// the collection's previously-committed state is left untouched.
type SyncFunc func(session *SyncSession) error

// ChangeListener receives every Change a committed sync session or a local
// mutation produced, in application order, after that commit has already
// been applied to the collection's state.
type ChangeListener func([]core.Change)

// Options configures a new Collection.
type Options struct {
	// ID identifies the collection for logging; a random uuid is generated
	// when empty.
	ID string
	// GetKey derives a row's identity; required for Insert/Update/Delete,
	// unused for sync-only collections that write already-keyed changes.
	GetKey func(core.Row) (core.Key, error)
	// Schema is optional, diagnostics-only row shape documentation.
	Schema *Schema
	// Sync, when set, is run once at construction if StartSync is true, and
	// may also be invoked again later via RunSync (e.g. by a poll loop).
	Sync      SyncFunc
	StartSync bool
	// GCTimeMS, when positive, tears down internal state GCTimeMS
	// milliseconds after the last subscriber unsubscribes, so an
	// unreferenced collection doesn't hold a stale snapshot forever. Zero
	// disables garbage collection.
	GCTimeMS int

	OnInsert func(core.Row)
	OnUpdate func(core.Row)
	OnDelete func(core.Row)
}

// Collection is a keyed snapshot of rows kept current by sync writes or
// direct local mutation, with change notification to subscribers.
type Collection struct {
	id       string
	getKey   func(core.Row) (core.Key, error)
	schema   *Schema
	syncFn   SyncFunc
	gcTimeMS int
	onInsert func(core.Row)
	onUpdate func(core.Row)
	onDelete func(core.Row)

	mu             sync.Mutex
	state          map[core.Key]core.Row
	ready          bool
	syncing        bool
	listeners      map[int]ChangeListener
	nextListenerID int
	gcTimer        *time.Timer
}

// New constructs a Collection. If opts.StartSync is true and opts.Sync is
// non-nil, the sync function runs once, synchronously, before New returns.
func New(opts Options) (*Collection, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &Collection{
		id:        id,
		getKey:    opts.GetKey,
		schema:    opts.Schema,
		syncFn:    opts.Sync,
		gcTimeMS:  opts.GCTimeMS,
		onInsert:  opts.OnInsert,
		onUpdate:  opts.OnUpdate,
		onDelete:  opts.OnDelete,
		state:     make(map[core.Key]core.Row),
		listeners: make(map[int]ChangeListener),
	}
	if opts.StartSync && c.syncFn != nil {
		if err := c.RunSync(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collection) ID() string { return c.id }

// Ready reports whether at least one sync session has called MarkReady.
func (c *Collection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// RunSync invokes the configured SyncFunc with a fresh SyncSession. Calling
// RunSync while a previous call's SyncFunc is still executing — which can
// only happen if that SyncFunc itself, directly or indirectly, calls
// RunSync again re-entrantly — fails with KindNestedSyncSession rather than
// corrupting session state.
func (c *Collection) RunSync() error {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return core.WrapKind(core.KindNestedSyncSession, "sync already in progress for collection "+c.id, nil)
	}
	c.syncing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	if c.syncFn == nil {
		return nil
	}
	return c.syncFn(&SyncSession{c: c})
}

// dispatch applies the per-change hooks, then every still-subscribed
// listener, each call receiving the same batch in the order changes were
// committed.
func (c *Collection) dispatch(changes []core.Change, listeners []ChangeListener) {
	for _, ch := range changes {
		switch ch.Type {
		case core.Insert:
			if c.onInsert != nil {
				c.onInsert(ch.Value)
			}
		case core.Update:
			if c.onUpdate != nil {
				c.onUpdate(ch.Value)
			}
		case core.Delete:
			if c.onDelete != nil {
				c.onDelete(ch.Value)
			}
		}
	}
	for _, l := range listeners {
		l(changes)
	}
}

// SubscribeChanges registers l to receive every future committed change
// batch. The returned func unsubscribes l; calling it more than once is a
// no-op.
func (c *Collection) SubscribeChanges(l ChangeListener) func() {
	c.mu.Lock()
	if c.gcTimer != nil {
		c.gcTimer.Stop()
		c.gcTimer = nil
	}
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = l
	c.mu.Unlock()

	unsubscribed := false
	return func() {
		c.mu.Lock()
		if !unsubscribed {
			unsubscribed = true
			delete(c.listeners, id)
			c.maybeScheduleGCLocked()
		}
		c.mu.Unlock()
	}
}

// maybeScheduleGCLocked starts the idle-teardown timer once the listener
// set becomes empty, if GCTimeMS is configured. c.mu must be held.
func (c *Collection) maybeScheduleGCLocked() {
	if c.gcTimeMS <= 0 || len(c.listeners) > 0 || c.gcTimer != nil {
		return
	}
	c.gcTimer = time.AfterFunc(time.Duration(c.gcTimeMS)*time.Millisecond, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.listeners) == 0 {
			c.state = make(map[core.Key]core.Row)
			c.ready = false
		}
		c.gcTimer = nil
	})
}

// CurrentStateAsChanges returns the collection's full current snapshot as
// one Insert Change per row, in no particular order — the form a live query
// preloading from this collection consumes to seed its own state before
// subscribing to further changes.
func (c *Collection) CurrentStateAsChanges() []core.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Change, 0, len(c.state))
	for k, v := range c.state {
		out = append(out, core.Change{Type: core.Insert, Key: k, Value: v})
	}
	return out
}

func (c *Collection) Get(k core.Key) (core.Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.state[k]
	return r, ok
}

func (c *Collection) Has(k core.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.state[k]
	return ok
}

func (c *Collection) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state)
}

// Entries returns a defensive copy of the current snapshot, keyed by row
// key. A copy (rather than a live iterator over internal state) keeps
// callers from observing a torn read if a sync commits concurrently.
func (c *Collection) Entries() map[core.Key]core.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[core.Key]core.Row, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

// Insert applies a local insert, deriving the row's key via GetKey,
// independent of any sync session. It fails if the collection has no
// GetKey configured.
func (c *Collection) Insert(row core.Row) (core.Key, error) {
	key, err := c.keyFor(row)
	if err != nil {
		return nil, err
	}
	s := &SyncSession{c: c}
	if err := s.Write(core.Change{Type: core.Insert, Key: key, Value: row}); err != nil {
		return nil, err
	}
	return key, s.Commit()
}

// Update applies a local update to the row identified by GetKey(row).
func (c *Collection) Update(row core.Row) error {
	key, err := c.keyFor(row)
	if err != nil {
		return err
	}
	s := &SyncSession{c: c}
	if err := s.Write(core.Change{Type: core.Update, Key: key, Value: row}); err != nil {
		return err
	}
	return s.Commit()
}

// Delete removes the row identified by key.
func (c *Collection) Delete(key core.Key) error {
	s := &SyncSession{c: c}
	if err := s.Write(core.Change{Type: core.Delete, Key: key}); err != nil {
		return err
	}
	return s.Commit()
}

func (c *Collection) keyFor(row core.Row) (core.Key, error) {
	if c.getKey == nil {
		return nil, core.WrapKind(core.KindQueryShape, "collection "+c.id+" has no GetKey configured", nil)
	}
	key, err := c.getKey(row)
	if err != nil {
		return nil, err
	}
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// SyncSession is the write handle a SyncFunc uses to stage and commit
// changes against its Collection. A session accumulates writes in Write and
// applies them atomically — all at once, one notification batch — in
// Commit; nothing is visible to Get/Entries/subscribers until Commit runs.
type SyncSession struct {
	c       *Collection
	pending []core.Change
}

// Write stages changes for the next Commit. Every change's Key is validated
// immediately so a malformed key fails close to its source rather than at
// an unrelated later Commit.
func (s *SyncSession) Write(changes ...core.Change) error {
	for _, ch := range changes {
		if err := core.ValidateKey(ch.Key); err != nil {
			return err
		}
	}
	s.pending = append(s.pending, changes...)
	return nil
}

// Commit applies every change staged since the last Commit to the
// collection's state and notifies subscribers with exactly the changes that
// actually altered state — an Insert/Update whose value is identical to
// what's already stored, or a Delete for a key that isn't present, produces
// no notification.
func (s *SyncSession) Commit() error {
	c := s.c
	c.mu.Lock()
	applied := make([]core.Change, 0, len(s.pending))
	for _, ch := range s.pending {
		switch ch.Type {
		case core.Insert, core.Update:
			prev, had := c.state[ch.Key]
			c.state[ch.Key] = ch.Value
			if had {
				if rowsEqual(prev, ch.Value) {
					continue
				}
				p := prev
				applied = append(applied, core.Change{Type: core.Update, Key: ch.Key, Value: ch.Value, PreviousValue: &p})
			} else {
				applied = append(applied, core.Change{Type: core.Insert, Key: ch.Key, Value: ch.Value})
			}
		case core.Delete:
			if prev, had := c.state[ch.Key]; had {
				delete(c.state, ch.Key)
				applied = append(applied, core.Change{Type: core.Delete, Key: ch.Key, Value: prev})
			}
		}
	}
	listeners := make([]ChangeListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	s.pending = nil
	if len(applied) > 0 {
		c.dispatch(applied, listeners)
	}
	return nil
}

// MarkReady signals that this session's sync has delivered a complete
// initial snapshot; subsequent sessions typically only deliver deltas.
func (s *SyncSession) MarkReady() {
	s.c.mu.Lock()
	s.c.ready = true
	s.c.mu.Unlock()
}

func rowsEqual(a, b core.Row) bool {
	return reflect.DeepEqual(a, b)
}
