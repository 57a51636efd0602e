package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"catalogsync/internal/models"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
)

// MaxDepth is the deepest level a view may sit below its root.
const MaxDepth = 2

// ContextSet owns the primary, sync and test views and every worker created
// from them.
type ContextSet struct {
	primary *View
	sync    *View
	test    *View

	owners    sync.Map // models.Entity -> *View
	mu        sync.Mutex
	views     map[*View]struct{}
	observers []func(ChangeSet)
	workerSeq atomic.Int64
	log       logger.Logger
}

// New builds the view hierarchy over source. The test view is an unrelated
// root over an empty in-memory source.
func New(source Source) *ContextSet {
	set := &ContextSet{
		views: make(map[*View]struct{}),
		log:   logger.New("store").File("contextSet"),
	}

	set.primary = set.newView("primary", RolePrimary, nil, source)
	set.sync = set.newView("sync", RoleSync, set.primary, nil)
	set.test = set.newView("test", RoleTest, nil, NewMemorySource())

	set.log.Function("New").Info("context set ready")
	return set
}

func (s *ContextSet) Primary() *View { return s.primary }
func (s *ContextSet) Sync() *View    { return s.sync }
func (s *ContextSet) Test() *View    { return s.test }

// CreateWorkerView returns a new isolated child of parent.
func (s *ContextSet) CreateWorkerView(parent *View) (*View, error) {
	log := s.log.Function("CreateWorkerView")

	if parent == nil || parent.set != s {
		return nil, log.Err("invalid parent", types.NewUsageError("parent view does not belong to this context set"))
	}
	if parent.closed.Load() {
		return nil, types.NewUsageError("parent view %s is closed", parent.name)
	}
	if parent.depth >= MaxDepth {
		return nil, types.NewUsageError(
			"cannot nest below %s: depth limit is %d", parent.name, MaxDepth,
		)
	}

	name := fmt.Sprintf("worker-%d", s.workerSeq.Add(1))
	return s.newView(name, RoleWorker, parent, nil), nil
}

// ResolveOwningContext returns the view the entity instance is registered in.
func (s *ContextSet) ResolveOwningContext(entity models.Entity) *View {
	if entity == nil {
		return nil
	}
	if view, ok := s.owners.Load(entity); ok {
		return view.(*View)
	}
	return nil
}

// OnChange registers an observer. Observers run synchronously on the queue of
// the view that changed and must not block.
func (s *ContextSet) OnChange(fn func(ChangeSet)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *ContextSet) notify(change ChangeSet) {
	if change.Empty() {
		return
	}

	s.mu.Lock()
	observers := append([]func(ChangeSet){}, s.observers...)
	s.mu.Unlock()

	for _, observer := range observers {
		observer(change)
	}
}

// Close stops every view's queue. Blocked callers receive a UsageError.
func (s *ContextSet) Close() {
	s.mu.Lock()
	views := make([]*View, 0, len(s.views))
	for view := range s.views {
		views = append(views, view)
	}
	s.mu.Unlock()

	for _, view := range views {
		view.Close()
	}
	s.log.Function("Close").Info("context set closed", "views", len(views))
}

func (s *ContextSet) newView(name string, role Role, parent *View, source Source) *View {
	view := newView(s, name, role, parent, source)

	s.mu.Lock()
	s.views[view] = struct{}{}
	s.mu.Unlock()

	return view
}

func (s *ContextSet) forget(view *View) {
	s.mu.Lock()
	delete(s.views, view)
	s.mu.Unlock()
}
