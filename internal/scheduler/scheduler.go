// Package scheduler runs the per-tile decode/encode task graph
// (component -> resolution -> codeblock work) across a fixed pool of
// workers, each with its own Chase-Lev work-stealing deque: a task's
// continuation is pushed onto the deque of the worker that unblocked
// it, and a worker whose own deque runs dry steals from the top of
// another worker's deque instead of blocking on a channel.
//
// The graph shape mirrors ImageComponentFlow/FlowComponent from the
// reference codec: one FlowComponent per image component, composed of
// one task per resolution, each resolution preceding the next coarser
// one it depends on for synthesis.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Task is one schedulable unit of work: decode or encode a single
// resolution level of a single component, or synthesize/analyze across
// already-completed children.
type Task struct {
	ID       uuid.UUID
	Name     string
	Fn       func(ctx context.Context) error
	deps     []*Task
	children []*Task
	once     sync.Once
	done     chan struct{}
	err      error
}

// newTaskID derives a deterministic UUID from the task's name so that
// re-running the same graph (e.g. retrying a failed tile) produces
// stable IDs for logging/correlation instead of random ones.
func newTaskID(name string) uuid.UUID {
	sum := fnv64a(name)
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (8 * i))
		b[i+8] = byte(sum >> (8 * i))
	}
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return uuid.New()
	}
	return id
}

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// NewTask creates a task named name running fn. The name should be
// unique within a Graph; it seeds the task's UUID.
func NewTask(name string, fn func(ctx context.Context) error) *Task {
	return &Task{ID: newTaskID(name), Name: name, Fn: fn, done: make(chan struct{})}
}

// Precede declares that t must run before successor: successor will not
// start until t has completed successfully.
func (t *Task) Precede(successor *Task) {
	successor.deps = append(successor.deps, t)
	t.children = append(t.children, successor)
}

// ComponentFlow groups all of one image component's resolution tasks,
// matching FlowComponent's role as a composable sub-graph. ResFlow is
// an alias used when the grouping is per-resolution rather than
// per-component (both are plain Task collections; the distinction is
// naming, matching the reference split between whole-image and
// whole-tile flows).
type ComponentFlow struct {
	Component int
	Tasks     []*Task
}

type ResFlow = ComponentFlow

// NewComponentFlow creates an empty flow for the given component index.
func NewComponentFlow(component int) *ComponentFlow {
	return &ComponentFlow{Component: component}
}

// Add appends a task to the flow and returns it for chaining Precede
// calls.
func (f *ComponentFlow) Add(t *Task) *Task {
	f.Tasks = append(f.Tasks, t)
	return t
}

// Graph is the full set of tasks to run for one tile, assembled from
// one or more ComponentFlows.
type Graph struct {
	tasks []*Task
}

// NewGraph creates an empty task graph.
func NewGraph() *Graph { return &Graph{} }

// AddFlow appends every task in flow to the graph.
func (g *Graph) AddFlow(flow *ComponentFlow) {
	g.tasks = append(g.tasks, flow.Tasks...)
}

// Scheduler runs Graphs across a bounded worker pool.
type Scheduler struct {
	workers int
	logger  *slog.Logger
}

// New creates a Scheduler with the given worker count. workers <= 0
// selects runtime.GOMAXPROCS(0); workers == 1 runs everything on the
// calling goroutine with no pool overhead. logger may be nil, in which
// case slog.Default() is used.
func New(workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{workers: workers, logger: logger}
}

// Run executes every task in g, respecting Precede dependencies, and
// returns the first error encountered (if any); all already-started
// tasks are allowed to finish, and the context passed to unstarted
// tasks is cancelled so they can exit promptly.
//
// Ready tasks are distributed across one Deque per worker: a task whose
// last dependency just finished is pushed onto the deque of the worker
// that finished it (continuation stays local, as in the reference
// codec's scheduler), and a worker whose own deque runs dry steals from
// the top of another worker's deque instead of blocking.
func (s *Scheduler) Run(ctx context.Context, g *Graph) error {
	if len(g.tasks) == 0 {
		return nil
	}
	if s.workers == 1 {
		return s.runSerial(ctx, g)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := len(g.tasks)
	pendingDeps := make(map[*Task]*int32, n)
	for _, t := range g.tasks {
		v := int32(len(t.deps))
		pendingDeps[t] = &v
	}

	deques := make([]*Deque[*Task], s.workers)
	for i := range deques {
		deques[i] = NewDeque[*Task](32)
	}

	var nextWorker int32
	push := func(t *Task, preferredWorker int) {
		idx := preferredWorker
		if idx < 0 {
			idx = int(atomic.AddInt32(&nextWorker, 1)-1) % s.workers
		}
		deques[idx].PushBottom(t)
	}

	var remaining int32 = int32(n)
	var firstErr error
	var errOnce sync.Once

	finish := func(t *Task, worker int) {
		atomic.AddInt32(&remaining, -1)
		for _, c := range t.children {
			if atomic.AddInt32(pendingDeps[c], -1) == 0 {
				push(c, worker)
			}
		}
	}

	for _, t := range g.tasks {
		if len(t.deps) == 0 {
			push(t, -1)
		}
	}

	var wg sync.WaitGroup
	wg.Add(s.workers)
	for w := 0; w < s.workers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for {
				t, ok := deques[w].PopBottom()
				if !ok {
					t, ok = stealFrom(deques, w)
				}
				if !ok {
					if atomic.LoadInt32(&remaining) <= 0 || runCtx.Err() != nil {
						return
					}
					runtime.Gosched()
					continue
				}

				var depErr error
				for _, dep := range t.deps {
					<-dep.done
					if dep.err != nil {
						depErr = dep.err
						break
					}
				}
				if depErr == nil {
					if err := runCtx.Err(); err != nil {
						depErr = err
					}
				}

				t.once.Do(func() {
					if depErr != nil {
						t.err = fmt.Errorf("scheduler: task %q skipped: dependency failed: %w", t.Name, depErr)
					} else {
						s.logger.Debug("scheduler: running task", "task", t.Name, "id", t.ID)
						t.err = t.Fn(runCtx)
					}
					close(t.done)
				})

				if t.err != nil {
					errOnce.Do(func() {
						firstErr = t.err
						cancel()
					})
				}

				finish(t, w)
			}
		}()
	}
	wg.Wait()

	return firstErr
}

// stealFrom tries every deque but self, starting just past self so
// repeated steal attempts across workers don't all hammer the same
// victim.
func stealFrom(deques []*Deque[*Task], self int) (*Task, bool) {
	n := len(deques)
	for i := 1; i < n; i++ {
		idx := (self + i) % n
		if t, ok := deques[idx].Steal(); ok {
			return t, true
		}
	}
	return nil, false
}

// runSerial runs every task on the calling goroutine in dependency
// order (a simple Kahn's-algorithm topological pass), used when the
// Scheduler is configured for a single worker.
func (s *Scheduler) runSerial(ctx context.Context, g *Graph) error {
	remaining := make([]*Task, len(g.tasks))
	copy(remaining, g.tasks)
	satisfied := func(t *Task) bool {
		for _, dep := range t.deps {
			if dep.err == nil && !dep.finished() {
				return false
			}
		}
		return true
	}
	for len(remaining) > 0 {
		progressed := false
		for i := 0; i < len(remaining); i++ {
			t := remaining[i]
			if !satisfied(t) {
				continue
			}
			var failedDep *Task
			for _, dep := range t.deps {
				if dep.err != nil {
					failedDep = dep
					break
				}
			}
			if failedDep != nil {
				t.err = fmt.Errorf("scheduler: task %q skipped: dependency %q failed: %w", t.Name, failedDep.Name, failedDep.err)
			} else {
				t.err = t.Fn(ctx)
			}
			close(t.done)
			remaining = append(remaining[:i], remaining[i+1:]...)
			progressed = true
			if t.err != nil && failedDep == nil {
				return t.err
			}
			break
		}
		if !progressed {
			return fmt.Errorf("scheduler: dependency cycle detected among %d remaining tasks", len(remaining))
		}
	}
	return nil
}

func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
