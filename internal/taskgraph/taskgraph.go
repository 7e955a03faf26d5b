// Package taskgraph implements the static task graph: a declarative
// builder of tasks and dependencies, and a runner that walks it to
// completion atop an exec.Pool using release/acquire ordering on
// per-task predecessor counts (spec §4.7).
package taskgraph

import (
	"fmt"
	"sync/atomic"

	"github.com/cbegin/chordrt-go/internal/exec"
)

// Completer defers a task's completion until CompleteTask is called,
// for tasks synchronized by something external to the graph (spec
// §4.7).
type Completer struct {
	g   *Graph
	idx int
}

func (c Completer) CompleteTask() {
	c.g.finishTask(c.idx)
}

// SubCompleter is the fan-out analogue of Completer, for one sub-task
// of a fan-out node.
type SubCompleter struct {
	g      *Graph
	idx    int
	subIdx int
}

func (c SubCompleter) CompleteSubTask() {
	c.g.finishSubTask(c.idx, c.subIdx)
}

type taskKind uint8

const (
	kindPlain taskKind = iota
	kindPlainCompleter
	kindFanOut
	kindFanOutCompleter
)

type taskDef struct {
	kind taskKind

	plainFn         func()
	plainCompleterFn func(Completer)

	subCount   func() int
	fanOutFn   func(subIdx int)
	fanOutCompleterFn func(subIdx int, c SubCompleter)

	predecessors []int
	successors   []int

	predecessorCount int32

	remaining         atomic.Int32 // remainingPredecessorCount at run time
	remainingSubTasks atomic.Int32
}

// Graph is a declarative task/dependency builder. Build it once at
// configuration time, call Finalize, then Run it once per processing
// block.
type Graph struct {
	tasks []*taskDef
	roots []int

	pool      *exec.Pool
	remaining atomic.Int32 // remainingLeafTaskCount
	leaf      []bool
	done      chan struct{}
}

func New() *Graph { return &Graph{} }

// AddTask adds a single-task node that runs fn inline and then
// decrements its successors' predecessor counts.
func (g *Graph) AddTask(fn func()) int {
	g.tasks = append(g.tasks, &taskDef{kind: kindPlain, plainFn: fn})
	return len(g.tasks) - 1
}

// AddTaskWithCompleter adds a single-task node whose completion is
// deferred until the Completer passed to fn is invoked.
func (g *Graph) AddTaskWithCompleter(fn func(Completer)) int {
	g.tasks = append(g.tasks, &taskDef{kind: kindPlainCompleter, plainCompleterFn: fn})
	return len(g.tasks) - 1
}

// AddFanOutTask adds a node whose sub-task count is resolved at run
// time via subCount, fanning out subCount() calls to fn(subIdx); the
// node completes only once every sub-task has.
func (g *Graph) AddFanOutTask(subCount func() int, fn func(subIdx int)) int {
	g.tasks = append(g.tasks, &taskDef{kind: kindFanOut, subCount: subCount, fanOutFn: fn})
	return len(g.tasks) - 1
}

// AddFanOutTaskWithCompleter is the fan-out analogue of
// AddTaskWithCompleter: each sub-task completes via its own
// SubCompleter.
func (g *Graph) AddFanOutTaskWithCompleter(subCount func() int, fn func(subIdx int, c SubCompleter)) int {
	g.tasks = append(g.tasks, &taskDef{kind: kindFanOutCompleter, subCount: subCount, fanOutCompleterFn: fn})
	return len(g.tasks) - 1
}

func (g *Graph) AddDependency(pred, succ int) {
	g.tasks[pred].successors = append(g.tasks[pred].successors, succ)
	g.tasks[succ].predecessors = append(g.tasks[succ].predecessors, pred)
}

// Finalize computes the root list and leaf flags. It asserts at least
// one root exists — the graph's only cycle-detection heuristic (spec
// §4.7: producers are trusted to construct DAGs; a full check is not
// required).
func (g *Graph) Finalize() error {
	g.roots = g.roots[:0]
	g.leaf = make([]bool, len(g.tasks))
	for i, t := range g.tasks {
		t.predecessorCount = int32(len(t.predecessors))
		if t.predecessorCount == 0 {
			g.roots = append(g.roots, i)
		}
		g.leaf[i] = len(t.successors) == 0
	}
	if len(g.tasks) > 0 && len(g.roots) == 0 {
		return fmt.Errorf("taskgraph: no root tasks found (graph is not a DAG)")
	}
	return nil
}

// Run executes the graph on pool and blocks until every task has
// completed.
func (g *Graph) Run(pool *exec.Pool) {
	if len(g.tasks) == 0 {
		return
	}
	g.pool = pool
	g.done = make(chan struct{})

	var leafCount int32
	for i, t := range g.tasks {
		t.remaining.Store(t.predecessorCount)
		if g.leaf[i] {
			leafCount++
		}
	}
	g.remaining.Store(leafCount)

	for _, r := range g.roots {
		g.enqueueTask(r)
	}
	<-g.done
}

func (g *Graph) enqueueTask(idx int) {
	g.pool.EnqueueTask(&exec.Task{Execute: func() { g.runTask(idx) }})
}

func (g *Graph) runTask(idx int) {
	t := g.tasks[idx]
	t.remaining.Load() // acquire: publish predecessors' writes

	switch t.kind {
	case kindFanOut, kindFanOutCompleter:
		n := t.subCount()
		if n <= 0 {
			g.finishTask(idx)
			return
		}
		t.remainingSubTasks.Store(int32(n))
		for s := 0; s < n; s++ {
			s := s
			g.pool.EnqueueTask(&exec.Task{Execute: func() { g.runSubTask(idx, s) }})
		}
	case kindPlain:
		t.plainFn()
		g.finishTask(idx)
	case kindPlainCompleter:
		t.plainCompleterFn(Completer{g: g, idx: idx})
	default:
		panic("taskgraph: unhandled task kind")
	}
}

func (g *Graph) runSubTask(idx, sub int) {
	t := g.tasks[idx]
	switch t.kind {
	case kindFanOut:
		t.fanOutFn(sub)
		g.finishSubTask(idx, sub)
	case kindFanOutCompleter:
		t.fanOutCompleterFn(sub, SubCompleter{g: g, idx: idx, subIdx: sub})
	default:
		panic("taskgraph: runSubTask on a non-fan-out task")
	}
}

func (g *Graph) finishSubTask(idx, _ int) {
	t := g.tasks[idx]
	if t.remainingSubTasks.Add(-1) == 0 {
		t.remaining.Load() // acquire: republish sub-task writes
		g.decrementSuccessorPredecessorCounts(idx)
	}
}

func (g *Graph) finishTask(idx int) {
	g.decrementSuccessorPredecessorCounts(idx)
}

// decrementSuccessorPredecessorCounts releases this task's writes to
// every successor; a successor whose count transitions 1→0 is
// enqueued. A task with no successors instead decrements the global
// leaf counter, signaling completion when it reaches zero (spec §4.7).
func (g *Graph) decrementSuccessorPredecessorCounts(idx int) {
	t := g.tasks[idx]
	if len(t.successors) == 0 {
		if g.remaining.Add(-1) == 0 {
			close(g.done)
		}
		return
	}
	for _, succ := range t.successors {
		st := g.tasks[succ]
		if st.remaining.Add(-1) == 0 { // release
			g.enqueueTask(succ)
		}
	}
}
