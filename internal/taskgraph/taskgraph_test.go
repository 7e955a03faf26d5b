package taskgraph

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbegin/chordrt-go/internal/exec"
)

func runWithTimeout(t *testing.T, g *Graph, pool *exec.Pool) {
	t.Helper()
	done := make(chan struct{})
	go func() { g.Run(pool); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("graph run timed out")
	}
}

func TestLinearChainRunsInOrder(t *testing.T) {
	pool := exec.NewPool(4, exec.Hooks{})
	defer pool.Close()

	g := New()
	var mu sync.Mutex
	var order []int
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}
	a := g.AddTask(record(0))
	b := g.AddTask(record(1))
	c := g.AddTask(record(2))
	g.AddDependency(a, b)
	g.AddDependency(b, c)
	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	runWithTimeout(t, g, pool)

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("got %v, want [0 1 2]", order)
	}
}

func TestFanOutWaitsForAllSubTasks(t *testing.T) {
	pool := exec.NewPool(4, exec.Hooks{})
	defer pool.Close()

	g := New()
	var subRuns atomic.Int32
	fanOut := g.AddFanOutTask(func() int { return 8 }, func(int) { subRuns.Add(1) })
	var afterRan atomic.Bool
	after := g.AddTask(func() {
		if subRuns.Load() != 8 {
			t.Errorf("successor ran before all sub-tasks completed: %d/8", subRuns.Load())
		}
		afterRan.Store(true)
	})
	g.AddDependency(fanOut, after)
	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	runWithTimeout(t, g, pool)
	if !afterRan.Load() {
		t.Fatal("successor never ran")
	}
}

func TestDiamondJoinsOnce(t *testing.T) {
	pool := exec.NewPool(4, exec.Hooks{})
	defer pool.Close()

	g := New()
	var joinRuns atomic.Int32
	root := g.AddTask(func() {})
	left := g.AddTask(func() {})
	right := g.AddTask(func() {})
	join := g.AddTask(func() { joinRuns.Add(1) })
	g.AddDependency(root, left)
	g.AddDependency(root, right)
	g.AddDependency(left, join)
	g.AddDependency(right, join)
	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	runWithTimeout(t, g, pool)
	if joinRuns.Load() != 1 {
		t.Fatalf("join ran %d times, want 1", joinRuns.Load())
	}
}

func TestDeferredCompleterDelaysCompletion(t *testing.T) {
	pool := exec.NewPool(2, exec.Hooks{})
	defer pool.Close()

	g := New()
	var completerCalled atomic.Bool
	deferred := g.AddTaskWithCompleter(func(c Completer) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			completerCalled.Store(true)
			c.CompleteTask()
		}()
	})
	var afterRan atomic.Bool
	after := g.AddTask(func() {
		if !completerCalled.Load() {
			t.Error("successor ran before completer was called")
		}
		afterRan.Store(true)
	})
	g.AddDependency(deferred, after)
	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	runWithTimeout(t, g, pool)
	if !afterRan.Load() {
		t.Fatal("successor never ran")
	}
}

func TestFinalizeRejectsGraphWithNoRoots(t *testing.T) {
	g := New()
	a := g.AddTask(func() {})
	b := g.AddTask(func() {})
	g.AddDependency(a, b)
	g.AddDependency(b, a)
	if err := g.Finalize(); err == nil {
		t.Fatal("expected error for a graph with no root tasks")
	}
}
