package soft

import (
	"fmt"
	"sort"
	"sync"
)

// Kind names the object type behind a handle.
type Kind string

const (
	KindBuffer                Kind = "buffer"
	KindImage                 Kind = "image"
	KindCommandPool           Kind = "command-pool"
	KindCommandBuffer         Kind = "command-buffer"
	KindFence                 Kind = "fence"
	KindSemaphore             Kind = "semaphore"
	KindAccelerationStructure Kind = "acceleration-structure"
	KindPipeline              Kind = "pipeline"
	KindBindings              Kind = "bindings"
	KindSwapchain             Kind = "swapchain"
)

// Ledger records the creation and destruction of every handle.
type Ledger struct {
	mu        sync.Mutex
	kinds     map[uint64]Kind
	destroyed map[uint64]int
}

func newLedger() *Ledger {
	return &Ledger{
		kinds:     make(map[uint64]Kind),
		destroyed: make(map[uint64]int),
	}
}

func (l *Ledger) created(h uint64, k Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds[h] = k
}

// destroy records a destruction and reports whether it was the first one.
func (l *Ledger) destroy(h uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed[h]++
	return l.destroyed[h] == 1
}

// Kind returns the kind of h, or "" for unknown handles.
func (l *Ledger) Kind(h uint64) Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kinds[h]
}

// DestroyCount returns how many times h was destroyed.
func (l *Ledger) DestroyCount(h uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed[h]
}

// Live returns the handles of kind k (all kinds when k is empty) that were
// created and not destroyed, sorted.
func (l *Ledger) Live(k Kind) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint64
	for h, kind := range l.kinds {
		if (k == "" || kind == k) && l.destroyed[h] == 0 {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Created returns every handle of kind k ever created, sorted.
func (l *Ledger) Created(k Kind) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint64
	for h, kind := range l.kinds {
		if k == "" || kind == k {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Overdestroyed lists handles destroyed more than once.
func (l *Ledger) Overdestroyed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for h, n := range l.destroyed {
		if n > 1 {
			out = append(out, fmt.Sprintf("%s %d destroyed %d times", l.kinds[h], h, n))
		}
	}
	sort.Strings(out)
	return out
}

// Op is an instrumented device call.
type Op string

const (
	OpSubmit        Op = "submit"
	OpWaitFence     Op = "wait-fence"
	OpResetFence    Op = "reset-fence"
	OpBegin         Op = "begin"
	OpReset         Op = "reset-command-buffer"
	OpAcquire       Op = "acquire"
	OpPresent       Op = "present"
	OpQueueWaitIdle Op = "queue-wait-idle"
	OpBuildSizes    Op = "build-sizes"
	OpCreateAS      Op = "create-acceleration-structure"
	OpBuildAS       Op = "build-acceleration-structure"
	OpTraceRays     Op = "trace-rays"
	OpCreateBuffer  Op = "create-buffer"
	OpDestroyBuffer Op = "destroy-buffer"
	OpCreateSwap    Op = "create-swapchain"
	OpDestroySwap   Op = "destroy-swapchain"
	OpFreeCommands  Op = "free-command-buffer"
)

// Event is one entry of the call log. Handle is the primary object of the
// call; Fence is the fence guarding a submission. Result is set for calls
// that report one.
type Event struct {
	Seq    int
	Op     Op
	Handle uint64
	Fence  uint64
	Result string
	Label  string
}

func (e Event) String() string {
	s := fmt.Sprintf("#%d %s %d", e.Seq, e.Op, e.Handle)
	if e.Fence != 0 {
		s += fmt.Sprintf(" fence=%d", e.Fence)
	}
	if e.Result != "" {
		s += " " + e.Result
	}
	if e.Label != "" {
		s += " (" + e.Label + ")"
	}
	return s
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = len(l.events)
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}
