// Package systems holds engine services shared by the render loop.
package systems

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
)

// JobTask is a unit of work for the job system. Run executes on a worker
// goroutine, OnComplete and OnFailure on the goroutine calling Update.
type JobTask struct {
	Name       string
	Run        func() (interface{}, error)
	OnComplete func(result interface{})
	OnFailure  func(err error)
}

type jobResult struct {
	task   JobTask
	result interface{}
	err    error
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	finishedMu sync.Mutex
	finished   []jobResult
}

var ErrNoWorkers = errors.New("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = errors.New("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
	}
	js.start()
	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				result, err := job.Run()
				if err != nil {
					core.LogError("job %s failed: %s", job.Name, err)
				}
				js.finishedMu.Lock()
				js.finished = append(js.finished, jobResult{task: job, result: result, err: err})
				js.finishedMu.Unlock()
			}
		}()
	}
}

// Shutdown stops accepting work and waits for queued jobs to finish. Their
// callbacks still run on the next Update.
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()

	js.wg.Wait()
	return nil
}

// Update runs the callbacks of the jobs finished since the last call and
// returns how many there were. Should happen once an update cycle.
func (js *JobSystem) Update() int {
	js.finishedMu.Lock()
	done := js.finished
	js.finished = nil
	js.finishedMu.Unlock()

	for _, r := range done {
		switch {
		case r.err != nil && r.task.OnFailure != nil:
			r.task.OnFailure(r.err)
		case r.err == nil && r.task.OnComplete != nil:
			r.task.OnComplete(r.result)
		}
	}
	return len(done)
}

// Submit queues a job. It blocks while the queue is full.
func (js *JobSystem) Submit(jt JobTask) error {
	if jt.Run == nil {
		return errors.Newf("job %s has nothing to run", jt.Name)
	}
	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return ErrJobSystemClosed
	}
	js.jobQueue <- jt
	return nil
}
