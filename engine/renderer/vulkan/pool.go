package vulkan

import "sync"

type lockGroup string

const (
	// Queue submission, presentation and idle waits share the one queue.
	queueManagement lockGroup = "queue_management"
	// Descriptor updates may race a submit that reads the same set.
	descriptorManagement lockGroup = "descriptor_management"
)

// lockPool hands out one mutex per group of externally synchronized Vulkan
// calls.
type lockPool struct {
	mu    sync.Mutex
	locks map[lockGroup]*sync.Mutex
}

func newLockPool() *lockPool {
	return &lockPool{locks: make(map[lockGroup]*sync.Mutex)}
}

func (p *lockPool) lock(group lockGroup) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.locks[group]; !exists {
		p.locks[group] = &sync.Mutex{}
	}
	return p.locks[group]
}

func (p *lockPool) safeCall(group lockGroup, fn func() error) error {
	l := p.lock(group)
	l.Lock()
	defer l.Unlock()
	return fn()
}
