package pipeline

import "sync"

// entry guards one in-flight run. mu orders status reads against
// transitions; running is only touched under the registry mutex.
type entry struct {
	mu      sync.RWMutex
	running bool
	done    chan struct{}
}

// registry holds an entry only while its job has a run in flight. Settled
// jobs are read straight from the store.
type registry struct {
	mu   sync.Mutex
	jobs map[string]*entry
}

func newRegistry() *registry {
	return &registry{jobs: make(map[string]*entry)}
}

// lookup returns the entry for id without creating one.
func (r *registry) lookup(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

// claim marks id as running. It reports false if a run is already in flight.
func (r *registry) claim(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[id]; ok && e.running {
		return e, false
	}
	e := &entry{running: true, done: make(chan struct{})}
	r.jobs[id] = e
	return e, true
}

// release ends the run of id and forgets the entry.
func (r *registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[id]; ok {
		delete(r.jobs, id)
		e.running = false
		close(e.done)
	}
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// inFlight returns a channel closed when the current run of id ends, or nil
// when nothing is running.
func (r *registry) inFlight(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[id]; ok && e.running {
		return e.done
	}
	return nil
}
