// Package blobs hands out short-lived references to in-memory binary objects,
// the server-side counterpart of a browser object URL.
package blobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultReleaseDelay is how long a reference stays valid after it is acquired.
const DefaultReleaseDelay = 10 * time.Second

// Object is a binary payload tagged with its media type and original name.
type Object struct {
	Data   []byte
	Type   string
	Name   string
	Inline bool
}

// Ref identifies an acquired object.
type Ref struct {
	Handle string
	Inline bool
}

// Registry owns the live objects. Every acquired object is released after
// the registry's delay whether or not it was ever opened.
type Registry struct {
	delay time.Duration

	mu      sync.Mutex
	objects map[string]Object
	timers  map[string]*time.Timer
}

// NewRegistry creates a registry; a non-positive delay selects DefaultReleaseDelay.
func NewRegistry(delay time.Duration) *Registry {
	if delay <= 0 {
		delay = DefaultReleaseDelay
	}
	return &Registry{
		delay:   delay,
		objects: make(map[string]Object),
		timers:  make(map[string]*time.Timer),
	}
}

// Acquire stores obj and schedules its release.
func (r *Registry) Acquire(obj Object) Ref {
	handle := uuid.NewString()
	r.mu.Lock()
	r.objects[handle] = obj
	r.timers[handle] = time.AfterFunc(r.delay, func() { r.Release(handle) })
	r.mu.Unlock()
	return Ref{Handle: handle, Inline: obj.Inline}
}

// Open returns the object behind handle while it is still live.
func (r *Registry) Open(handle string) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[handle]
	return obj, ok
}

// Release invalidates handle. Releasing twice is a no-op.
func (r *Registry) Release(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[handle]; ok {
		t.Stop()
		delete(r.timers, handle)
	}
	delete(r.objects, handle)
}

// Len reports how many objects are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Close releases everything immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, t := range r.timers {
		t.Stop()
		delete(r.timers, h)
	}
	r.objects = make(map[string]Object)
}
