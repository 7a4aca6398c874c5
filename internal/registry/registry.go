// Package registry tracks which live connection owns each device identity.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
)

// Handle is the registry's view of a live connection. Implementations must
// be comparable (pointer types) and every method must return promptly.
type Handle interface {
	// Kick tells the connection that storage may hold new notifications.
	Kick()
	// Deliver hands a notification straight to the connection. It reports
	// false when the connection cannot take it.
	Deliver(notification database.Notification) bool
	// Evict tells the connection that a newer one took over its identity.
	Evict()
}

// Registry maps uaid to the single live Handle for it.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
}

func New() *Registry {
	return &Registry{}
}

// Register makes h the live handle for uaid. When another handle held the
// identity it is returned with ok set; each displaced handle is returned to
// exactly one caller.
func (r *Registry) Register(uaid string, h Handle) (evicted Handle, ok bool) {
	previous, loaded := r.sessions.Swap(uaid, h)
	if !loaded {
		r.count.Add(1)
		logger.DebugF("Session %s registered", uaid)
		return nil, false
	}
	logger.DebugF("Session %s registered, replacing previous connection", uaid)
	return previous.(Handle), true
}

func (r *Registry) Lookup(uaid string) (Handle, bool) {
	if value, ok := r.sessions.Load(uaid); ok {
		return value.(Handle), true
	}
	return nil, false
}

// Unregister removes uaid only while it still maps to expected, so a
// closing connection never removes its successor.
func (r *Registry) Unregister(uaid string, expected Handle) bool {
	if !r.sessions.CompareAndDelete(uaid, expected) {
		return false
	}
	r.count.Add(-1)
	logger.DebugF("Session %s unregistered", uaid)
	return true
}

func (r *Registry) Count() int {
	return int(r.count.Load())
}
