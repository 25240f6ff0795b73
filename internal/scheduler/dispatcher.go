// Package scheduler turns admitted leads into per-channel dispatch attempts
// and drives them through the attempt state machine with a worker pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// Dispatcher hands one attempt to a channel provider. Implementations wrap
// provider errors in the domain error taxonomy so the engine can branch on
// errors.Is.
type Dispatcher interface {
	Send(ctx context.Context, unit domain.ResourceUnit, lead domain.Lead, attempt domain.DispatchAttempt) (domain.DispatchResult, error)
}

// Registry maps channels to their dispatcher implementations.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[domain.Channel]Dispatcher
}

// NewRegistry creates an empty dispatcher registry.
func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[domain.Channel]Dispatcher)}
}

// Register binds a dispatcher to a channel, replacing any previous binding.
func (r *Registry) Register(ch domain.Channel, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[ch] = d
}

// Dispatcher returns the channel's dispatcher.
func (r *Registry) Dispatcher(ch domain.Channel) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[ch]
	if !ok {
		return nil, fmt.Errorf("no dispatcher registered for channel %s", ch)
	}
	return d, nil
}
