package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"searchcoord/internal/metrics"
)

// ReconnectListener is told that the node has a new session and finished
// re-registering its cores.
type ReconnectListener interface {
	OnReconnect(ctx context.Context) error
}

// ReconnectFunc adapts a function to ReconnectListener.
type ReconnectFunc func(ctx context.Context) error

func (f ReconnectFunc) OnReconnect(ctx context.Context) error { return f(ctx) }

// ReconnectListeners is a named set of listeners. Each listener runs on
// its own goroutine; a failing or panicking listener is logged and does
// not affect the others.
type ReconnectListeners struct {
	logger  *slog.Logger
	metrics *metrics.NodeMetrics

	mu        sync.Mutex
	listeners map[string]ReconnectListener
}

// NewReconnectListeners creates an empty set.
func NewReconnectListeners(logger *slog.Logger, m *metrics.NodeMetrics) *ReconnectListeners {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconnectListeners{
		logger:    logger,
		metrics:   m,
		listeners: make(map[string]ReconnectListener),
	}
}

// Add registers l under name, replacing any listener with that name.
func (r *ReconnectListeners) Add(name string, l ReconnectListener) {
	r.mu.Lock()
	r.listeners[name] = l
	r.mu.Unlock()
}

// Remove unregisters name and reports whether it was present.
func (r *ReconnectListeners) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[name]
	delete(r.listeners, name)
	return ok
}

// Names lists the registered listeners.
func (r *ReconnectListeners) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.listeners))
	for n := range r.listeners {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// FireAll runs every listener and waits for them. It returns the number
// of listeners that failed.
func (r *ReconnectListeners) FireAll(ctx context.Context) int {
	r.mu.Lock()
	snapshot := make(map[string]ReconnectListener, len(r.listeners))
	for n, l := range r.listeners {
		snapshot[n] = l
	}
	r.mu.Unlock()

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   int
	)
	for name, l := range snapshot {
		wg.Add(1)
		go func(name string, l ReconnectListener) {
			defer wg.Done()
			if err := r.fire(ctx, l); err != nil {
				r.logger.Warn("reconnect listener failed", "listener", name, "error", err)
				r.metrics.RecordReconnectListenerFailure()
				failedMu.Lock()
				failed++
				failedMu.Unlock()
			}
		}(name, l)
	}
	wg.Wait()
	return failed
}

func (r *ReconnectListeners) fire(ctx context.Context, l ReconnectListener) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return l.OnReconnect(ctx)
}
