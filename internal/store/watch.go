package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// =============================================================================
// WATCH LOOP
// =============================================================================
//
// Store watches are one-shot. Keeping a view current means reinstalling the
// watch after every event. WatchLoop does that as a flat loop:
//
//   for {
//       ch := install()      // watch first, so no change slips between
//       handle()             // read current state
//       wait(ch)             // event, lost watch, or ctx cancelled
//   }
//
// handle returning ErrStopWatch ends the loop without error.
//
// =============================================================================

// ErrStopWatch is returned by a handler to stop its watch loop.
var ErrStopWatch = errors.New("store: stop watch")

// WatchLoop repeatedly installs a watch and runs a handler.
type WatchLoop struct {
	// Name appears in log lines.
	Name string

	// Install sets the one-shot watch.
	Install func(ctx context.Context) (<-chan Event, error)

	// Handle is called after each install, before waiting.
	Handle func(ctx context.Context) error

	// RetryDelay is the pause after an install or handler failure.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Run blocks until ctx is cancelled or the handler asks to stop.
func (w *WatchLoop) Run(ctx context.Context) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := w.RetryDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}

	for ctx.Err() == nil {
		if !w.iterate(ctx, logger, delay) {
			return
		}
	}
}

// iterate runs one install/handle/wait round. The watch is scoped to the
// round so an unfired watch is released before the next install.
func (w *WatchLoop) iterate(ctx context.Context, logger *slog.Logger, delay time.Duration) bool {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := w.Install(roundCtx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		logger.Debug("watch install failed", "watch", w.Name, "error", err)
		return sleepCtx(ctx, delay)
	}

	if err := w.Handle(ctx); err != nil {
		if errors.Is(err, ErrStopWatch) || ctx.Err() != nil {
			return false
		}
		logger.Warn("watch handler failed", "watch", w.Name, "error", err)
	}

	select {
	case <-ctx.Done():
		return false
	case _, ok := <-ch:
		if !ok {
			// Watch lost without an event; back off before reinstalling.
			return sleepCtx(ctx, delay)
		}
	}
	return true
}

// FirstEvent merges one-shot watches: the returned channel delivers the
// first event from any input and is then closed. An input closing without
// an event closes the result empty, which callers treat as a lost watch.
func FirstEvent(ctx context.Context, chs ...<-chan Event) <-chan Event {
	out := make(chan Event, 1)
	fired := make(chan Event, len(chs))
	lost := make(chan struct{}, len(chs))
	for _, ch := range chs {
		go func(ch <-chan Event) {
			select {
			case ev, ok := <-ch:
				if ok {
					fired <- ev
				} else {
					lost <- struct{}{}
				}
			case <-ctx.Done():
			}
		}(ch)
	}
	go func() {
		defer close(out)
		select {
		case ev := <-fired:
			out <- ev
		case <-lost:
		case <-ctx.Done():
		}
	}()
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
