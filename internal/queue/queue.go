// =============================================================================
// DISTRIBUTED QUEUE - FIFO OVER SEQUENTIAL STORE NODES
// =============================================================================
//
// WHAT: A durable multi-producer / multi-consumer FIFO built only from
// coordination-store primitives. Each item is a persistent-sequential child
// of the queue directory:
//
//   /overseer/queue
//     ├── qn-0000000041   {"operation":"state", ...}
//     ├── qn-0000000042   {"operation":"leader", ...}
//     └── qn-0000000043   {"operation":"downnode", ...}
//
// The store assigns the sequence suffix atomically, so ordering is
// FIFO-by-enqueue-time across all producers.
//
// CONSUMPTION MODES:
//
//   Poll()                       PeekElements() + Remove(ids)
//   ┌──────────────┐             ┌──────────────────────────────┐
//   │ get head     │             │ read a batch, do the work,   │
//   │ delete head  │             │ then delete by observed IDs  │
//   │ lost race?   │             │                              │
//   │  → next head │             │ crash before Remove → replay │
//   └──────────────┘             └──────────────────────────────┘
//   exactly one winner           at-least-once, never zero
//
// The second mode is what the state updater uses: the state write happens
// before the items disappear, so a crash can only cause a replay.
//
// COMPARISON:
//   - Kafka partitions: offset log + consumer offset commit. Here the
//     "commit" is deleting the child node.
//   - ZooKeeper recipes: same qn- naming scheme, same race handling in
//     poll (NoNode on delete means another consumer won).
//
// The queue transports opaque bytes. Classifying a malformed item is the
// consumer's job; the queue never parses.
//
// =============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"searchcoord/internal/store"
)

// ItemPrefix is the name prefix of every queue child.
const ItemPrefix = "qn-"

// ErrEmpty is returned when the queue has no items.
var ErrEmpty = errors.New("queue: empty")

// Item is one queued element with the ID it was observed under.
type Item struct {
	ID   string
	Data []byte
}

// Stats are cumulative counters for one queue handle.
type Stats struct {
	Offers   int64 `json:"offers"`
	Polls    int64 `json:"polls"`
	Removes  int64 `json:"removes"`
	Vanished int64 `json:"vanished"`
}

// DistributedQueue is a handle on one queue directory.
type DistributedQueue struct {
	store  store.Store
	dir    string
	logger *slog.Logger

	retryAttempts int
	retryPause    time.Duration

	offers   atomic.Int64
	polls    atomic.Int64
	removes  atomic.Int64
	vanished atomic.Int64
}

// New creates a queue handle on dir. The directory is created lazily.
func New(s store.Store, dir string, logger *slog.Logger) *DistributedQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DistributedQueue{
		store:         s,
		dir:           dir,
		logger:        logger.With("component", "queue", "queue", dir),
		retryAttempts: store.DefaultRetryAttempts,
		retryPause:    100 * time.Millisecond,
	}
}

// Dir returns the queue directory path.
func (q *DistributedQueue) Dir() string { return q.dir }

// Offer appends data at the tail and returns the item ID.
func (q *DistributedQueue) Offer(ctx context.Context, data []byte) (string, error) {
	prefix := store.Join(q.dir, ItemPrefix)
	created, err := store.RetryOnConnLoss(ctx, q.retryAttempts, q.retryPause, func(ctx context.Context) (string, error) {
		p, err := q.store.Create(ctx, prefix, data, store.PersistentSequential)
		if errors.Is(err, store.ErrNoNode) {
			if err := store.MakePath(ctx, q.store, q.dir, nil, store.Persistent, false); err != nil {
				return "", err
			}
			return q.store.Create(ctx, prefix, data, store.PersistentSequential)
		}
		return p, err
	})
	if err != nil {
		return "", fmt.Errorf("offer to %s: %w", q.dir, err)
	}
	q.offers.Add(1)
	return store.Base(created), nil
}

// orderedIDs lists the queue children in sequence order. A missing
// directory is an empty queue.
func (q *DistributedQueue) orderedIDs(ctx context.Context) ([]string, error) {
	children, err := store.RetryOnConnLoss(ctx, q.retryAttempts, q.retryPause, func(ctx context.Context) ([]string, error) {
		return q.store.Children(ctx, q.dir)
	})
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.dir, err)
	}

	ids := children[:0]
	for _, c := range children {
		if strings.HasPrefix(c, ItemPrefix) && store.ParseSequence(c) >= 0 {
			ids = append(ids, c)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		sa, sb := store.ParseSequence(a), store.ParseSequence(b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
	return ids, nil
}

func (q *DistributedQueue) read(ctx context.Context, id string) ([]byte, bool, error) {
	data, _, err := q.store.Get(ctx, store.Join(q.dir, id))
	if errors.Is(err, store.ErrNoNode) {
		// Consumed by someone else between listing and reading.
		q.vanished.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Peek returns the head item without removing it, or ErrEmpty.
func (q *DistributedQueue) Peek(ctx context.Context) ([]byte, error) {
	item, err := q.peekItem(ctx)
	if err != nil {
		return nil, err
	}
	return item.Data, nil
}

func (q *DistributedQueue) peekItem(ctx context.Context) (Item, error) {
	ids, err := q.orderedIDs(ctx)
	if err != nil {
		return Item{}, err
	}
	for _, id := range ids {
		data, ok, err := q.read(ctx, id)
		if err != nil {
			return Item{}, err
		}
		if ok {
			return Item{ID: id, Data: data}, nil
		}
	}
	return Item{}, ErrEmpty
}

// PeekBlocking waits up to wait for a head item. A non-positive wait
// blocks until ctx is done.
func (q *DistributedQueue) PeekBlocking(ctx context.Context, wait time.Duration) ([]byte, error) {
	items, err := q.PeekElements(ctx, 1, wait, nil)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmpty
	}
	return items[0].Data, nil
}

// PeekElements returns up to max head items in order, skipping IDs that
// accept rejects. When nothing is available it waits up to wait for new
// children before returning an empty result. wait == 0 returns at once;
// wait < 0 waits until ctx is done.
func (q *DistributedQueue) PeekElements(ctx context.Context, max int, wait time.Duration, accept func(id string) bool) ([]Item, error) {
	if max <= 0 {
		max = 1
	}
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		items, done, err := q.peekRound(ctx, max, wait, deadline, accept)
		if err != nil || done {
			return items, err
		}
	}
}

// peekRound is one watch-list-wait cycle. The children watch lives only
// for the round; done is false when a new child may have arrived.
func (q *DistributedQueue) peekRound(ctx context.Context, max int, wait time.Duration, deadline <-chan time.Time, accept func(string) bool) ([]Item, bool, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Arm the watch before listing so an offer between the two is
	// not missed.
	var watch <-chan store.Event
	if wait != 0 {
		ch, err := q.store.WatchChildren(wctx, q.dir)
		switch {
		case errors.Is(err, store.ErrNoNode):
			if err := store.MakePath(ctx, q.store, q.dir, nil, store.Persistent, false); err != nil && !errors.Is(err, store.ErrNodeExists) {
				return nil, true, err
			}
			return nil, false, nil
		case err != nil && !store.IsTransient(err):
			return nil, true, err
		case err == nil:
			watch = ch
		}
	}

	items, err := q.collect(ctx, max, accept)
	if err != nil {
		return nil, true, err
	}
	if len(items) > 0 || wait == 0 {
		return items, true, nil
	}

	if watch == nil {
		// Transient failure installing the watch; poll again shortly.
		t := time.NewTimer(q.retryPause)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, true, ctx.Err()
		case <-deadline:
			return nil, true, nil
		case <-t.C:
			return nil, false, nil
		}
	}

	select {
	case <-ctx.Done():
		return nil, true, ctx.Err()
	case <-deadline:
		return nil, true, nil
	case <-watch:
		return nil, false, nil
	}
}

func (q *DistributedQueue) collect(ctx context.Context, max int, accept func(string) bool) ([]Item, error) {
	ids, err := q.orderedIDs(ctx)
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, id := range ids {
		if len(items) >= max {
			break
		}
		if accept != nil && !accept(id) {
			continue
		}
		data, ok, err := q.read(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, Item{ID: id, Data: data})
		}
	}
	return items, nil
}

// Poll removes and returns the head item. When two consumers race on the
// same head exactly one delete succeeds; the loser moves on to the next.
func (q *DistributedQueue) Poll(ctx context.Context) ([]byte, error) {
	ids, err := q.orderedIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		data, ok, err := q.read(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		err = q.store.Delete(ctx, store.Join(q.dir, id), store.AnyVersion)
		if errors.Is(err, store.ErrNoNode) {
			q.vanished.Add(1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll %s/%s: %w", q.dir, id, err)
		}
		q.polls.Add(1)
		return data, nil
	}
	return nil, ErrEmpty
}

// Remove deletes items by the IDs they were observed under. IDs that are
// already gone are ignored.
func (q *DistributedQueue) Remove(ctx context.Context, ids []string) error {
	for _, id := range ids {
		p := store.Join(q.dir, id)
		_, err := store.RetryOnConnLoss(ctx, q.retryAttempts, q.retryPause, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, q.store.Delete(ctx, p, store.AnyVersion)
		})
		if errors.Is(err, store.ErrNoNode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		q.removes.Add(1)
	}
	return nil
}

// Size returns the current number of items.
func (q *DistributedQueue) Size(ctx context.Context) (int, error) {
	ids, err := q.orderedIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Stats returns a snapshot of the handle's counters.
func (q *DistributedQueue) Stats() Stats {
	return Stats{
		Offers:   q.offers.Load(),
		Polls:    q.polls.Load(),
		Removes:  q.removes.Load(),
		Vanished: q.vanished.Load(),
	}
}
