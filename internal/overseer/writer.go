package overseer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"searchcoord/internal/cluster"
	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

// =============================================================================
// STATE WRITER
// =============================================================================
//
// Applies a batch of messages to the store, one collection document at a
// time, with compare-and-set:
//
//   messages ──► route by collection ──► per collection:
//                                          read state.json (version v)
//                                          run every mutator of the batch
//                                          write with expected version v
//                                          conflict? re-read, run again
//                                          run effects (PRS, props)
//
// A "delete" ends a run for its collection: the messages before it are
// validated but their document is thrown away with the collection.
//
// Apply returns an outcome per message (nil or a PoisonMessageError) and
// a separate error for store failures. After a store failure nothing is
// known about which messages landed; the caller retries the whole batch,
// which is safe because mutators are idempotent.
//
// =============================================================================

var errCorruptState = errors.New("overseer: unreadable state.json")

// StateWriter applies messages to collection documents.
type StateWriter struct {
	store    store.Store
	logger   *slog.Logger
	metrics  *metrics.OverseerMetrics
	attempts int
}

// NewStateWriter creates a writer on s.
func NewStateWriter(s store.Store, logger *slog.Logger, reg *metrics.Registry) *StateWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateWriter{
		store:    s,
		logger:   logger.With("component", "state_writer"),
		metrics:  reg.OverseerMetrics(),
		attempts: store.DefaultRetryAttempts,
	}
}

// Apply applies msgs in order and returns one outcome per message.
func (w *StateWriter) Apply(ctx context.Context, msgs []Message) ([]error, error) {
	outcomes := make([]error, len(msgs))
	routes := make(map[string][]int)
	var allCollections []string
	listed := false

	for i, msg := range msgs {
		op := msg.Operation()
		switch op {
		case OpQuit:
			// Consumed by the updater loop; nothing to write.
		case OpSetClusterProp:
			name := msg[PropName]
			if name == "" {
				outcomes[i] = poison(op, "missing name", nil)
				continue
			}
			if err := cluster.SetClusterProp(ctx, w.store, name, msg[PropValue]); err != nil {
				return outcomes, err
			}
		case OpDownNode:
			if msg[PropNodeName] == "" {
				outcomes[i] = poison(op, "missing node_name", nil)
				continue
			}
			stale, err := w.downNodeIsStale(ctx, msg)
			if err != nil {
				return outcomes, err
			}
			if stale {
				w.logger.Info("node is live, ignoring stale downnode",
					"node", msg[PropNodeName], "session", msg[PropSession])
				continue
			}
			if !listed {
				if allCollections, err = w.listCollections(ctx); err != nil {
					return outcomes, err
				}
				listed = true
			}
			for _, c := range allCollections {
				routes[c] = append(routes[c], i)
			}
		default:
			if _, ok := collectionMutators[op]; !ok {
				outcomes[i] = poison(op, "unknown operation", nil)
				continue
			}
			c := msg.Collection()
			if c == "" {
				outcomes[i] = poison(op, "missing collection", nil)
				continue
			}
			routes[c] = append(routes[c], i)
		}
	}

	names := make([]string, 0, len(routes))
	for c := range routes {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		if err := w.applyCollection(ctx, c, msgs, routes[c], outcomes); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// applyCollection runs the messages routed to one collection, split into
// runs that end at each delete.
func (w *StateWriter) applyCollection(ctx context.Context, collection string, msgs []Message, idx []int, outcomes []error) error {
	start := 0
	for i, n := range idx {
		last := i == len(idx)-1
		if msgs[n].Operation() != OpDelete && !last {
			continue
		}
		run := idx[start : i+1]
		start = i + 1

		var err error
		if msgs[n].Operation() == OpDelete {
			err = w.applyDelete(ctx, collection, msgs, run, outcomes)
		} else {
			err = w.applyWrite(ctx, collection, msgs, run, outcomes)
		}
		if errors.Is(err, errCorruptState) {
			w.logger.Error("state.json is unreadable, dropping its messages", "collection", collection, "error", err)
			for _, k := range run {
				merge(outcomes, k, poison(msgs[k].Operation(), "unreadable state.json of "+collection, err))
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *StateWriter) applyWrite(ctx context.Context, collection string, msgs []Message, run []int, outcomes []error) error {
	for _, k := range run {
		if msgs[k].Operation() == OpCreate {
			if err := store.MakePath(ctx, w.store, cluster.CollectionPath(collection), nil, store.Persistent, false); err != nil {
				return err
			}
			break
		}
	}

	var (
		final    *mutation
		results  map[int]error
		attempts int
	)
	_, err := store.UpdateWithRetry(ctx, w.store, cluster.StatePath(collection), w.attempts,
		func(current []byte, stat store.Stat, exists bool) ([]byte, error) {
			attempts++
			var doc *cluster.Collection
			if exists {
				var err error
				if doc, err = cluster.UnmarshalCollection(collection, current, stat.Version); err != nil {
					return nil, fmt.Errorf("%w: %v", errCorruptState, err)
				}
			}
			final, results = w.run(collection, doc, msgs, run)
			if !final.changed || final.doc == nil {
				return nil, store.ErrNoChange
			}
			final.doc.Version++
			return cluster.MarshalCollection(final.doc)
		})
	if err != nil {
		return err
	}

	for k, e := range results {
		merge(outcomes, k, e)
	}
	if final.changed && final.doc != nil {
		w.metrics.RecordStateWrite(attempts - 1)
		w.logger.Debug("wrote state", "collection", collection, "version", final.doc.Version, "conflicts", attempts-1)
	}
	for _, e := range final.effects {
		if err := e(ctx, w.store); err != nil {
			return err
		}
	}
	return nil
}

func (w *StateWriter) applyDelete(ctx context.Context, collection string, msgs []Message, run []int, outcomes []error) error {
	data, stat, err := w.store.Get(ctx, cluster.StatePath(collection))
	var doc *cluster.Collection
	switch {
	case errors.Is(err, store.ErrNoNode):
	case err != nil:
		return err
	default:
		if doc, err = cluster.UnmarshalCollection(collection, data, stat.Version); err != nil {
			// The collection is going away; a broken document is no obstacle.
			doc = cluster.NewCollection(collection)
		}
	}

	final, results := w.run(collection, doc, msgs, run)
	for k, e := range results {
		merge(outcomes, k, e)
	}
	if !final.deleted {
		return nil
	}
	if err := store.DeleteRecursive(ctx, w.store, cluster.CollectionPath(collection)); err != nil {
		return fmt.Errorf("delete collection %s: %w", collection, err)
	}
	w.metrics.RecordStateWrite(0)
	w.logger.Info("deleted collection", "collection", collection)
	return nil
}

// run applies the mutators of run to doc and returns the result with the
// per-message outcomes.
func (w *StateWriter) run(collection string, doc *cluster.Collection, msgs []Message, run []int) (*mutation, map[int]error) {
	m := &mutation{collection: collection, doc: doc, logger: w.logger}
	results := make(map[int]error)
	for _, k := range run {
		msg := msgs[k]
		if err := collectionMutators[msg.Operation()](m, msg); err != nil {
			if !IsPoison(err) {
				err = poison(msg.Operation(), "mutator failed", err)
			}
			results[k] = err
		}
	}
	return m, results
}

// merge keeps the first failure of a message that touched several
// collections.
func merge(outcomes []error, k int, err error) {
	if err != nil && outcomes[k] == nil {
		outcomes[k] = err
	}
}

// downNodeIsStale decides whether a downnode message refers to an earlier
// incarnation of a node that is live again. With no session the node
// must not be live; with a session the live marker must belong to that
// session or be absent.
func (w *StateWriter) downNodeIsStale(ctx context.Context, msg Message) (bool, error) {
	data, _, err := w.store.Get(ctx, cluster.LiveNodePath(msg[PropNodeName]))
	if errors.Is(err, store.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	session := msg[PropSession]
	if session == "" {
		return true, nil
	}
	return string(data) != session, nil
}

func (w *StateWriter) listCollections(ctx context.Context) ([]string, error) {
	names, err := w.store.Children(ctx, cluster.CollectionsPath)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
