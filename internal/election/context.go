package election

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"searchcoord/internal/store"
)

// baseContext carries the bookkeeping every election context shares: the
// joined node, the closed flag and the leader record.
type baseContext struct {
	store        store.Store
	electionPath string
	leaderPath   string
	id           string
	kind         string

	mu         sync.Mutex
	joinedNode string
	closed     bool
}

func newBaseContext(s store.Store, kind, electionPath, leaderPath, id string) *baseContext {
	return &baseContext{
		store:        s,
		electionPath: electionPath,
		leaderPath:   leaderPath,
		id:           id,
		kind:         kind,
	}
}

func (b *baseContext) ElectionPath() string { return b.electionPath }
func (b *baseContext) ID() string           { return b.id }
func (b *baseContext) Kind() string         { return b.kind }

func (b *baseContext) CheckIfIAmLeaderFired() {}

// LeaderPath is where the leader record is written.
func (b *baseContext) LeaderPath() string { return b.leaderPath }

func (b *baseContext) JoinedElectionNode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joinedNode
}

func (b *baseContext) SetJoinedElectionNode(name string) {
	b.mu.Lock()
	b.joinedNode = name
	b.mu.Unlock()
}

func (b *baseContext) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *baseContext) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// cancelNode deletes the joined election node and, if we own it, the
// leader record. Missing nodes are fine.
func (b *baseContext) cancelNode(ctx context.Context) error {
	b.mu.Lock()
	joined := b.joinedNode
	b.joinedNode = ""
	b.mu.Unlock()

	if joined != "" {
		err := b.store.Delete(ctx, store.Join(b.electionPath, joined), store.AnyVersion)
		if err != nil && !errors.Is(err, store.ErrNoNode) && !store.IsSessionExpired(err) {
			return fmt.Errorf("cancel election node %s: %w", joined, err)
		}
	}
	return b.deleteOwnLeaderRecord(ctx)
}

func (b *baseContext) deleteOwnLeaderRecord(ctx context.Context) error {
	if b.leaderPath == "" {
		return nil
	}
	_, stat, err := b.store.Get(ctx, b.leaderPath)
	if errors.Is(err, store.ErrNoNode) || store.IsSessionExpired(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read leader record %s: %w", b.leaderPath, err)
	}
	if stat.EphemeralOwner != b.store.SessionID() {
		return nil
	}
	err = b.store.Delete(ctx, b.leaderPath, stat.Version)
	if err != nil && !errors.Is(err, store.ErrNoNode) && !errors.Is(err, store.ErrBadVersion) {
		return fmt.Errorf("delete leader record %s: %w", b.leaderPath, err)
	}
	return nil
}

// writeLeaderRecord publishes data at the leader path as an ephemeral of
// our session. A record left by an earlier leader is replaced: only the
// first in line gets here, so whoever wrote it has left the election.
func (b *baseContext) writeLeaderRecord(ctx context.Context, data []byte) error {
	if err := store.MakePath(ctx, b.store, store.Parent(b.leaderPath), nil, store.Persistent, false); err != nil {
		return err
	}
	for attempt := 0; attempt < store.DefaultRetryAttempts; attempt++ {
		_, err := b.store.Create(ctx, b.leaderPath, data, store.Ephemeral)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNodeExists) && !store.IsTransient(err) {
			return fmt.Errorf("write leader record %s: %w", b.leaderPath, err)
		}
		if errors.Is(err, store.ErrNodeExists) {
			_, stat, gerr := b.store.Get(ctx, b.leaderPath)
			if gerr == nil {
				derr := b.store.Delete(ctx, b.leaderPath, stat.Version)
				if derr != nil && !errors.Is(derr, store.ErrNoNode) && !errors.Is(derr, store.ErrBadVersion) {
					return fmt.Errorf("replace leader record %s: %w", b.leaderPath, derr)
				}
			}
		}
	}
	return fmt.Errorf("write leader record %s: %w", b.leaderPath, store.ErrRetriesExhausted)
}
