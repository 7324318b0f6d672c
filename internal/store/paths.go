package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SequenceDigits is the width of the zero-padded suffix on sequential nodes.
const SequenceDigits = 10

// Join builds a path from segments, collapsing duplicate slashes.
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// Parent returns the parent path ("/" for top-level nodes).
func Parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// Base returns the last path segment.
func Base(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

// SequenceSuffix formats a sequence number the way sequential creates do.
func SequenceSuffix(seq int64) string {
	return fmt.Sprintf("%0*d", SequenceDigits, seq)
}

// ParseSequence extracts the trailing sequence number from a sequential
// node name. Returns -1 if the name has no numeric suffix.
func ParseSequence(name string) int64 {
	if len(name) < SequenceDigits {
		return -1
	}
	n, err := strconv.ParseInt(name[len(name)-SequenceDigits:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ValidatePath rejects relative or trailing-slash paths.
func ValidatePath(path string) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("store: path %q must be absolute", path)
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return fmt.Errorf("store: path %q must not end with /", path)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("store: path %q contains empty segment", path)
	}
	return nil
}

// MakePath creates path and any missing ancestors (as persistent nodes).
// The final node gets data and mode. If failOnExists is false an existing
// final node is not an error.
func MakePath(ctx context.Context, s Store, path string, data []byte, mode CreateMode, failOnExists bool) error {
	if path == "/" {
		return nil
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	for i, seg := range segments {
		current += "/" + seg
		last := i == len(segments)-1
		if !last {
			if _, err := s.Create(ctx, current, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
				return fmt.Errorf("make path %s: %w", current, err)
			}
			continue
		}
		_, err := s.Create(ctx, current, data, mode)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNodeExists) && !failOnExists {
			return nil
		}
		return fmt.Errorf("make path %s: %w", current, err)
	}
	return nil
}

// DeleteRecursive removes a node and all of its descendants. A missing
// node is not an error.
func DeleteRecursive(ctx context.Context, s Store, path string) error {
	children, err := s.Children(ctx, path)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := DeleteRecursive(ctx, s, Join(path, child)); err != nil {
			return err
		}
	}
	if err := s.Delete(ctx, path, AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
		return err
	}
	return nil
}
