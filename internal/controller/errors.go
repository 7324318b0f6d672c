package controller

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("controller: closed")

	// ErrNoNodeName is returned by New when the node has no host.
	ErrNoNodeName = errors.New("controller: node name is required")

	// ErrLiveNodeExists is returned by Start when a live marker of an
	// earlier process with our node name did not go away.
	ErrLiveNodeExists = errors.New("controller: live node of a previous session still exists")

	// ErrNotShardLeader is returned by GiveupLeadership and
	// ReplicasMissedUpdate for a core that does not lead its shard.
	ErrNotShardLeader = errors.New("controller: core is not the shard leader")

	// ErrTooFewReplicas is returned by GiveupLeadership when no other
	// replica could take over.
	ErrTooFewReplicas = errors.New("controller: not enough active replicas to hand off leadership")
)

// ErrorCode classifies a CoordinationError.
type ErrorCode int

const (
	ServerError ErrorCode = iota
	ServiceUnavailable
	BadRequest
	NotFound
)

func (c ErrorCode) String() string {
	switch c {
	case ServiceUnavailable:
		return "service_unavailable"
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	default:
		return "server_error"
	}
}

// HTTPStatus maps the code onto an HTTP status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// CoordinationError is a fatal failure of one replica's coordination. It
// carries the cluster-state names so operators can find the replica.
type CoordinationError struct {
	Code       ErrorCode
	Collection string
	Shard      string
	Replica    string
	Message    string
	Err        error
}

func (e *CoordinationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	fmt.Fprintf(&b, " (collection=%s shard=%s replica=%s)", e.Collection, e.Shard, e.Replica)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CoordinationError) Unwrap() error { return e.Err }

func coordinationError(code ErrorCode, desc *CoreDescriptor, msg string, err error) *CoordinationError {
	e := &CoordinationError{Code: code, Message: msg, Err: err}
	if desc != nil && desc.Cloud != nil {
		e.Collection = desc.Cloud.Collection()
		e.Shard = desc.Cloud.Shard()
		e.Replica = desc.Cloud.CoreNodeName()
	}
	return e
}

// NotInClusterStateError reports a core whose replica is not in the
// cluster state, typically because an admin deleted it.
type NotInClusterStateError struct {
	Collection string
	Shard      string
	Replica    string
	Message    string
}

func (e *NotInClusterStateError) Error() string {
	return e.Message
}

// ErrorCodeOf returns the code of a CoordinationError in err's chain, or
// ServerError.
func ErrorCodeOf(err error) ErrorCode {
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerError
}
