// Package remote defines the collaborator that owns the authoritative
// relation state and the error taxonomy for calls made against it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Baseline is the authoritative state of a relation for one entity.
type Baseline struct {
	Count   int      `json:"count"`
	Members []string `json:"members"`
}

// MutateResult is the authoritative count returned after a mutation.
type MutateResult struct {
	Count int `json:"count"`
}

// Service is the remote source of truth for a single relation kind.
type Service interface {
	// FetchBaseline returns the current count and member list for an entity.
	FetchBaseline(ctx context.Context, entityID string) (Baseline, error)

	// Mutate sets the user's membership for an entity and returns the new count.
	Mutate(ctx context.Context, entityID string, active bool, userID string) (MutateResult, error)
}

// Memberships lists the entities one user holds a relation on.
type Memberships struct {
	Entities []string `json:"entities"`
}

// Lister is implemented by services that can enumerate a user's
// memberships, newest first.
type Lister interface {
	ListMemberships(ctx context.Context, userID string) ([]string, error)
}

// Kind classifies a failed remote call.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuthExpired
	KindNotFound
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindAuthExpired:
		return "unauthenticated"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server_error"
	default:
		return "other"
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 for transport failures
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// StatusError builds an Error from an HTTP status code.
func StatusError(status int, err error) *Error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	return &Error{Kind: KindForStatus(status), Status: status, Err: err}
}

// KindForStatus maps an HTTP status code to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500 && status <= 599:
		return KindServer
	default:
		return KindUnknown
	}
}

// KindOf classifies any error returned by a Service. Context deadlines and
// cancellations count as network failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindUnknown
}
