package scraper

import (
	"context"
	"errors"
)

var (
	ErrNetworkTimeout      = errors.New("network timeout")
	ErrNetworkBlocked      = errors.New("blocked by anti-bot or non-2xx response")
	ErrNetworkError        = errors.New("network error")
	ErrMalformedMarkup     = errors.New("expected markup structure absent")
	ErrAmbiguousExtraction = errors.New("extraction confidence below threshold")
	ErrCollaboratorFailure = errors.New("collaborator failure")
	ErrPersistenceFailure  = errors.New("persistence failure")
	ErrCancelled           = errors.New("job cancelled before start")
)

type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindNetworkTimeout      ErrorKind = "NetworkTimeout"
	KindNetworkBlocked      ErrorKind = "NetworkBlocked"
	KindNetworkError        ErrorKind = "NetworkError"
	KindMalformedMarkup     ErrorKind = "MalformedMarkup"
	KindAmbiguousExtraction ErrorKind = "AmbiguousExtraction"
	KindCollaboratorFailure ErrorKind = "CollaboratorFailure"
	KindPersistenceFailure  ErrorKind = "PersistenceFailure"
	KindCancelled           ErrorKind = "Cancelled"
	KindInternal            ErrorKind = "Internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrNetworkTimeout, KindNetworkTimeout},
	{ErrNetworkBlocked, KindNetworkBlocked},
	{ErrNetworkError, KindNetworkError},
	{ErrMalformedMarkup, KindMalformedMarkup},
	{ErrAmbiguousExtraction, KindAmbiguousExtraction},
	{ErrCollaboratorFailure, KindCollaboratorFailure},
	{ErrPersistenceFailure, KindPersistenceFailure},
	{ErrCancelled, KindCancelled},
}

// KindOf maps a wrapped error onto the taxonomy. Unknown errors are Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	// A cancelled caller outranks whatever layer reported it.
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}
	return KindInternal
}
