package search

import "errors"

var (
	// ErrIndexUnavailable means the candidate store could not be read.
	ErrIndexUnavailable = errors.New("similarity index unavailable")
	// ErrNoCandidates means the store was reachable but held no fingerprinted images.
	ErrNoCandidates = errors.New("no indexed candidates")
	// ErrUnexpected wraps a panic recovered during a search.
	ErrUnexpected = errors.New("unexpected similarity search failure")
)
