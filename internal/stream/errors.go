package stream

import "errors"

// Error taxonomy shared by the registry and the playback server. Callers
// wrap a specific cause with one of these and match with errors.Is.
var (
	// ErrInvalidInput covers a missing or malformed magnet URI or request field.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPrepareFailure covers handle timeout, metadata timeout and no playable file.
	ErrPrepareFailure = errors.New("prepare stream failed")

	// ErrStopFailure is an engine removal error; the stream is deregistered regardless.
	ErrStopFailure = errors.New("stop stream failed")

	// ErrIOFailure is a file open or read failure scoped to one response.
	ErrIOFailure = errors.New("stream i/o failed")

	// ErrServerFailure is an unexpected failure while handling a request.
	ErrServerFailure = errors.New("server failure")
)
