package main

import "fmt"

// errKind enumerates every caller error a game operation can produce.
// Anything outside this set is an internal fault, not part of the taxonomy.
type errKind int

const (
	errSessionNotFound errKind = iota
	errUnknownPlayer
	errNotHost
	errNotYourTurn
	errRoundInProgress
	errGameEnded
	errNoActiveRound
	errNotPolice
	errInvalidTarget
	errInsufficientPlayers
)

// gameError is a recoverable caller error. It is reported back to the
// originating participant only, never broadcast, and a failed operation
// leaves session state untouched.
type gameError struct {
	kind errKind
	msg  string
}

func (e *gameError) Error() string {
	return e.msg
}

func gameErrorf(kind errKind, format string, args ...any) *gameError {
	return &gameError{
		kind: kind,
		msg:  fmt.Sprintf(format, args...),
	}
}
