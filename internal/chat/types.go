package chat

import (
	"errors"
	"fmt"
	"strconv"
)

// SessionID identifies one accepted connection for the server's lifetime.
type SessionID uint64

func (id SessionID) String() string { return strconv.FormatUint(uint64(id), 10) }

type EventType int

const (
	EventJoined EventType = iota
	EventLeft
	EventChat
)

func (t EventType) String() string {
	switch t {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventChat:
		return "chat"
	}
	return "unknown"
}

// Event is what travels over the bus. Origin is the publishing session.
type Event struct {
	Type   EventType
	Origin SessionID
	Name   string
	Text   string
}

// Render returns the client-facing line for ev, without terminator.
func (ev Event) Render() string {
	switch ev.Type {
	case EventJoined:
		return "* " + ev.Name + " has entered the room"
	case EventLeft:
		return "* " + ev.Name + " has left the room"
	default:
		return "[" + ev.Name + "] " + ev.Text
	}
}

var (
	ErrInvalidName     = errorString("invalid_name")
	ErrAlreadyJoined   = errorString("already_joined")
	ErrRegistryStopped = errorString("registry_stopped")
	ErrBusClosed       = errorString("bus_closed")
	ErrLineTooLong     = errorString("line_too_long")
	ErrLagged          = errorString("subscriber_lagged")
)

type errorString string

func (e errorString) Error() string { return string(e) }

// LaggedError reports how many events a subscription lost to eviction.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("%s: missed %d events", ErrLagged, e.Missed)
}

func (e *LaggedError) Is(target error) bool { return target == ErrLagged }

func isLagged(err error) bool { return errors.Is(err, ErrLagged) }
