package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConnection      = errors.New("guild source connection failed")
	ErrTimeout         = errors.New("timed out")
	ErrFetch           = errors.New("guild source fetch failed")
	ErrNotFound        = errors.New("not found")
	ErrChannelNotFound = fmt.Errorf("channel %w", ErrNotFound)
)

type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection %s: %v", e.Reason, e.Err)
	}
	return "connection " + e.Reason
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

type FetchStage string

const (
	StageGuild   FetchStage = "guild"
	StageChannel FetchStage = "channel"
	StageMembers FetchStage = "members"
)

type FetchError struct {
	Stage FetchStage
	ID    string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Stage, e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// FailureClass names the broad cause of err for notes and metrics labels.
func FailureClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "upstream error"
	}
}
