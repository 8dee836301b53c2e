package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("invalid session state")
)

// SummarizationError wraps a summarizer failure. CloseSession absorbs it;
// GenerateSummaryNow returns it alongside the failed summary.
type SummarizationError struct {
	SessionID string
	SummaryID string
	Err       error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarize session %s: %v", e.SessionID, e.Err)
}

func (e *SummarizationError) Unwrap() error {
	return e.Err
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
