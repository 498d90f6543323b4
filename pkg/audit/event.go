// Package audit records every command run against a device as one JSON
// line, so a later reader can tell who ran what, where and with what result.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is one command executed against one device.
type Event struct {
	ID        string        `json:"id"`
	BatchID   string        `json:"batch_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	User      string        `json:"user"`
	Device    string        `json:"device"`
	Host      string        `json:"host,omitempty"`
	Protocol  string        `json:"protocol,omitempty"`
	Command   string        `json:"command"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Device      string
	User        string
	Protocol    string
	Command     string // substring match
	BatchID     string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool

	// Limit and Offset page backwards from the most recent match.
	Limit  int
	Offset int
}

// NewEvent creates a new audit event
func NewEvent(user, device, command string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		User:      user,
		Device:    device,
		Command:   command,
	}
}

// WithBatch groups events that ran over the same session.
func (e *Event) WithBatch(id string) *Event {
	e.BatchID = id
	return e
}

// WithTarget sets the transport and address the command ran over.
func (e *Event) WithTarget(protocol, host string) *Event {
	e.Protocol = protocol
	e.Host = host
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	e.Error = ""
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithFailure marks the event as failed with a diagnostic message.
func (e *Event) WithFailure(msg string) *Event {
	e.Success = false
	e.Error = msg
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}
