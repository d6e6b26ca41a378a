package relay

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBroadcastFailed = errors.New("broadcast failed")

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusSeen     Status = "seen"
	StatusFailed   Status = "failed"
)

// Outcome is the single terminal result of publishing to one relay.
type Outcome struct {
	Relay  string
	Status Status
	Err    error // set only when Status is StatusFailed
}

func (o Outcome) OK() bool {
	return o.Status == StatusAccepted || o.Status == StatusSeen
}

func accepted(url string) Outcome { return Outcome{Relay: url, Status: StatusAccepted} }
func seen(url string) Outcome     { return Outcome{Relay: url, Status: StatusSeen} }

func failed(url string, err error) Outcome {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Outcome{Relay: url, Status: StatusFailed, Err: err}
}

// ConnectionError reports that a relay could not be reached, or did not
// answer before the publish deadline.
type ConnectionError struct {
	Relay   string
	Op      string
	Err     error
	timeout bool
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay %s: %s: %v", e.Relay, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Timeout() bool { return e.timeout }

// RejectedError carries the reason a relay gave for refusing the event.
type RejectedError struct {
	Relay  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay %s rejected event: %s", e.Relay, e.Reason)
}

// BroadcastResult holds one outcome per target relay, in target order.
type BroadcastResult struct {
	Outcomes []Outcome
}

// Err applies all-or-nothing aggregation: any failed relay fails the whole
// broadcast, even when others accepted the event.
func (r BroadcastResult) Err() error {
	var failures []string
	var first error
	for _, o := range r.Outcomes {
		if o.OK() {
			continue
		}
		if first == nil {
			first = o.Err
			if first == nil {
				first = errors.New(string(o.Status))
			}
		}
		failures = append(failures, o.Relay)
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d relays (%s): %w",
		ErrBroadcastFailed, len(failures), len(r.Outcomes), strings.Join(failures, ", "), first)
}

// Accepted counts relays that accepted or had already seen the event.
func (r BroadcastResult) Accepted() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}
