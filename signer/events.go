package signer

import "time"

// EventType is a stage of an automated payment.
type EventType string

const (
	EventAttempt EventType = "attempt"
	EventSuccess EventType = "success"
	EventFailure EventType = "failure"
)

// Event describes one stage of a payment made by Transport.
type Event struct {
	Type      EventType
	Timestamp time.Time
	URL       string
	Network   string
	Asset     string
	Amount    string
	PayTo     string
	Payer     string
	// TxHash is set on success when the merchant's receipt carries one.
	TxHash   string
	Tier     int
	Err      error
	Duration time.Duration
}

// Events receives payment lifecycle notifications. Callbacks run
// synchronously on the request goroutine and must not block.
type Events struct {
	OnAttempt func(Event)
	OnSuccess func(Event)
	OnFailure func(Event)
}

func (e Events) emit(ev Event) {
	var cb func(Event)
	switch ev.Type {
	case EventAttempt:
		cb = e.OnAttempt
	case EventSuccess:
		cb = e.OnSuccess
	case EventFailure:
		cb = e.OnFailure
	}
	if cb != nil {
		cb(ev)
	}
}
