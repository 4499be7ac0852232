package delivery

import (
	"fmt"
	"strings"
)

// Message statuses. Outbound messages move forward through
// pending < sent < delivered < read; failed sits beside that chain.
// Inbound messages use received and read.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusReceived  = "received"
)

var rank = map[string]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether a message in status from may move to to.
// Statuses never go backwards, so late or replayed callbacks are harmless.
// A failure only lands on messages that have not been confirmed delivered,
// and proof of delivery clears an earlier failure.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusFailed:
		return from == StatusPending || from == StatusSent
	case StatusDelivered, StatusRead:
		if from == StatusFailed {
			return true
		}
	}
	rf, okFrom := rank[from]
	rt, okTo := rank[to]
	return okFrom && okTo && rt > rf
}

// MapMetaStatus maps a WhatsApp Cloud API status string. "deleted" means
// the customer deleted the message and is reported as unknown.
func MapMetaStatus(s string) (string, error) {
	switch strings.ToLower(s) {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read", "played":
		return StatusRead, nil
	case "failed":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown meta status %q", s)
}

// MapTwilioStatus maps a Twilio MessageStatus callback value.
func MapTwilioStatus(s string) (string, error) {
	switch strings.ToLower(s) {
	case "accepted", "scheduled", "queued", "sending":
		return StatusPending, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	case "undelivered", "failed", "canceled":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown twilio status %q", s)
}
