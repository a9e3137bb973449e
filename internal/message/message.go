// Package message defines the domain types shared by the skypebridge packages:
// notifications received from Skype, the attach status model, and the records
// written to a recording file.
//
// Skype API payloads are plain text and are never interpreted here.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source tells whether a notification arrived on its own or as the direct
// reply to a command this process sent.
type Source int

const (
	// SourceCallback is an asynchronous notification from the peer.
	SourceCallback Source = iota
	// SourceCommandReply is the synchronous return value of a command.
	SourceCommandReply
)

func (s Source) String() string {
	switch s {
	case SourceCallback:
		return "callback"
	case SourceCommandReply:
		return "command_reply"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "callback":
		*s = SourceCallback
	case "command_reply":
		*s = SourceCommandReply
	default:
		return fmt.Errorf("unknown source %q", b)
	}
	return nil
}

// Status is the attach state of a session towards the Skype client.
type Status int

const (
	StatusUnknown Status = iota
	StatusPendingAuthorization
	StatusAttached
	StatusRefused
	StatusNotAvailable
	StatusAPIAvailable
	StatusNotRunning
)

var statusNames = [...]string{
	StatusUnknown:              "UNKNOWN",
	StatusPendingAuthorization: "PENDING_AUTHORIZATION",
	StatusAttached:             "ATTACHED",
	StatusRefused:              "REFUSED",
	StatusNotAvailable:         "NOT_AVAILABLE",
	StatusAPIAvailable:         "API_AVAILABLE",
	StatusNotRunning:           "NOT_RUNNING",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus converts the text form of a status back to a Status.
// Matching is case-insensitive; unknown names yield StatusUnknown and false.
func ParseStatus(s string) (Status, bool) {
	for i, name := range statusNames {
		if strings.EqualFold(name, s) {
			return Status(i), true
		}
	}
	return StatusUnknown, false
}

// Usable reports whether commands can be exchanged in this state.
func (s Status) Usable() bool {
	return s == StatusAttached || s == StatusAPIAvailable
}

// Notification is one complete, de-duplicated text message from Skype.
type Notification struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Source     Source    `json:"source"`
	Transport  string    `json:"transport"`
	ReceivedAt time.Time `json:"received_at"`
}

// HasPrefix reports whether the notification matches any of prefixes.
// An empty prefix list matches everything.
func (n Notification) HasPrefix(prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(n.Text, p) {
			return true
		}
	}
	return false
}

// Encode serialises the notification to JSON without a trailing newline.
func (n Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// Direction marks a recorded message as sent to or received from Skype.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Record is one entry of a recording.
type Record struct {
	Direction Direction `json:"direction" cbor:"1,keyasint"`
	// OffsetMS is the time since the recording started, in milliseconds.
	OffsetMS int64  `json:"offset_ms" cbor:"2,keyasint"`
	Text     string `json:"text" cbor:"3,keyasint"`
}

// Offset returns OffsetMS as a duration.
func (r Record) Offset() time.Duration {
	return time.Duration(r.OffsetMS) * time.Millisecond
}

// Validate checks that the record can be replayed.
func (r Record) Validate() error {
	switch r.Direction {
	case DirectionSent, DirectionReceived:
	default:
		return fmt.Errorf("record: unknown direction %q", r.Direction)
	}
	if r.OffsetMS < 0 {
		return fmt.Errorf("record: negative offset %d", r.OffsetMS)
	}
	return nil
}
