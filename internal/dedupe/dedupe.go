// Package dedupe drops the repeated "chat message sent" notification that
// Skype emits twice in a row for the same event.
package dedupe

import (
	"strings"
	"sync"

	"go.klb.dev/skypebridge/internal/message"
)

const (
	chatPrefix = "CHATMESSAGE"
	sentSuffix = "STATUS SENT"
)

// Filter remembers the last callback notification it let through.
// The zero value is ready to use.
type Filter struct {
	mu   sync.Mutex
	last string
	seen bool
}

// ShouldSuppress reports whether text is an immediate repeat of the previous
// callback notification and a chat-message-sent notification. Command replies
// are never suppressed and do not affect the remembered notification.
func (f *Filter) ShouldSuppress(text string, src message.Source) bool {
	if src != message.SourceCallback {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && text == f.last && isChatSent(text) {
		return true
	}
	f.last = text
	f.seen = true
	return false
}

// Reset forgets the remembered notification.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.last, f.seen = "", false
	f.mu.Unlock()
}

func isChatSent(text string) bool {
	return strings.HasPrefix(text, chatPrefix) && strings.HasSuffix(text, sentSuffix)
}
