package hub

import (
	"context"
	"log/slog"

	"go.klb.dev/skypebridge/internal/message"
)

// LogNotification logs a notification at INFO (id, source, transport) and
// its text at DEBUG, truncated to 120 bytes.
func LogNotification(event string, n message.Notification) {
	slog.Info(event, "id", n.ID, "source", n.Source, "transport", n.Transport)

	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	preview := n.Text
	if len(preview) > 120 {
		preview = preview[:120] + "…"
	}
	slog.Debug("notification text", "id", n.ID, "text", preview)
}
