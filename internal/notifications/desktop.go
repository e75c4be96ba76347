package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

// DesktopSender delivers notifications as native desktop toasts.
type DesktopSender struct {
	logger *slog.Logger
}

func NewDesktopSender(logger *slog.Logger) *DesktopSender {
	return &DesktopSender{logger: logger}
}

func (s *DesktopSender) Send(payload Payload) {
	title := strings.TrimSpace(payload.Title)
	content := strings.TrimSpace(payload.Content)
	if title == "" && content == "" {
		return
	}

	if err := beeep.Notify(title, content, ""); err != nil {
		s.logger.Debug("desktop notification failed", "error", err)
	}
}

// NopSender discards notifications; used when desktop toasts are disabled.
type NopSender struct{}

func (NopSender) Send(Payload) {}
