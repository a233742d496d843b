package notification

import (
	"os/exec"

	"github.com/dooshek/keymapd/internal/logger"
)

// Notifier sends desktop notifications. The daemon uses it once at
// startup so the user sees that it is listening for the configuration
// client; devices are grabbed later, when a client session starts.
type Notifier interface {
	Notify(title, message string) error
}

type desktopNotifier struct{}

// New returns the desktop notifier.
func New() Notifier {
	return &desktopNotifier{}
}

func (n *desktopNotifier) Notify(title, message string) error {
	go func() {
		if err := exec.Command("notify-send", title, message).Run(); err != nil {
			logger.Errorf("Failed to send notification: %v", nil, err)
		}
	}()
	return nil
}

type silentNotifier struct{}

// NewSilent returns a notifier that drops everything, for headless
// sessions.
func NewSilent() Notifier {
	return &silentNotifier{}
}

func (n *silentNotifier) Notify(title, message string) error {
	return nil
}
