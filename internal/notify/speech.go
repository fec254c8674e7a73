package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"vigil/internal/pipeline"
)

// SpeechConfig configures spoken alerts
type SpeechConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Command []string `mapstructure:"command"` // program and arguments, the text is appended
	Message string   `mapstructure:"message"` // %s is replaced by the camera id
}

// Speaker announces alerts through a text-to-speech program. Announcements
// are serialized so they never talk over each other.
type Speaker struct {
	command []string
	message string
	mu      sync.Mutex
	run     func(ctx context.Context, name string, args ...string) error
}

func NewSpeaker(cfg SpeechConfig) *Speaker {
	cmd := cfg.Command
	if len(cmd) == 0 {
		cmd = []string{"espeak"}
	}
	msg := cfg.Message
	if msg == "" {
		msg = "Attention. Unknown person on camera %s"
	}
	return &Speaker{command: cmd, message: msg, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Text returns the sentence spoken for a
func (s *Speaker) Text(a pipeline.Alert) string {
	if strings.Contains(s.message, "%s") {
		return fmt.Sprintf(s.message, a.CameraID)
	}
	return s.message
}

func (s *Speaker) Notify(ctx context.Context, a pipeline.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := append(append([]string(nil), s.command[1:]...), s.Text(a))
	return s.run(ctx, s.command[0], args...)
}

var _ pipeline.Notifier = (*Speaker)(nil)
