package notify

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// commandTimeout is the outbound notification command's deadline,
// per spec.md §5.
const commandTimeout = 10 * time.Second

// CommandSender is the default Sender: an opaque external command
// invoked per spec.md §4.9's "(type, title, body, tag, urls[])"
// contract. Success is exit status 0 with no stderr after trimming;
// anything else is a failure.
type CommandSender struct {
	Path string
}

// NewCommandSender builds a Sender around the configured outbound
// command path. If path is empty, Send always fails (no channel
// configured) so callers still get a persisted failure record instead
// of a silent no-op.
func NewCommandSender(path string) *CommandSender {
	return &CommandSender{Path: path}
}

func (c *CommandSender) Send(ctx context.Context, eventType, title, body, tag string, urls []string) error {
	if c.Path == "" {
		return errors.New("no notification command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	args := []string{"--notification-type", eventType, "--title", title, "--body", body}
	if tag != "" {
		args = append(args, "--tag", tag)
	}
	args = append(args, urls...)

	cmd := exec.CommandContext(ctx, c.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "notification command failed: %s", strings.TrimSpace(stderr.String()))
	}
	if trimmed := strings.TrimSpace(stderr.String()); trimmed != "" {
		return errors.Errorf("notification command reported: %s", trimmed)
	}
	return nil
}
