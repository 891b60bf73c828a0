package risk

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"imbalance-trader-go/metrics"
	"imbalance-trader-go/order"
)

// ErrKillSwitchActive is returned by guard checks while the sentinel file
// exists.
var ErrKillSwitchActive = errors.New("risk: kill switch active")

// KillSwitch is a sentinel file on disk. An operator (or the governor)
// creates the file to halt all new submissions; removing it resumes
// trading. The file is stat'ed fresh on every check so an engage from
// another process takes effect on the next loop, never a cached one.
type KillSwitch struct {
	Path string
}

func NewKillSwitch(path string) *KillSwitch {
	return &KillSwitch{Path: path}
}

// Active reports whether the sentinel exists right now.
func (k *KillSwitch) Active() bool {
	if k == nil || k.Path == "" {
		return false
	}
	_, err := os.Stat(k.Path)
	return err == nil
}

// Reason returns the text written into the sentinel when it was engaged,
// empty when the file is missing or unreadable.
func (k *KillSwitch) Reason() string {
	if k == nil || k.Path == "" {
		return ""
	}
	b, err := os.ReadFile(k.Path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Engage creates the sentinel. Idempotent.
func (k *KillSwitch) Engage(reason string) error {
	if k == nil || k.Path == "" {
		return errors.New("risk: kill switch path not configured")
	}
	if err := os.WriteFile(k.Path, []byte(reason+"\n"), 0644); err != nil {
		return fmt.Errorf("engage kill switch: %w", err)
	}
	metrics.KillSwitchEngaged.Set(1)
	return nil
}

// Clear removes the sentinel; missing file is not an error.
func (k *KillSwitch) Clear() error {
	if k == nil || k.Path == "" {
		return nil
	}
	if err := os.Remove(k.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear kill switch: %w", err)
	}
	metrics.KillSwitchEngaged.Set(0)
	return nil
}

// Check implements Guard.
func (k *KillSwitch) Check(_ order.Intent) error {
	if k.Active() {
		return ErrKillSwitchActive
	}
	return nil
}
