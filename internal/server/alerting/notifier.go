package alerting

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/minisoc/minisoc/internal/schema"
)

// Notifier delivers an alert to an operator-facing channel. suppressed
// is the number of duplicate derivations swallowed since this alert ID
// last notified.
type Notifier interface {
	Notify(alert schema.Alert, suppressed int) error
}

// ConsoleNotifier prints alerts to a writer, one headline line plus an
// indented detail line:
//
//	[ALERT] 2026-01-12T10:30:45Z AUTH001 sev=7 src_ip:203.0.113.9 :: SSH brute force suspected (+3 suppressed repeats)
//	        details: {"bucket":"2026-01-12T10:30","count":6,"threshold":5}
//
// Detail keys come out sorted because encoding/json orders map keys.
type ConsoleNotifier struct {
	out io.Writer
}

// NewConsoleNotifier writes to out, or stdout when out is nil.
func NewConsoleNotifier(out io.Writer) *ConsoleNotifier {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleNotifier{out: out}
}

func (n *ConsoleNotifier) Notify(alert schema.Alert, suppressed int) error {
	line := fmt.Sprintf("[ALERT] %s %s sev=%d %s :: %s",
		alert.TS, alert.RuleID, alert.Severity, alert.Entity, alert.Title)
	if suppressed > 0 {
		line += fmt.Sprintf(" (+%d suppressed repeats)", suppressed)
	}
	if _, err := fmt.Fprintln(n.out, line); err != nil {
		return fmt.Errorf("alerting: write alert line: %w", err)
	}

	if len(alert.Details) > 0 {
		details, err := json.Marshal(alert.Details)
		if err != nil {
			return fmt.Errorf("alerting: encode alert details: %w", err)
		}
		if _, err := fmt.Fprintf(n.out, "        details: %s\n", details); err != nil {
			return fmt.Errorf("alerting: write alert details: %w", err)
		}
	}
	return nil
}
