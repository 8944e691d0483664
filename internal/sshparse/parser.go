// Package sshparse turns raw sshd log lines into normalized MiniSOC events.
// It recognises the two auth outcomes that matter to the detection rules
// (password failure and accepted login) and silently drops everything else.
package sshparse

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/minisoc/minisoc/internal/schema"
)

// ParserTag identifies this parser in the raw.parser field of emitted
// events.
const ParserTag = "auth.sshd"

const (
	failureSeverity = 4
	successSeverity = 3
)

var (
	// syslogPrefix matches the classic "Mon DD HH:MM:SS host " preamble of
	// file-based syslog and journalctl short output. It is stripped before
	// the auth patterns run so both sources parse identically.
	syslogPrefix = regexp.MustCompile(`^[A-Z][a-z]{2}\s+\d+\s+\d{2}:\d{2}:\d{2}\s+\S+\s+`)

	reFailed   = regexp.MustCompile(`Failed password for (?P<user>\S+) from (?P<ip>\S+) port (?P<port>\d+)`)
	reAccepted = regexp.MustCompile(`Accepted \S+ for (?P<user>\S+) from (?P<ip>\S+) port (?P<port>\d+)`)
)

// Parser converts auth log lines into NormalizedEvents. The zero value is
// not useful: Host must name the observed machine. Now is the event clock
// and defaults to wall time; tests inject a fixed clock. Parser is
// stateless apart from configuration and safe for concurrent use.
type Parser struct {
	// Host and HostIP populate the event's host block.
	Host   string
	HostIP string

	// SourceKind and SourcePath describe where lines come from, e.g.
	// ("auth", "/var/log/auth.log") or ("auth", "journald:sshd").
	SourceKind string
	SourcePath string

	// Now supplies the event timestamp. Nil means time.Now. Events carry
	// parse-time wall clock, not the syslog timestamp: MiniSOC buckets and
	// TTLs reason in receive time.
	Now func() time.Time
}

// Parse matches one log line. It returns (event, true) for a recognised SSH
// login line and (nil, false) otherwise; non-matching lines are not errors.
func (p *Parser) Parse(line string) (*schema.NormalizedEvent, bool) {
	msg := syslogPrefix.ReplaceAllString(line, "")

	outcome := schema.OutcomeFailure
	severity := failureSeverity
	m := reFailed.FindStringSubmatch(msg)
	if m == nil {
		m = reAccepted.FindStringSubmatch(msg)
		if m == nil {
			return nil, false
		}
		outcome = schema.OutcomeSuccess
		severity = successSeverity
	}

	user, ip := m[1], m[2]
	port, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, false
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	kind := p.SourceKind
	if kind == "" {
		kind = "auth"
	}

	ev := &schema.NormalizedEvent{
		SchemaID: schema.SchemaEvent,
		TS:       schema.FormatTime(now()),
		EventID:  uuid.New(),
		Host:     schema.Host{Name: p.Host, IP: p.HostIP},
		Source:   schema.Source{Kind: kind, Path: p.SourcePath},
		Event: schema.EventCore{
			Type:     "auth",
			Action:   "ssh_login",
			Outcome:  outcome,
			Severity: severity,
		},
		Message: fmt.Sprintf("SSH login %s for user=%s from %s", outcome, user, ip),
		Raw:     schema.Raw{Line: line, Parser: ParserTag},
		User:    &schema.User{Name: user},
		Src:     &schema.NetEndpoint{IP: ip, Port: port},
		Tags:    []string{"ssh", "auth", string(outcome)},
	}
	return ev, true
}
