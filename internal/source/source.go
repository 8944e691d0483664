// Package source decides where the agent reads auth-log lines from and
// provides the line followers for both source kinds: a rotation-safe file
// tailer and a cursor-based journal poller. Followers share one capability
// so the agent's tail loop is source-agnostic.
package source

import (
	"context"
	"fmt"
	"os"
)

// Kind names a line-source implementation.
type Kind string

const (
	KindFile    Kind = "file"
	KindJournal Kind = "journal"
)

// Preference is the operator's source choice. Auto probes; the other two
// are strict and fail when their source is unavailable.
type Preference string

const (
	PreferAuto    Preference = "auto"
	PreferFile    Preference = "file"
	PreferJournal Preference = "journal"
)

// ParsePreference validates a -source flag value.
func ParsePreference(s string) (Preference, error) {
	switch Preference(s) {
	case PreferAuto, PreferFile, PreferJournal:
		return Preference(s), nil
	default:
		return "", fmt.Errorf("source: invalid preference %q, want auto, file or journal", s)
	}
}

// Mode selects between following forever and reading once.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeReplay Mode = "replay"
)

// ParseMode validates a -mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLive, ModeReplay:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("source: invalid mode %q, want live or replay", s)
	}
}

// JournalPath is the synthetic source path recorded on events read from the
// system journal.
const JournalPath = "journald:sshd"

// Decision is the outcome of source selection, logged at agent startup so
// operators can see why a source was chosen.
type Decision struct {
	Kind   Kind
	Path   string
	Reason string
}

// DefaultCandidates are the auth-log locations probed in order when no
// explicit path is requested.
var DefaultCandidates = []string{"/var/log/auth.log", "/var/log/secure", "/var/log/messages"}

// Follower produces raw log lines on a channel. Start begins production;
// the channel closes when Stop is called or, in replay mode, when the
// source is exhausted. Stop is idempotent and blocks until the producer
// goroutine has exited.
type Follower interface {
	Start(ctx context.Context) error
	Stop()
	Lines() <-chan string
}

// Selector picks between file tailing and journal polling. The zero value
// uses DefaultCandidates and a real journalctl probe; tests inject both.
type Selector struct {
	// Candidates overrides DefaultCandidates when non-nil.
	Candidates []string

	// JournalProbe reports whether the journal CLI is usable. Nil means
	// probing with a zero-entry journalctl query.
	JournalProbe func() bool
}

// Pick resolves the requested path and preference into a Decision.
//
// Strict preferences (file, journal) return an error when their source is
// unavailable. Auto degrades: requested or readable file first, then the
// journal, then a best-guess file decision whose open failure the caller
// reports.
func (s *Selector) Pick(requestedPath string, prefer Preference) (Decision, error) {
	candidates := s.Candidates
	if candidates == nil {
		candidates = DefaultCandidates
	}
	probe := s.JournalProbe
	if probe == nil {
		probe = journalctlAvailable
	}

	switch prefer {
	case PreferFile:
		if requestedPath != "" {
			if !readableFile(requestedPath) {
				return Decision{}, fmt.Errorf("source: requested file %q is not readable", requestedPath)
			}
			return Decision{Kind: KindFile, Path: requestedPath, Reason: "requested file is readable"}, nil
		}
		if path, ok := firstReadable(candidates); ok {
			return Decision{Kind: KindFile, Path: path, Reason: "readable auth log candidate"}, nil
		}
		return Decision{}, fmt.Errorf("source: no readable auth log among %v", candidates)

	case PreferJournal:
		if !probe() {
			return Decision{}, fmt.Errorf("source: journalctl did not answer the capability probe")
		}
		return Decision{Kind: KindJournal, Path: JournalPath, Reason: "journalctl responds"}, nil

	case PreferAuto, "":
		if requestedPath != "" {
			return Decision{Kind: KindFile, Path: requestedPath, Reason: "requested path"}, nil
		}
		if path, ok := firstReadable(candidates); ok {
			return Decision{Kind: KindFile, Path: path, Reason: "readable auth log candidate"}, nil
		}
		if probe() {
			return Decision{Kind: KindJournal, Path: JournalPath, Reason: "no readable auth log, journalctl responds"}, nil
		}
		return Decision{
			Kind:   KindFile,
			Path:   candidates[0],
			Reason: "no readable auth log and no journal; best-guess candidate",
		}, nil

	default:
		return Decision{}, fmt.Errorf("source: invalid preference %q", prefer)
	}
}

// firstReadable returns the first candidate that is a readable regular file.
func firstReadable(candidates []string) (string, bool) {
	for _, path := range candidates {
		if readableFile(path) {
			return path, true
		}
	}
	return "", false
}

// readableFile reports whether path is a regular file this process can open
// for reading.
func readableFile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
