package sensor

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxRecordedCommands bounds the per-session command history kept for
// evidence. Sessions keep counting past the cap, they just stop storing.
const maxRecordedCommands = 64

// authFailureDelay is how long a listener stalls before rejecting
// credentials. Real servers hash passwords, instant failures read as fake.
// Variable so tests can shrink it.
var authFailureDelay = time.Second

// Session tracks one accepted connection from accept to close. All protocol
// loops run single-goroutine, but SSH's scan timer and auth callbacks touch
// the same session concurrently, so state stays behind a mutex.
type Session struct {
	ID         string
	Protocol   string
	SourceIP   string
	SourcePort int
	Start      time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	commands      []string
	commandCount  int
	authAttempts  int
	authenticated bool
	scanEmitted   bool
}

// NewSession builds the tracking state for a freshly accepted connection.
func NewSession(protocol string, conn net.Conn) *Session {
	ip, port := remoteIP(conn)
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		Protocol:     protocol,
		SourceIP:     ip,
		SourcePort:   port,
		Start:        now,
		lastActivity: now,
	}
}

// Touch marks activity without recording a command.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// RecordCommand notes one meaningful protocol command. Listeners only call
// this for commands that show intent, a bare QUIT does not count toward the
// scan rule.
func (s *Session) RecordCommand(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.commandCount++
	if len(s.commands) < maxRecordedCommands {
		s.commands = append(s.commands, command)
	}
}

// RecordAuthAttempt notes one credential submission.
func (s *Session) RecordAuthAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.authAttempts++
}

// AuthAttempts returns how many credential submissions the session has seen.
func (s *Session) AuthAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authAttempts
}

// Commands returns a copy of the recorded command history.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandCount returns the number of meaningful commands seen, including
// ones past the storage cap.
func (s *Session) CommandCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandCount
}

// Duration returns how long the session has been open.
func (s *Session) Duration() time.Duration {
	return time.Since(s.Start)
}

// markScanEmitted flags that a scan event went out for this session and
// reports whether this call was the first to do so. SSH uses it to keep the
// idle timer and the close rule from double-reporting one probe.
func (s *Session) markScanEmitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanEmitted {
		return false
	}
	s.scanEmitted = true
	return true
}

// CloseScan applies the short-connection rule at session close: a session
// that lived less than the scan window and produced at most one meaningful
// command was a probe, not a client. It returns the event to emit, or false.
func (s *Session) CloseScan(window time.Duration, kind string) (Event, bool) {
	s.mu.Lock()
	commands := s.commandCount
	attempts := s.authAttempts
	s.mu.Unlock()

	duration := s.Duration()
	if duration >= window || commands > 1 || attempts > 0 {
		return Event{}, false
	}
	if !s.markScanEmitted() {
		return Event{}, false
	}

	return Event{
		SourceIP:   s.SourceIP,
		SourcePort: s.SourcePort,
		Protocol:   s.Protocol,
		Kind:       kind,
		Description: "connection opened and closed without meaningful protocol activity, " +
			"consistent with a port scan",
		Evidence: []string{
			fact(map[string]any{"session_id": s.ID}),
			fact(map[string]any{"duration_ms": duration.Milliseconds()}),
			fact(map[string]any{"commands": commands}),
		},
		Time: time.Now(),
	}, true
}

// Event builds an observation stamped with the session's source identity.
func (s *Session) Event(kind, description string, evidence ...string) Event {
	return Event{
		SourceIP:    s.SourceIP,
		SourcePort:  s.SourcePort,
		Protocol:    s.Protocol,
		Kind:        kind,
		Description: description,
		Evidence:    append([]string{fact(map[string]any{"session_id": s.ID})}, evidence...),
		Time:        time.Now(),
	}
}
