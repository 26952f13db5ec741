package sensor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hivetrap/hivetrap/logger"
)

// sessionIdleTimeout is how long a session may sit between commands before
// the read deadline cuts it off.
const sessionIdleTimeout = 2 * time.Minute

// Trackers bundles the per-protocol detection state. The two SMTP listeners
// share one bundle so attempts against port 25 and 587 count together,
// every other protocol gets its own.
type Trackers struct {
	Auth  *AuthTracker
	Conns *ConnTracker
}

// NewTrackers returns a fresh bundle with the default rapid-connection
// thresholds.
func NewTrackers() *Trackers {
	return &Trackers{
		Auth:  NewAuthTracker(),
		Conns: NewRapidConnTracker(),
	}
}

// tcpListener carries what the raw TCP protocol modules share: identity,
// the emit sink, the tracker state, and the connect, auth and close rule
// plumbing. Protocol files embed it and supply only their command loop.
type tcpListener struct {
	name       string
	protocol   string
	port       int
	scanWindow time.Duration
	emit       EmitFunc
	trackers   *Trackers
}

func (l *tcpListener) Name() string { return l.name }

func (l *tcpListener) Port() int { return l.port }

// open binds the port and, on success, serves sessions in the background
// until the context is cancelled. handle runs once per connection with the
// connect and close rules already applied around it.
func (l *tcpListener) open(ctx context.Context, handle func(ctx context.Context, sess *Session, conn net.Conn)) error {
	lis, err := listen(l.name, l.port)
	if err != nil {
		return err
	}
	lg := logger.GetLogger()
	lg.Info().Str("listener", l.name).Int("port", l.port).Msg("listener started")

	go serveLoop(ctx, l.name, lis, func(conn net.Conn) {
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(sessionIdleTimeout))

		sess := NewSession(l.protocol, conn)
		l.connected(sess)
		handle(ctx, sess, conn)
		l.closed(sess)
	})
	return nil
}

// connected feeds the rapid-connection tracker and emits when the burst
// rule fires.
func (l *tcpListener) connected(sess *Session) {
	report, fired := l.trackers.Conns.Record(sess.SourceIP, time.Now())
	if !fired {
		return
	}

	evt := sess.Event(
		l.protocol+"_bruteforce_scan",
		fmt.Sprintf("%d connections to the %s service within one minute", report.Count, l.protocol),
		fact(map[string]any{"connections": report.Count}),
		fact(map[string]any{"mean_interval_ms": report.MeanIntervalMS}),
		fact(map[string]any{"median_interval_ms": report.MedianIntervalMS}),
	)
	evt.Frequency = report.Count
	l.emit(evt)
}

// failAuth is the one path every credential rejection goes through. It
// records the attempt first so the ssh scan timer sees it, then stalls for
// the failure delay before returning. The caller writes its own
// protocol-specific rejection afterwards.
func (l *tcpListener) failAuth(ctx context.Context, sess *Session, username, password string) {
	sess.RecordAuthAttempt()
	lg := logger.GetLogger()
	lg.Debug().
		Str("listener", l.name).
		Str("src", sess.SourceIP).
		Str("username", username).
		Msg("authentication attempt rejected")

	defer func() {
		select {
		case <-time.After(authFailureDelay):
		case <-ctx.Done():
		}
	}()

	report, fired := l.trackers.Auth.Record(sess.SourceIP, username, time.Now())
	if !fired {
		return
	}

	evt := sess.Event(
		l.protocol+"_bruteforce",
		fmt.Sprintf("%d failed %s authentication attempts", report.Attempts, l.protocol),
		fact(map[string]any{"attempts": report.Attempts}),
		fact(map[string]any{"usernames": report.Usernames}),
		fact(map[string]any{"username": username, "password": password}),
	)
	evt.Frequency = report.Attempts
	l.emit(evt)
}

// closed applies the short-connection scan rule.
func (l *tcpListener) closed(sess *Session) {
	if evt, fired := sess.CloseScan(l.scanWindow, l.protocol+"_scan"); fired {
		l.emit(evt)
	}
}
