package sensor

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hivetrap/hivetrap/config"
)

const (
	// harvestRcptThreshold and harvestProbeThreshold trip the address
	// harvesting rule: either too many recipients or too many VRFY/EXPN
	// probes across the session.
	harvestRcptThreshold  = 10
	harvestProbeThreshold = 5

	// relayRcptThreshold and relayDomainThreshold trip the open-relay
	// probe rule: many recipients spread over many foreign domains.
	relayRcptThreshold   = 5
	relayDomainThreshold = 3

	// spamURLThreshold is how many links a message body may carry before
	// it reads as spam on its own.
	spamURLThreshold = 10

	// smtpBodyCap bounds how much message body is retained for the spam
	// heuristics.
	smtpBodyCap = 64 * 1024

	smtpMaxStoredRcpts = 50
)

// SMTPListener accepts mail transactions without ever delivering anything.
// The close-time heuristics look at the whole session, a single RCPT proves
// nothing but forty of them do.
type SMTPListener struct {
	tcpListener
	hostname string
	patterns *Patterns
}

// smtpState accumulates per-session totals. RSET clears the envelope but
// not these, the heuristics are about the session, not one transaction.
type smtpState struct {
	rcptTotal  int
	rcpts      []string
	domains    map[string]struct{}
	probeCount int
	body       strings.Builder
}

// NewSMTP builds one SMTP listener. The supervisor instantiates it twice,
// for port 25 and for the submission port, with a shared tracker bundle.
func NewSMTP(cfg *config.Config, emit EmitFunc, trackers *Trackers, patterns *Patterns, name string, port int) *SMTPListener {
	return &SMTPListener{
		tcpListener: tcpListener{
			name:       name,
			protocol:   "smtp",
			port:       port,
			scanWindow: cfg.Env.ScanDuration,
			emit:       emit,
			trackers:   trackers,
		},
		hostname: cfg.Lures.MailHostname,
		patterns: patterns,
	}
}

func (l *SMTPListener) Start(ctx context.Context) error {
	return l.open(ctx, l.handle)
}

func (l *SMTPListener) handle(ctx context.Context, sess *Session, conn net.Conn) {
	reader := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 %s ESMTP\r\n", l.hostname)

	state := &smtpState{domains: make(map[string]struct{})}
	defer l.finish(sess, state)

	var rcptCount int // current envelope only, reset by RSET
	for {
		conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		verb, arg := splitCommandLine(line)
		switch verb {
		case "HELO":
			sess.RecordCommand("HELO " + arg)
			fmt.Fprintf(conn, "250 %s\r\n", l.hostname)
		case "EHLO":
			sess.RecordCommand("EHLO " + arg)
			fmt.Fprintf(conn, "250-%s\r\n250-SIZE 10240000\r\n250-VRFY\r\n250-AUTH PLAIN LOGIN\r\n250 HELP\r\n", l.hostname)
		case "MAIL":
			sess.RecordCommand("MAIL " + arg)
			fmt.Fprintf(conn, "250 2.1.0 Ok\r\n")
		case "RCPT":
			sess.RecordCommand("RCPT")
			rcptCount++
			state.rcptTotal++
			address := parseMailPath(arg)
			if len(state.rcpts) < smtpMaxStoredRcpts {
				state.rcpts = append(state.rcpts, address)
			}
			if domain := mailDomain(address); domain != "" {
				state.domains[domain] = struct{}{}
			}
			fmt.Fprintf(conn, "250 2.1.5 Ok\r\n")
		case "DATA":
			sess.RecordCommand("DATA")
			if rcptCount == 0 {
				fmt.Fprintf(conn, "554 5.5.1 Error: no valid recipients\r\n")
				continue
			}
			fmt.Fprintf(conn, "354 End data with <CR><LF>.<CR><LF>\r\n")
			readMailBody(conn, reader, &state.body)
			fmt.Fprintf(conn, "250 2.0.0 Ok: queued\r\n")
		case "VRFY":
			sess.RecordCommand("VRFY " + arg)
			state.probeCount++
			fmt.Fprintf(conn, "252 2.0.0 Cannot VRFY user, but will accept message\r\n")
		case "EXPN":
			sess.RecordCommand("EXPN " + arg)
			state.probeCount++
			fmt.Fprintf(conn, "502 5.5.1 EXPN not implemented\r\n")
		case "AUTH":
			sess.RecordCommand("AUTH")
			l.handleAuth(ctx, sess, conn, reader, arg)
		case "RSET":
			rcptCount = 0
			fmt.Fprintf(conn, "250 2.0.0 Ok\r\n")
		case "NOOP":
			fmt.Fprintf(conn, "250 2.0.0 Ok\r\n")
		case "QUIT":
			fmt.Fprintf(conn, "221 2.0.0 Bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "502 5.5.2 Error: command not recognized\r\n")
		}
	}
}

// handleAuth walks the PLAIN and LOGIN exchanges far enough to capture
// credentials, then rejects them.
func (l *SMTPListener) handleAuth(ctx context.Context, sess *Session, conn net.Conn, reader *bufio.Reader, arg string) {
	mechanism, initial, _ := strings.Cut(arg, " ")

	var username, password string
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			fmt.Fprintf(conn, "334 \r\n")
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			initial = strings.TrimSpace(line)
		}
		username, password = decodePlainAuth(initial)
	case "LOGIN":
		fmt.Fprintf(conn, "334 VXNlcm5hbWU6\r\n")
		userLine, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		fmt.Fprintf(conn, "334 UGFzc3dvcmQ6\r\n")
		passLine, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		username = decodeBase64(strings.TrimSpace(userLine))
		password = decodeBase64(strings.TrimSpace(passLine))
	default:
		fmt.Fprintf(conn, "504 5.5.4 Unrecognized authentication type\r\n")
		return
	}

	l.failAuth(ctx, sess, username, password)
	fmt.Fprintf(conn, "535 5.7.8 Error: authentication failed\r\n")
}

// finish applies the session heuristics in order of specificity, emitting
// at most one event. Harvesting outranks relay probing which outranks a
// spammy body.
func (l *SMTPListener) finish(sess *Session, state *smtpState) {
	switch {
	case state.rcptTotal > harvestRcptThreshold || state.probeCount > harvestProbeThreshold:
		evt := sess.Event(
			"email_harvesting",
			fmt.Sprintf("session probed %d recipients and issued %d VRFY/EXPN commands", state.rcptTotal, state.probeCount),
			fact(map[string]any{"recipients": state.rcptTotal}),
			fact(map[string]any{"probes": state.probeCount}),
			fact(map[string]any{"sample": state.rcpts}),
		)
		evt.Frequency = state.rcptTotal + state.probeCount
		l.emit(evt)

	case state.rcptTotal > relayRcptThreshold && len(state.domains) > relayDomainThreshold:
		domains := make([]string, 0, len(state.domains))
		for domain := range state.domains {
			domains = append(domains, domain)
		}
		evt := sess.Event(
			"smtp_relay_attempt",
			fmt.Sprintf("%d recipients across %d domains, consistent with an open relay probe", state.rcptTotal, len(domains)),
			fact(map[string]any{"recipients": state.rcptTotal}),
			fact(map[string]any{"domains": domains}),
		)
		evt.Frequency = state.rcptTotal
		l.emit(evt)

	default:
		body := state.body.String()
		if body == "" {
			return
		}
		urls := countURLs(body)
		phrase, phraseHit := l.patterns.MatchSpamPhrase(body)
		hidden := hasHiddenContent(body)
		if urls <= spamURLThreshold && !phraseHit && !hidden {
			return
		}

		evidence := []string{
			fact(map[string]any{"url_count": urls}),
			fact(map[string]any{"hidden_content": hidden}),
		}
		if phraseHit {
			evidence = append(evidence, fact(map[string]any{"spam_phrase": phrase}))
		}
		l.emit(sess.Event(
			"smtp_spam_attempt",
			"message body carries spam markers",
			evidence...,
		))
	}
}

// readMailBody consumes the DATA payload up to the dot terminator, keeping
// at most smtpBodyCap bytes of it.
func readMailBody(conn net.Conn, reader *bufio.Reader, body *strings.Builder) {
	for {
		conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimRight(line, "\r\n") == "." {
			return
		}
		if body.Len() < smtpBodyCap {
			body.WriteString(line)
		}
	}
}

// parseMailPath extracts the address from a MAIL FROM / RCPT TO argument,
// tolerating both the angle-bracket form and bare addresses.
func parseMailPath(arg string) string {
	if start := strings.Index(arg, "<"); start >= 0 {
		if end := strings.Index(arg[start:], ">"); end > 0 {
			return arg[start+1 : start+end]
		}
	}
	_, after, found := strings.Cut(arg, ":")
	if found {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(arg)
}

func mailDomain(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return strings.ToLower(address[at+1:])
	}
	return ""
}

func decodePlainAuth(encoded string) (string, string) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(string(decoded), "\x00")
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}

func decodeBase64(encoded string) string {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	return string(decoded)
}
