package sensor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hivetrap/hivetrap/config"
)

// IMAPListener speaks the tagged IMAP4rev1 command form far enough to
// collect LOGIN and AUTHENTICATE PLAIN credentials.
type IMAPListener struct {
	tcpListener
}

func NewIMAP(cfg *config.Config, emit EmitFunc, trackers *Trackers) *IMAPListener {
	return &IMAPListener{
		tcpListener: tcpListener{
			name:       "imap",
			protocol:   "imap",
			port:       cfg.Env.Modules.IMAP.Port,
			scanWindow: cfg.Env.ScanDuration,
			emit:       emit,
			trackers:   trackers,
		},
	}
}

func (l *IMAPListener) Start(ctx context.Context) error {
	return l.open(ctx, l.handle)
}

func (l *IMAPListener) handle(ctx context.Context, sess *Session, conn net.Conn) {
	reader := bufio.NewReader(conn)
	fmt.Fprintf(conn, "* OK IMAP4rev1 Service Ready\r\n")

	for {
		conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		tag, verb, rest := splitTaggedLine(line)
		if tag == "" {
			fmt.Fprintf(conn, "* BAD Invalid command\r\n")
			continue
		}

		switch verb {
		case "CAPABILITY":
			fmt.Fprintf(conn, "* CAPABILITY IMAP4rev1 AUTH=PLAIN\r\n%s OK CAPABILITY completed\r\n", tag)
		case "LOGIN":
			sess.RecordCommand("LOGIN")
			username, password := splitLoginArgs(rest)
			l.failAuth(ctx, sess, username, password)
			fmt.Fprintf(conn, "%s NO [AUTHENTICATIONFAILED] Authentication failed\r\n", tag)
		case "AUTHENTICATE":
			sess.RecordCommand("AUTHENTICATE")
			if !strings.EqualFold(strings.TrimSpace(rest), "PLAIN") {
				fmt.Fprintf(conn, "%s NO Unsupported authentication mechanism\r\n", tag)
				continue
			}
			fmt.Fprintf(conn, "+ \r\n")
			credLine, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			username, password := decodePlainAuth(strings.TrimSpace(credLine))
			l.failAuth(ctx, sess, username, password)
			fmt.Fprintf(conn, "%s NO [AUTHENTICATIONFAILED] Authentication failed\r\n", tag)
		case "LIST", "SELECT", "EXAMINE", "FETCH", "STATUS", "SEARCH":
			sess.RecordCommand(verb)
			fmt.Fprintf(conn, "%s NO Please authenticate first\r\n", tag)
		case "NOOP":
			fmt.Fprintf(conn, "%s OK NOOP completed\r\n", tag)
		case "LOGOUT":
			fmt.Fprintf(conn, "* BYE IMAP4rev1 Server logging out\r\n%s OK LOGOUT completed\r\n", tag)
			return
		default:
			fmt.Fprintf(conn, "%s BAD Unknown command\r\n", tag)
		}
	}
}

// splitTaggedLine parses "tag VERB rest" into its parts with the verb
// uppercased. A line without both tag and verb yields an empty tag.
func splitTaggedLine(line string) (tag, verb, rest string) {
	line = strings.TrimRight(line, "\r\n")
	tag, remainder, found := cutSpace(line)
	if !found || tag == "" {
		return "", "", ""
	}
	verb, rest, _ = cutSpace(remainder)
	return tag, strings.ToUpper(verb), rest
}

// splitLoginArgs parses the two LOGIN arguments, stripping optional quotes.
func splitLoginArgs(rest string) (string, string) {
	username, password, _ := cutSpace(rest)
	return strings.Trim(username, `"`), strings.Trim(strings.TrimSpace(password), `"`)
}

func cutSpace(s string) (string, string, bool) {
	before, after, found := strings.Cut(strings.TrimSpace(s), " ")
	return before, strings.TrimSpace(after), found
}
