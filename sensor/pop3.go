package sensor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hivetrap/hivetrap/config"
)

// POP3Listener takes USER/PASS pairs and rejects them all. Mailbox
// commands answer as an unauthenticated server would.
type POP3Listener struct {
	tcpListener
}

func NewPOP3(cfg *config.Config, emit EmitFunc, trackers *Trackers) *POP3Listener {
	return &POP3Listener{
		tcpListener: tcpListener{
			name:       "pop3",
			protocol:   "pop3",
			port:       cfg.Env.Modules.POP3.Port,
			scanWindow: cfg.Env.ScanDuration,
			emit:       emit,
			trackers:   trackers,
		},
	}
}

func (l *POP3Listener) Start(ctx context.Context) error {
	return l.open(ctx, l.handle)
}

func (l *POP3Listener) handle(ctx context.Context, sess *Session, conn net.Conn) {
	reader := bufio.NewReader(conn)
	fmt.Fprintf(conn, "+OK POP3 server ready\r\n")

	var username string
	for {
		conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		verb, arg := splitCommandLine(line)
		switch verb {
		case "USER":
			username = arg
			sess.RecordCommand("USER " + arg)
			fmt.Fprintf(conn, "+OK\r\n")
		case "PASS":
			sess.RecordCommand("PASS")
			l.failAuth(ctx, sess, username, arg)
			fmt.Fprintf(conn, "-ERR [AUTH] Authentication failed\r\n")
		case "APOP":
			sess.RecordCommand("APOP")
			user, _, _ := cutSpace(arg)
			l.failAuth(ctx, sess, user, "")
			fmt.Fprintf(conn, "-ERR [AUTH] Authentication failed\r\n")
		case "CAPA":
			fmt.Fprintf(conn, "+OK Capability list follows\r\nUSER\r\nTOP\r\nUIDL\r\n.\r\n")
		case "STAT", "LIST", "RETR", "DELE", "TOP", "UIDL", "RSET":
			sess.RecordCommand(verb)
			fmt.Fprintf(conn, "-ERR Authentication required\r\n")
		case "NOOP":
			fmt.Fprintf(conn, "+OK\r\n")
		case "QUIT":
			fmt.Fprintf(conn, "+OK Bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "-ERR Unknown command\r\n")
		}
	}
}
