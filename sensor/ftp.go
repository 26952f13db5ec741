package sensor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/hivetrap/hivetrap/config"
)

const (
	// ftpUploadCap bounds how much of an uploaded file is slurped for
	// evidence. The transfer is acknowledged as complete either way, the
	// uploader must not learn the file was discarded.
	ftpUploadCap = 1024

	ftpDataTimeout = 10 * time.Second

	ftpSnippetLen = 256
)

// FTPListener speaks enough FTP to take credentials and accept uploads.
// Logins always fail, uploads are slurped for evidence and dropped.
type FTPListener struct {
	tcpListener
	banner string
}

func NewFTP(cfg *config.Config, emit EmitFunc, trackers *Trackers) *FTPListener {
	return &FTPListener{
		tcpListener: tcpListener{
			name:       "ftp",
			protocol:   "ftp",
			port:       cfg.Env.Modules.FTP.Port,
			scanWindow: cfg.Env.ScanDuration,
			emit:       emit,
			trackers:   trackers,
		},
		banner: cfg.Lures.FTPBanner,
	}
}

func (l *FTPListener) Start(ctx context.Context) error {
	return l.open(ctx, l.handle)
}

func (l *FTPListener) handle(ctx context.Context, sess *Session, conn net.Conn) {
	reader := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 %s\r\n", l.banner)

	var username string
	var passive net.Listener
	defer func() {
		if passive != nil {
			passive.Close()
		}
	}()

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
			fmt.Fprintf(conn, "331 Please specify the password.\r\n")
		case "PASS":
			sess.RecordCommand("PASS")
			l.failAuth(ctx, sess, username, arg)
			fmt.Fprintf(conn, "530 Login incorrect.\r\n")
		case "SYST":
			fmt.Fprintf(conn, "215 UNIX Type: L8\r\n")
		case "FEAT":
			fmt.Fprintf(conn, "211-Features:\r\n UTF8\r\n PASV\r\n211 End\r\n")
		case "PWD":
			fmt.Fprintf(conn, "257 \"/\" is the current directory\r\n")
		case "TYPE":
			fmt.Fprintf(conn, "200 Switching to Binary mode.\r\n")
		case "CWD", "CDUP":
			fmt.Fprintf(conn, "250 Directory successfully changed.\r\n")
		case "NOOP":
			fmt.Fprintf(conn, "200 NOOP ok.\r\n")
		case "PASV":
			if passive != nil {
				passive.Close()
			}
			passive, err = net.Listen("tcp", ":0")
			if err != nil {
				fmt.Fprintf(conn, "425 Can't open data connection.\r\n")
				continue
			}
			fmt.Fprintf(conn, "227 Entering Passive Mode (%s).\r\n", pasvAddress(conn, passive))
		case "STOR":
			sess.RecordCommand("STOR " + arg)
			if passive == nil {
				fmt.Fprintf(conn, "425 Use PASV first.\r\n")
				continue
			}
			fmt.Fprintf(conn, "150 Ok to send data.\r\n")
			l.receiveUpload(sess, passive, arg)
			passive.Close()
			passive = nil
			fmt.Fprintf(conn, "226 Transfer complete.\r\n")
		case "LIST", "NLST":
			sess.RecordCommand(verb)
			if passive == nil {
				fmt.Fprintf(conn, "425 Use PASV first.\r\n")
				continue
			}
			fmt.Fprintf(conn, "150 Here comes the directory listing.\r\n")
			sendListing(passive)
			passive.Close()
			passive = nil
			fmt.Fprintf(conn, "226 Directory send OK.\r\n")
		case "RETR":
			sess.RecordCommand("RETR " + arg)
			fmt.Fprintf(conn, "550 Failed to open file.\r\n")
		case "DELE", "RMD", "MKD", "RNFR", "RNTO", "SITE":
			sess.RecordCommand(verb)
			fmt.Fprintf(conn, "550 Permission denied.\r\n")
		case "QUIT":
			fmt.Fprintf(conn, "221 Goodbye.\r\n")
			return
		default:
			fmt.Fprintf(conn, "500 Unknown command.\r\n")
		}
	}
}

// receiveUpload accepts the data connection, slurps at most ftpUploadCap
// bytes, and emits the upload event. The sender sees a normal transfer.
func (l *FTPListener) receiveUpload(sess *Session, passive net.Listener, filename string) {
	setAcceptDeadline(passive, time.Now().Add(ftpDataTimeout))

	dataConn, err := passive.Accept()
	if err != nil {
		return
	}
	defer dataConn.Close()
	dataConn.SetDeadline(time.Now().Add(ftpDataTimeout))

	content, _ := io.ReadAll(io.LimitReader(dataConn, ftpUploadCap+1))
	truncated := false
	if len(content) > ftpUploadCap {
		content = content[:ftpUploadCap]
		truncated = true
	}
	// drain whatever remains so the client finishes its send cleanly
	io.Copy(io.Discard, dataConn)

	snippet := content
	if len(snippet) > ftpSnippetLen {
		snippet = snippet[:ftpSnippetLen]
	}

	l.emit(sess.Event(
		"ftp_upload_abuse",
		fmt.Sprintf("file %q uploaded to the ftp service", filename),
		fact(map[string]any{"filename": filename}),
		fact(map[string]any{"bytes": len(content), "truncated": truncated}),
		fact(map[string]any{"snippet": string(snippet)}),
	))
}

// sendListing serves a plausible empty-ish directory over the data channel.
func sendListing(passive net.Listener) {
	setAcceptDeadline(passive, time.Now().Add(ftpDataTimeout))

	dataConn, err := passive.Accept()
	if err != nil {
		return
	}
	defer dataConn.Close()
	dataConn.SetDeadline(time.Now().Add(ftpDataTimeout))

	fmt.Fprintf(dataConn, "drwxr-xr-x    2 ftp      ftp          4096 Jan 12 09:14 pub\r\n")
	fmt.Fprintf(dataConn, "-rw-r--r--    1 ftp      ftp           164 Jan 12 09:14 welcome.msg\r\n")
}

// setAcceptDeadline bounds the next Accept on listeners that support it.
func setAcceptDeadline(lis net.Listener, t time.Time) {
	type deadliner interface {
		SetDeadline(t time.Time) error
	}
	if d, ok := lis.(deadliner); ok {
		d.SetDeadline(t)
	}
}

// pasvAddress renders the 227 host,port tuple for the passive listener,
// using the address the client already reached us on.
func pasvAddress(control net.Conn, passive net.Listener) string {
	host := "127.0.0.1"
	if addr, ok := control.LocalAddr().(*net.TCPAddr); ok && addr.IP.To4() != nil {
		host = addr.IP.String()
	}

	port := 0
	if addr, ok := passive.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	return fmt.Sprintf("%s,%d,%d", strings.ReplaceAll(host, ".", ","), port/256, port%256)
}

// splitCommandLine parses one CRLF-terminated control line into an
// uppercased verb and its raw argument.
func splitCommandLine(line string) (string, string) {
	line = strings.TrimRight(line, "\r\n")
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}
