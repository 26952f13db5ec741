package sensor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/hivetrap/hivetrap/config"
	"github.com/hivetrap/hivetrap/logger"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// sshScanTimeout is how long an accepted SSH connection may sit without an
// authentication attempt before it is called a port scan. Plain TCP
// scanners never start the SSH handshake. Variable so tests can shrink it.
var sshScanTimeout = 5 * time.Second

const (
	sshMaxAuthTries = 6

	hostKeyFile = "ssh_host_ed25519_key"
)

// SSHListener answers the SSH handshake with a configurable server banner
// and rejects every authentication attempt after recording it.
type SSHListener struct {
	tcpListener
	banner  string
	hostKey ssh.Signer
}

// NewSSH builds the listener, loading the persisted host key or generating
// one on first run. A stable host key matters, a honeypot that changes keys
// on every restart trips client known-hosts warnings and looks reinstalled.
func NewSSH(cfg *config.Config, afs afero.Fs, emit EmitFunc, trackers *Trackers) (*SSHListener, error) {
	hostKey, err := loadOrCreateHostKey(afs, cfg.Env.KeysDir)
	if err != nil {
		return nil, fmt.Errorf("unable to prepare ssh host key: %w", err)
	}

	return &SSHListener{
		tcpListener: tcpListener{
			name:       "ssh",
			protocol:   "ssh",
			port:       cfg.Env.Modules.SSH.Port,
			scanWindow: cfg.Env.ScanDuration,
			emit:       emit,
			trackers:   trackers,
		},
		banner:  cfg.Lures.SSHBanner,
		hostKey: hostKey,
	}, nil
}

func (l *SSHListener) Start(ctx context.Context) error {
	return l.open(ctx, l.handle)
}

func (l *SSHListener) handle(ctx context.Context, sess *Session, conn net.Conn) {
	// The scan timer and the auth callbacks race by nature. Both take their
	// decision under the session mutex, so exactly one interpretation of the
	// connection wins.
	timer := time.AfterFunc(sshScanTimeout, func() {
		if sess.AuthAttempts() > 0 || !sess.markScanEmitted() {
			return
		}
		l.emit(sess.Event(
			"port_scan",
			"ssh connection held open without an authentication attempt",
			fact(map[string]any{"waited_ms": sshScanTimeout.Milliseconds()}),
		))
	})
	defer timer.Stop()

	serverCfg := &ssh.ServerConfig{
		ServerVersion: l.banner,
		MaxAuthTries:  sshMaxAuthTries,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			timer.Stop()
			l.failAuth(ctx, sess, meta.User(), string(password))
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			timer.Stop()
			l.failAuth(ctx, sess, meta.User(), "")
			return nil, fmt.Errorf("public key rejected for %q", meta.User())
		},
	}
	serverCfg.AddHostKey(l.hostKey)

	serverConn, chans, reqs, err := ssh.NewServerConn(conn, serverCfg)
	if err != nil {
		// every handshake lands here, no credential is ever accepted
		return
	}

	// should auth somehow pass, never grant a channel
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		newChan.Reject(ssh.Prohibited, "administratively prohibited")
	}
	serverConn.Close()
}

func loadOrCreateHostKey(afs afero.Fs, keysDir string) (ssh.Signer, error) {
	path := filepath.Join(keysDir, hostKeyFile)

	exists, err := afero.Exists(afs, path)
	if err != nil {
		return nil, err
	}

	if exists {
		pemBytes, err := afero.ReadFile(afs, path)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse host key %s: %w", path, err)
		}
		return signer, nil
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	block, err := ssh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return nil, err
	}

	if err := afs.MkdirAll(keysDir, 0o700); err != nil {
		return nil, err
	}
	if err := afero.WriteFile(afs, path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	lg := logger.GetLogger()
	lg.Info().Str("path", path).Msg("generated new ssh host key")

	return ssh.NewSignerFromSigner(privateKey)
}
