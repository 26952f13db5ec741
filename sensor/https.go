package sensor

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/hivetrap/hivetrap/config"

	"github.com/spf13/afero"
)

var errTLSFilesMissing = errors.New("the https module requires TLS_CERT_FILE and TLS_KEY_FILE to be set")

// NewHTTPS builds the TLS variant of the HTTP listener. It shares the
// tracker bundle with the plaintext listener so a crawler working both
// ports is counted once.
func NewHTTPS(cfg *config.Config, afs afero.Fs, emit EmitFunc, trackers *Trackers, patterns *Patterns, ops http.Handler) (*HTTPListener, error) {
	if cfg.Env.TLSCertFile == "" || cfg.Env.TLSKeyFile == "" {
		return nil, errTLSFilesMissing
	}

	certPEM, err := afero.ReadFile(afs, cfg.Env.TLSCertFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read TLS certificate: %w", err)
	}
	keyPEM, err := afero.ReadFile(afs, cfg.Env.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read TLS key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("unable to load TLS key pair: %w", err)
	}

	listener := NewHTTP(cfg, emit, trackers, patterns, ops)
	listener.name = "https"
	listener.protocol = "https"
	listener.port = cfg.Env.Modules.HTTPS.Port
	listener.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		// plenty of scan tooling still speaks TLS 1.0
		MinVersion: tls.VersionTLS10,
	}

	return listener, nil
}
