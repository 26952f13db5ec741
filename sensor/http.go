package sensor

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hivetrap/hivetrap/config"
	"github.com/hivetrap/hivetrap/logger"
)

const (
	// httpBodyCap bounds how much request body is read for inspection.
	httpBodyCap = 8 * 1024

	// The 404 burst rule: this many missing-page hits inside the window
	// reads as directory enumeration.
	notFoundWindow      = time.Minute
	notFoundThreshold   = 10
	notFoundReportEvery = 2 * time.Minute

	httpShutdownTimeout = 5 * time.Second
)

// systemPaths are the operator surfaces served by the monitor package.
// Requests to them bypass detection and the 404 counter.
var systemPaths = map[string]struct{}{
	"/monitor":                {},
	"/monitor/live":           {},
	"/api-diagnostics":        {},
	"/test-heartbeat":         {},
	"/offline-attacks":        {},
	"/upload-offline-attacks": {},
	"/debug":                  {},
}

func isSystemPath(path string) bool {
	if _, ok := systemPaths[path]; ok {
		return true
	}
	return strings.HasPrefix(path, "/monitor/") || strings.HasPrefix(path, "/debug/")
}

// loginPaths all serve the credential lure. The extra aliases catch tools
// that go straight for CMS admin logins.
var loginPaths = map[string]struct{}{
	"/login":         {},
	"/admin":         {},
	"/administrator": {},
	"/wp-login.php":  {},
}

// HTTPListener serves a small lure site and inspects every request against
// the content rules. The HTTPS variant is the same listener with a TLS
// config attached.
type HTTPListener struct {
	name         string
	protocol     string
	port         int
	scanWindow   time.Duration
	emit         EmitFunc
	trackers     *Trackers
	patterns     *Patterns
	serverHeader string
	tlsConfig    *tls.Config
	ops          http.Handler

	notFound  *ConnTracker
	connStart sync.Map // net.Conn -> time.Time, cleared on first request
}

// NewHTTP builds the plaintext listener. ops carries the operator handlers
// mounted on the system paths, nil serves 404s there instead.
func NewHTTP(cfg *config.Config, emit EmitFunc, trackers *Trackers, patterns *Patterns, ops http.Handler) *HTTPListener {
	return &HTTPListener{
		name:         "http",
		protocol:     "http",
		port:         cfg.Env.Modules.HTTP.Port,
		scanWindow:   cfg.Env.ScanDuration,
		emit:         emit,
		trackers:     trackers,
		patterns:     patterns,
		serverHeader: cfg.Lures.HTTPServerHeader,
		ops:          ops,
		notFound:     NewConnTracker(notFoundWindow, notFoundThreshold, notFoundReportEvery),
	}
}

func (l *HTTPListener) Name() string { return l.name }

func (l *HTTPListener) Port() int { return l.port }

// Sweep purges the listener's private 404 tracker. The shared bundle is
// swept by the janitor directly.
func (l *HTTPListener) Sweep(now time.Time) {
	l.notFound.Sweep(now)
}

func (l *HTTPListener) Start(ctx context.Context) error {
	lis, err := listen(l.name, l.port)
	if err != nil {
		return err
	}
	if l.tlsConfig != nil {
		lis = tls.NewListener(lis, l.tlsConfig)
	}
	lg := logger.GetLogger()
	lg.Info().Str("listener", l.name).Int("port", l.port).Msg("listener started")

	srv := &http.Server{
		Handler:           l.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
		ConnState:         l.trackConn,
		ErrorLog:          stdlog.New(logger.GetLogger(), "", 0),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg := logger.GetLogger()
			lg.Err(err).Str("listener", l.name).Msg("http server stopped")
		}
	}()

	return nil
}

// trackConn applies the scan rule at the TCP level. A connection that
// closes before its first request ever goes active was a probe, provided
// it closed inside the scan window.
func (l *HTTPListener) trackConn(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		l.connStart.Store(conn, time.Now())
	case http.StateActive:
		l.connStart.Delete(conn)
	case http.StateClosed, http.StateHijacked:
		value, ok := l.connStart.LoadAndDelete(conn)
		if !ok {
			return
		}
		started := value.(time.Time)
		duration := time.Since(started)
		if duration >= l.scanWindow {
			return
		}
		ip, port := remoteIP(conn)
		l.emit(Event{
			SourceIP:    ip,
			SourcePort:  port,
			Protocol:    l.protocol,
			Kind:        l.protocol + "_scan",
			Description: "tcp connection closed without an http request",
			Evidence: []string{
				fact(map[string]any{"duration_ms": duration.Milliseconds()}),
			},
			Time: time.Now(),
		})
	}
}

func (l *HTTPListener) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", l.serveRobots)
	mux.HandleFunc("/", l.route)
	return l.detect(mux)
}

// route dispatches everything the mux did not claim: the index, the login
// lures, and the tracked 404 for the rest.
func (l *HTTPListener) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" || r.URL.Path == "/index.html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexPage)
		return
	}
	if _, ok := loginPaths[r.URL.Path]; ok {
		l.serveLogin(w, r)
		return
	}
	l.serveNotFound(w, r)
}

// detect wraps the lure site with the content rules. Order matters and the
// first rule to match is the only one reported for a request.
func (l *HTTPListener) detect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", l.serverHeader)

		if isSystemPath(r.URL.Path) {
			if l.ops != nil {
				l.ops.ServeHTTP(w, r)
				return
			}
			http.NotFound(w, r)
			return
		}

		body := captureBody(r)
		l.inspect(r, body)
		next.ServeHTTP(w, r)
	})
}

// inspect runs the content rules over the request line, the decoded query,
// the body and the user agent.
func (l *HTTPListener) inspect(r *http.Request, body string) {
	input := r.RequestURI
	if decoded, err := url.QueryUnescape(r.RequestURI); err == nil && decoded != r.RequestURI {
		input += " " + decoded
	}
	if body != "" {
		input += " " + body
	}

	var kind, description, matched string
	switch {
	case matchFirst(&matched, l.patterns.MatchEndpoint, r.URL.Path):
		kind, description = "http_suspicious_endpoint", "request for a sensitive path"
	case matchFirst(&matched, MatchSQLi, input):
		kind, description = "http_sqli_attempt", "sql injection pattern in request"
	case matchFirst(&matched, MatchCommandInjection, input):
		kind, description = "http_command_injection", "shell injection pattern in request"
	case matchFirst(&matched, MatchXSS, input):
		kind, description = "http_xss_attempt", "cross-site scripting pattern in request"
	case matchFirst(&matched, MatchTraversal, input):
		kind, description = "http_path_traversal", "path traversal pattern in request"
	case matchFirst(&matched, l.patterns.MatchUserAgent, r.UserAgent()):
		kind, description = "http_scanner_user_agent", "request from a known scanning tool"
	default:
		return
	}

	ip, port := splitAddr(r.RemoteAddr)
	l.emit(Event{
		SourceIP:    ip,
		SourcePort:  port,
		Protocol:    l.protocol,
		Kind:        kind,
		Description: description,
		Evidence: []string{
			fact(map[string]any{"method": r.Method, "path": truncate(r.RequestURI, 512)}),
			fact(map[string]any{"matched": matched}),
			fact(map[string]any{"user_agent": truncate(r.UserAgent(), 256)}),
		},
		Time: time.Now(),
	})
}

func matchFirst(matched *string, matcher func(string) (string, bool), input string) bool {
	token, hit := matcher(input)
	if hit {
		*matched = token
	}
	return hit
}

func (l *HTTPListener) serveRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, robotsFile)
}

// serveLogin presents the credential lure and rejects every submission
// after the usual delay.
func (l *HTTPListener) serveLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, loginPage)
		return
	}

	r.ParseForm()
	username := firstFormValue(r, "username", "user", "log", "email")
	password := firstFormValue(r, "password", "pass", "pwd")

	select {
	case <-time.After(authFailureDelay):
	case <-r.Context().Done():
	}

	ip, port := splitAddr(r.RemoteAddr)
	lg := logger.GetLogger()
	lg.Debug().
		Str("listener", l.name).
		Str("src", ip).
		Str("username", username).
		Msg("login attempt rejected")

	if report, fired := l.trackers.Auth.Record(ip, username, time.Now()); fired {
		l.emit(Event{
			SourceIP:    ip,
			SourcePort:  port,
			Protocol:    l.protocol,
			Kind:        l.protocol + "_bruteforce",
			Description: fmt.Sprintf("%d failed logins against the web form", report.Attempts),
			Evidence: []string{
				fact(map[string]any{"attempts": report.Attempts}),
				fact(map[string]any{"usernames": report.Usernames}),
				fact(map[string]any{"username": username, "password": password}),
			},
			Frequency: report.Attempts,
			Time:      time.Now(),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprint(w, loginFailedPage)
}

func (l *HTTPListener) serveNotFound(w http.ResponseWriter, r *http.Request) {
	ip, port := splitAddr(r.RemoteAddr)
	if report, fired := l.notFound.Record(ip, time.Now()); fired {
		l.emit(Event{
			SourceIP:    ip,
			SourcePort:  port,
			Protocol:    l.protocol,
			Kind:        "http_excessive_404",
			Description: fmt.Sprintf("%d requests for missing pages within one minute", report.Count),
			Evidence: []string{
				fact(map[string]any{"misses": report.Count}),
				fact(map[string]any{"last_path": truncate(r.URL.Path, 256)}),
			},
			Frequency: report.Count,
			Time:      time.Now(),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, notFoundPage)
}

// captureBody reads up to httpBodyCap of the request body for inspection
// and puts it back for the handlers.
func captureBody(r *http.Request) string {
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, httpBodyCap))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	return string(body)
}

func firstFormValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if value := r.PostFormValue(name); value != "" {
			return value
		}
	}
	return ""
}
