package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hivetrap/hivetrap/classify"
	"github.com/hivetrap/hivetrap/config"
	"github.com/hivetrap/hivetrap/logger"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	heartbeatTimeout = 10 * time.Second
	reportTimeout    = 5 * time.Second
	pingTimeout      = 5 * time.Second

	// heartbeat failures tolerated before a reachability probe is fired
	probeAfterFailures = 3

	sourceName = "honeypot"
)

var (
	// ErrPermissionDenied marks a 403 from the report endpoint, the API key
	// exists but lacks report permissions.
	ErrPermissionDenied = errors.New("backend rejected the API key with status 403, check the key's report permissions")

	errUnexpectedStatus = errors.New("backend returned an unexpected status")
)

// Client talks to the scoring backend. One instance is shared by the report
// pipeline, the schedulers and the diagnostic handlers.
type Client struct {
	// BaseURL is exported so tests can point the client at a local server
	BaseURL    string
	apiKey     string
	honeypotID string

	offline    bool
	retryCount int
	retryDelay time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter

	spool    *Spool
	diag     *Diagnostics
	resolver *Resolver

	replayProgress func()
}

func NewClient(cfg *config.Config, afs afero.Fs) *Client {
	client := &Client{
		BaseURL:    cfg.Env.APIEndpoint,
		apiKey:     cfg.Env.APIKey,
		honeypotID: cfg.Env.HoneypotID,
		offline:    cfg.Env.OfflineMode,
		retryCount: cfg.Env.HeartbeatRetryCount,
		retryDelay: cfg.Env.HeartbeatRetryDelay,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(5, 5),
		spool:      NewSpool(afs, cfg.Env.LogDir),
		diag:       NewDiagnostics(),
	}
	if cfg.Env.RDNSEnabled {
		client.resolver = NewResolver(cfg.Env.RDNSResolver)
	}
	return client
}

// Spool returns the offline attack store.
func (c *Client) Spool() *Spool { return c.spool }

// Diagnostics returns the shared link-health record.
func (c *Client) Diagnostics() *Diagnostics { return c.diag }

// Offline reports whether the client was configured to never contact the
// backend.
func (c *Client) Offline() bool { return c.offline }

// OnReplayProgress registers a callback fired once per record delivered by
// Replay. Set it before Replay runs, it is not guarded by a lock.
func (c *Client) OnReplayProgress(fn func()) { c.replayProgress = fn }

// HoneypotID returns the identifier sent with heartbeats and reports.
func (c *Client) HoneypotID() string { return c.honeypotID }

// Report delivers one enhanced attack to the backend. Evidence is normalized
// immediately before the send so spooled records are replayed byte for byte.
// Any delivery failure stores the record in the spool, the record is never
// lost.
func (c *Client) Report(ctx context.Context, attack classify.Attack) error {
	attack.Evidence = classify.NormalizeEvidence(attack.Evidence)
	if c.resolver != nil && attack.Metadata.SourceHost == "" {
		attack.Metadata.SourceHost = c.resolver.Reverse(ctx, attack.SourceIP)
	}

	if c.offline {
		lg := logger.GetLogger()
		lg.Debug().
			Str("ip", attack.SourceIP).
			Str("attack_type", string(attack.Type)).
			Msg("offline mode, spooling report")
		return c.spool.Append(attack, false)
	}

	if err := c.send(ctx, attack); err != nil {
		failures := c.diag.reportFailed()
		lg := logger.GetLogger()
		lg.Warn().Err(err).
			Str("ip", attack.SourceIP).
			Str("attack_type", string(attack.Type)).
			Int("consecutive_failures", failures).
			Msg("report failed, spooling for replay")
		if spoolErr := c.spool.Append(attack, false); spoolErr != nil {
			lg.Err(spoolErr).Msg("unable to spool failed report")
		}
		return err
	}

	c.diag.reportSucceeded()
	return nil
}

// StoreThrottled persists a suppressed record for the operator without
// contacting the backend.
func (c *Client) StoreThrottled(attack classify.Attack) error {
	attack.Evidence = classify.NormalizeEvidence(attack.Evidence)
	return c.spool.Append(attack, true)
}

// send performs the actual report POST. Used by Report and by the replay
// pass, which must not re-spool on failure.
func (c *Client) send(ctx context.Context, attack classify.Attack) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body := reportBody{
		IPAddress:   attack.SourceIP,
		AttackType:  string(attack.Type),
		Description: attack.Description,
		Evidence:    classify.NormalizeEvidence(attack.Evidence),
		Severity:    attack.Severity,
		Category:    string(attack.Category),
		Source:      sourceName,
	}

	endpoint := fmt.Sprintf("%s/honeypot/report-ip?api_key=%s", c.BaseURL, url.QueryEscape(c.apiKey))
	status, _, err := c.post(ctx, endpoint, body, reportTimeout)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusForbidden:
		return ErrPermissionDenied
	case status < 200 || status > 299:
		return fmt.Errorf("%w: %d", errUnexpectedStatus, status)
	}
	return nil
}

type reportBody struct {
	IPAddress   string   `json:"ip_address"`
	AttackType  string   `json:"attack_type"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
	Severity    int      `json:"severity"`
	Category    string   `json:"category"`
	Source      string   `json:"source"`
}

// Heartbeat sends one liveness beat. In debug mode a failed beat is retried
// once after the configured delay while the consecutive failure count is
// within the retry budget. The third consecutive failure fires a one-shot
// reachability probe so the log shows whether the endpoint is down or just
// rejecting heartbeats.
func (c *Client) Heartbeat(ctx context.Context) error {
	if c.offline {
		return nil
	}

	err := c.beat(ctx)
	if err == nil {
		c.diag.heartbeatSucceeded()
		return nil
	}

	failures := c.diag.heartbeatFailed()
	lg := logger.GetLogger()
	lg.Warn().Err(err).
		Int("consecutive_failures", failures).
		Msg("heartbeat failed")

	if logger.DebugMode && failures <= c.retryCount {
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return err
		}
		if retryErr := c.beat(ctx); retryErr == nil {
			c.diag.heartbeatSucceeded()
			lg.Debug().Msg("heartbeat retry succeeded")
			return nil
		}
		failures = c.diag.heartbeatFailed()
	}

	if failures == probeAfterFailures {
		go func() {
			probe := c.Ping(context.Background())
			lg := logger.GetLogger()
			lg.Warn().
				Bool("reachable", probe.OK).
				Int("status", probe.Status).
				Str("error", probe.Error).
				Msg("backend reachability probe after repeated heartbeat failures")
		}()
	}
	return err
}

func (c *Client) beat(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/honeypot/heartbeat?api_key=%s", c.BaseURL, url.QueryEscape(c.apiKey))
	status, _, err := c.post(ctx, endpoint, map[string]string{"honeypot_id": c.honeypotID}, heartbeatTimeout)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: %d", errUnexpectedStatus, status)
	}
	return nil
}

// PingResult is the outcome of a reachability probe.
type PingResult struct {
	OK      bool          `json:"ok"`
	Status  int           `json:"status,omitempty"`
	Latency time.Duration `json:"latency_ms,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Ping checks whether the backend answers at all. It never returns an error,
// the result carries the failure.
func (c *Client) Ping(ctx context.Context) PingResult {
	endpoint := fmt.Sprintf("%s/ping?api_key=%s", c.BaseURL, url.QueryEscape(c.apiKey))

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PingResult{Error: err.Error()}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.diag.recordError(err)
		return PingResult{Error: err.Error(), Latency: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return PingResult{
		OK:      resp.StatusCode >= 200 && resp.StatusCode <= 299,
		Status:  resp.StatusCode,
		Latency: time.Since(start),
	}
}

// Lookup fetches the backend's current view of one IP. Diagnostic use only.
func (c *Client) Lookup(ctx context.Context, ip string) (jsoniter.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/get?api_key=%s&ip=%s", c.BaseURL, url.QueryEscape(c.apiKey), url.QueryEscape(ip))

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	}
	return raw, nil
}

// Replay attempts to deliver every pending spooled record, oldest first.
// Delivered records leave the spool, failed ones stay pending, and records
// that were never pending (throttled, operator-only) are preserved as they
// are. Safe to call concurrently with Report, delivery happens outside the
// spool lock.
func (c *Client) Replay(ctx context.Context) (uploaded int, remaining int, err error) {
	if c.offline {
		_, pending, statsErr := c.spool.Stats()
		return 0, pending, statsErr
	}

	entries, err := c.spool.All()
	if err != nil {
		return 0, 0, err
	}

	pendingBefore := 0
	for i := range entries {
		if entries[i].PendingUpload {
			pendingBefore++
		}
	}
	if pendingBefore == 0 {
		return 0, 0, nil
	}

	kept := make([]SpoolEntry, 0, len(entries))
	for i := range entries {
		if !entries[i].PendingUpload {
			kept = append(kept, entries[i])
			continue
		}
		if ctx.Err() != nil {
			kept = append(kept, entries[i])
			remaining++
			continue
		}
		if sendErr := c.send(ctx, entries[i].Attack); sendErr != nil {
			kept = append(kept, entries[i])
			remaining++
			continue
		}
		uploaded++
		if c.replayProgress != nil {
			c.replayProgress()
		}
	}

	if uploaded > 0 {
		c.diag.reportSucceeded()
	}
	if err := c.spool.Replace(kept); err != nil {
		return uploaded, remaining, err
	}

	lg := logger.GetLogger()
	lg.Info().
		Int("uploaded", uploaded).
		Int("remaining", remaining).
		Msg("spool replay finished")
	return uploaded, remaining, nil
}

// post sends a JSON body and returns the status code and response body. The
// exchange is recorded in the diagnostics before the status is interpreted.
func (c *Client) post(ctx context.Context, endpoint string, body interface{}, timeout time.Duration) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.diag.recordRequest(http.MethodPost, endpoint, string(payload))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.diag.recordError(err)
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.diag.recordError(err)
		return resp.StatusCode, nil, err
	}

	c.diag.recordResponse(resp.StatusCode, string(raw), time.Since(start))
	return resp.StatusCode, raw, nil
}
