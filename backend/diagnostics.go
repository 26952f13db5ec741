package backend

import (
	"strings"
	"sync"
	"time"
)

// RequestInfo describes the last request sent to the backend. The API key is
// redacted before the URL is stored.
type RequestInfo struct {
	Method string    `json:"method"`
	URL    string    `json:"url"`
	Body   string    `json:"body,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// ResponseInfo describes the last response received from the backend.
type ResponseInfo struct {
	Status     int           `json:"status"`
	Body       string        `json:"body,omitempty"`
	Latency    time.Duration `json:"latency_ms"`
	ReceivedAt time.Time     `json:"received_at"`
}

// ErrorInfo describes the last transport or decode failure.
type ErrorInfo struct {
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Diagnostics tracks the health of the backend link. One instance is shared
// between the schedulers and the diagnostic HTTP handlers, all access goes
// through the mutex.
type Diagnostics struct {
	mu sync.Mutex

	lastRequest  *RequestInfo
	lastResponse *ResponseInfo
	lastError    *ErrorInfo

	lastHeartbeatSuccess time.Time
	heartbeatFailures    int
	reportFailures       int
}

// DiagnosticsSnapshot is an immutable copy of the diagnostic state, safe to
// hand to JSON encoders and templates.
type DiagnosticsSnapshot struct {
	LastRequest          *RequestInfo  `json:"last_request,omitempty"`
	LastResponse         *ResponseInfo `json:"last_response,omitempty"`
	LastError            *ErrorInfo    `json:"last_error,omitempty"`
	LastHeartbeatSuccess time.Time     `json:"last_heartbeat_success"`
	HeartbeatFailures    int           `json:"consecutive_heartbeat_failures"`
	ReportFailures       int           `json:"consecutive_report_failures"`
}

func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

// Snapshot copies the current state out from under the lock.
func (d *Diagnostics) Snapshot() DiagnosticsSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := DiagnosticsSnapshot{
		LastHeartbeatSuccess: d.lastHeartbeatSuccess,
		HeartbeatFailures:    d.heartbeatFailures,
		ReportFailures:       d.reportFailures,
	}
	if d.lastRequest != nil {
		request := *d.lastRequest
		snapshot.LastRequest = &request
	}
	if d.lastResponse != nil {
		response := *d.lastResponse
		snapshot.LastResponse = &response
	}
	if d.lastError != nil {
		lastErr := *d.lastError
		snapshot.LastError = &lastErr
	}
	return snapshot
}

func (d *Diagnostics) recordRequest(method, rawURL, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastRequest = &RequestInfo{
		Method: method,
		URL:    redactAPIKey(rawURL),
		Body:   body,
		SentAt: time.Now(),
	}
}

func (d *Diagnostics) recordResponse(status int, body string, latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastResponse = &ResponseInfo{
		Status:     status,
		Body:       body,
		Latency:    latency,
		ReceivedAt: time.Now(),
	}
}

func (d *Diagnostics) recordError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = &ErrorInfo{
		Message:    err.Error(),
		OccurredAt: time.Now(),
	}
}

func (d *Diagnostics) heartbeatSucceeded() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeartbeatSuccess = time.Now()
	d.heartbeatFailures = 0
}

// heartbeatFailed bumps the consecutive failure counter and returns the new
// count so the caller can decide whether to fire a reachability probe.
func (d *Diagnostics) heartbeatFailed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeatFailures++
	return d.heartbeatFailures
}

func (d *Diagnostics) reportSucceeded() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reportFailures = 0
}

func (d *Diagnostics) reportFailed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reportFailures++
	return d.reportFailures
}

// ReportFailures returns the consecutive report failure count.
func (d *Diagnostics) ReportFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reportFailures
}

// HeartbeatFailures returns the consecutive heartbeat failure count.
func (d *Diagnostics) HeartbeatFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heartbeatFailures
}

// LastHeartbeatSuccess returns the time of the last accepted heartbeat.
func (d *Diagnostics) LastHeartbeatSuccess() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeartbeatSuccess
}

// redactAPIKey hides the api_key query parameter value so diagnostic
// endpoints never leak the credential.
func redactAPIKey(rawURL string) string {
	idx := strings.Index(rawURL, "api_key=")
	if idx == -1 {
		return rawURL
	}
	end := strings.IndexByte(rawURL[idx:], '&')
	if end == -1 {
		return rawURL[:idx] + "api_key=***"
	}
	return rawURL[:idx] + "api_key=***" + rawURL[idx+end:]
}
