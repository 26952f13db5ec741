package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envReader reads typed values from the process environment, remembering the
// first parse failure so setEnv can report it after filling every field.
type envReader struct {
	err error
}

func (r *envReader) string(key string, def string) string {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	return value
}

func (r *envReader) boolean(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return value
}

func (r *envReader) integer(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return value
}

// milliseconds parses a variable holding a millisecond count
func (r *envReader) milliseconds(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *envReader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("unable to parse environment variable %s: %w", key, err)
	}
}

// setEnv fills the Env struct from the process environment. Every variable
// has a default so that the honeypot comes up with nothing but the binary.
func (c *Config) setEnv() error {
	var r envReader

	c.Env.HoneypotID = r.string("HONEYPOT_ID", "test")
	// API_KEY may be empty, the backend answers 403 until one is configured
	c.Env.APIKey = os.Getenv("API_KEY")
	c.Env.APIEndpoint = strings.TrimSuffix(r.string("API_ENDPOINT", "http://localhost:3000/api"), "/")

	c.Env.HeartbeatInterval = r.milliseconds("HEARTBEAT_INTERVAL", 60*time.Second)
	c.Env.HeartbeatRetryCount = r.integer("HEARTBEAT_RETRY_COUNT", 3)
	c.Env.HeartbeatRetryDelay = r.milliseconds("HEARTBEAT_RETRY_DELAY", 5*time.Second)

	c.Env.OfflineMode = r.boolean("OFFLINE_MODE", false)
	c.Env.ClearSpoolOnStart = r.boolean("CLEAR_SPOOL_ON_START", true)

	c.Env.MaxReportsPerIP = r.integer("MAX_REPORTS_PER_IP", 5)
	c.Env.IPCacheTTL = r.milliseconds("IP_CACHE_TTL", time.Hour)
	c.Env.StoreThrottledAttacks = r.boolean("STORE_THROTTLED_ATTACKS", false)
	c.Env.ReportUniqueTypesOnly = r.boolean("REPORT_UNIQUE_TYPES_ONLY", false)

	c.Env.ScanDuration = r.milliseconds("SCAN_DURATION_MS", 500*time.Millisecond)

	c.Env.LogDir = r.string("LOG_DIR", "./logs")
	c.Env.KeysDir = r.string("KEYS_DIR", "./keys")
	c.Env.TLSCertFile = os.Getenv("TLS_CERT_FILE")
	c.Env.TLSKeyFile = os.Getenv("TLS_KEY_FILE")

	c.Env.RDNSEnabled = r.boolean("RDNS_ENABLED", false)
	c.Env.RDNSResolver = os.Getenv("RDNS_RESOLVER")

	enableMail := r.boolean("ENABLE_MAIL", true)
	c.Env.Modules = Modules{
		HTTP:           Module{Enabled: r.boolean("ENABLE_HTTP", true), Port: r.integer("HTTP_PORT", 8080)},
		HTTPS:          Module{Enabled: r.boolean("ENABLE_HTTPS", true), Port: r.integer("HTTPS_PORT", 8443)},
		SSH:            Module{Enabled: r.boolean("ENABLE_SSH", true), Port: r.integer("SSH_PORT", 2222)},
		FTP:            Module{Enabled: r.boolean("ENABLE_FTP", true), Port: r.integer("FTP_PORT", 21)},
		SMTP:           Module{Enabled: enableMail, Port: r.integer("SMTP_PORT", 25)},
		SMTPSubmission: Module{Enabled: enableMail, Port: r.integer("SMTP_SUBMISSION_PORT", 587)},
		POP3:           Module{Enabled: enableMail, Port: r.integer("POP3_PORT", 110)},
		IMAP:           Module{Enabled: enableMail, Port: r.integer("IMAP_PORT", 143)},
		MySQL:          Module{Enabled: r.boolean("ENABLE_MYSQL", true), Port: r.integer("MYSQL_PORT", 3306)},
	}

	return r.err
}

// SetTestEnv fills the Env struct for tests, pointing the file sinks at the
// test's temporary directory so packages do not litter their own directories.
func (c *Config) SetTestEnv(tmpDir string) error {
	if err := c.setEnv(); err != nil {
		return err
	}
	c.Env.LogDir = tmpDir
	c.Env.KeysDir = tmpDir
	return nil
}
