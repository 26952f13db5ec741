package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnhanceMapsListenerVocabulary(t *testing.T) {
	tests := []struct {
		name             string
		internalKind     string
		expectedKind     Kind
		expectedCategory Category
		expectedScore    int
	}{
		{"http scan", "http_scan", PortScan, CategoryReconnaissance, 8},
		{"generic port scan", "port_scan", PortScan, CategoryReconnaissance, 8},
		{"uppercase input is folded", "PORT_SCAN", PortScan, CategoryReconnaissance, 8},
		{"ssh bruteforce", "ssh_bruteforce", SSHBruteforce, CategoryAuthentication, 18},
		{"ssh rapid connections", "ssh_bruteforce_scan", SSHBruteforce, CategoryAuthentication, 18},
		{"ftp bruteforce", "ftp_bruteforce", CredentialStuffing, CategoryAuthentication, 11},
		{"pop3 rapid connections", "pop3_bruteforce_scan", CredentialStuffing, CategoryAuthentication, 11},
		{"smtp relay attempt", "smtp_relay_attempt", MailSpam, CategoryAbuse, 19},
		{"smtp spam attempt", "smtp_spam_attempt", MailSpam, CategoryAbuse, 19},
		{"email harvesting", "email_harvesting", MailSpam, CategoryAbuse, 19},
		{"http sql injection", "http_sqli_attempt", SQLiAttempt, CategoryInjection, 16},
		{"mysql sql injection", "mysql_sqli_attempt", SQLiAttempt, CategoryInjection, 16},
		{"http xss", "http_xss_attempt", XSSAttempt, CategoryInjection, 12},
		{"http command injection", "http_command_injection", CommandInjection, CategoryInjection, 20},
		{"http path traversal", "http_path_traversal", PathTraversal, CategoryInjection, 13},
		{"suspicious endpoint", "http_suspicious_endpoint", SuspiciousQuery, CategoryReconnaissance, 4},
		{"scanner user agent", "http_scanner_user_agent", SuspiciousUserAgent, CategoryReconnaissance, 2},
		{"excessive 404", "http_excessive_404", Excessive404, CategoryReconnaissance, 3},
		{"canonical kind passes through", "ddos", DDoS, CategoryDoS, 40},
		{"canonical tor exit passes through", "tor_exit", TorExit, CategoryAnonymity, 10},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			attack := Enhance(Observation{SourceIP: "203.0.113.7", InternalKind: test.internalKind})

			require.Equal(t, test.expectedKind, attack.Type, "canonical kind should match expected value")
			require.Equal(t, test.expectedCategory, attack.Category, "category should match expected value")
			require.Equal(t, test.expectedScore, attack.Score, "base score should match expected value")
			require.Equal(t, strings.ToLower(test.internalKind), attack.Metadata.OriginalType, "metadata should carry the original kind")
		})
	}
}

func TestEnhanceFallsBackToHoneypot(t *testing.T) {
	attack := Enhance(Observation{SourceIP: "203.0.113.7", InternalKind: "totally_unknown"})

	require.Equal(t, Honeypot, attack.Type, "unknown kinds must fall back to the honeypot kind")
	require.Equal(t, CategoryGeneral, attack.Category)
	require.Equal(t, 2, attack.Severity)
	require.Equal(t, 9, attack.Score)
	require.Equal(t, "totally_unknown", attack.Metadata.OriginalType, "original kind must be preserved in metadata")
}

func TestEnhanceIsDeterministic(t *testing.T) {
	obs := Observation{
		SourceIP:     "198.51.100.23",
		InternalKind: "http_sqli_attempt",
		Description:  "sql injection in query string",
		Evidence:     []string{`{"path":"/search"}`, `{"query":"' OR 1=1--"}`},
	}

	first := Enhance(obs)
	for i := 0; i < 25; i++ {
		again := Enhance(obs)
		require.Equal(t, first.Type, again.Type, "kind must be stable across runs")
		require.Equal(t, first.Category, again.Category, "category must be stable across runs")
		require.Equal(t, first.Score, again.Score, "base score must be stable across runs")
		require.Equal(t, first.Severity, again.Severity, "severity must be stable across runs")
		require.Equal(t, first.Evidence, again.Evidence, "evidence must be stable across runs")
	}
}

func TestEnhanceStaysInTaxonomy(t *testing.T) {
	inputs := []string{
		"",
		"  ",
		"http_scan",
		"garbage",
		"SELECT * FROM users",
		"a_bruteforce",
		"x_scan",
		"_scan",
		"mail_spam",
		"sqli_attempt",
		"💥",
		strings.Repeat("a", 4096),
	}

	for _, input := range inputs {
		attack := Enhance(Observation{InternalKind: input})
		_, ok := Lookup(attack.Type)
		require.True(t, ok, "kind %q produced %q which is not in the taxonomy", input, attack.Type)
	}
}

func TestRefineSuspiciousQueries(t *testing.T) {
	tests := []struct {
		name         string
		internalKind string
		evidence     []string
		expected     Kind
	}{
		{
			name:         "union select refines to sqli",
			internalKind: "suspicious_request",
			evidence:     []string{`{"query":"1 UNION SELECT password FROM users"}`},
			expected:     SQLiAttempt,
		},
		{
			name:         "information_schema refines to sqli",
			internalKind: "http_suspicious_endpoint",
			evidence:     []string{`{"path":"/admin?t=information_schema.tables"}`},
			expected:     SQLiAttempt,
		},
		{
			name:         "script with alert refines to xss",
			internalKind: "suspicious_request",
			evidence:     []string{`{"query":"<script>alert(1)</script>"}`},
			expected:     XSSAttempt,
		},
		{
			name:         "script with cookie refines to xss",
			internalKind: "suspicious_request",
			evidence:     []string{`{"query":"<script>document.cookie</script>"}`},
			expected:     XSSAttempt,
		},
		{
			name:         "dot dot slash refines to traversal",
			internalKind: "suspicious_request",
			evidence:     []string{`{"path":"/../../etc/passwd"}`},
			expected:     PathTraversal,
		},
		{
			name:         "encoded traversal refines to traversal",
			internalKind: "suspicious_request",
			evidence:     []string{`{"path":"/..%2F..%2Fetc%2Fpasswd"}`},
			expected:     PathTraversal,
		},
		{
			name:         "benign evidence stays suspicious query",
			internalKind: "suspicious_request",
			evidence:     []string{`{"path":"/admin"}`},
			expected:     SuspiciousQuery,
		},
		{
			name:         "non-generic kinds are never refined",
			internalKind: "http_sqli_attempt",
			evidence:     []string{`{"query":"<script>alert(1)</script>"}`},
			expected:     SQLiAttempt,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			attack := Enhance(Observation{InternalKind: test.internalKind, Evidence: test.evidence})
			require.Equal(t, test.expected, attack.Type, "refined kind should match expected value")
		})
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		name     string
		obs      Observation
		expected int
	}{
		{
			name:     "sql injection scores at least four",
			obs:      Observation{InternalKind: "http_sqli_attempt"},
			expected: 4,
		},
		{
			name:     "xss sits below the sqli threshold",
			obs:      Observation{InternalKind: "http_xss_attempt"},
			expected: 3,
		},
		{
			name:     "bruteforce scores four",
			obs:      Observation{InternalKind: "ssh_bruteforce"},
			expected: 4,
		},
		{
			name:     "scan scores two",
			obs:      Observation{InternalKind: "ftp_scan"},
			expected: 2,
		},
		{
			name:     "rich evidence bumps severity",
			obs:      Observation{InternalKind: "http_sqli_attempt", Evidence: []string{"a", "b", "c", "d"}},
			expected: 5,
		},
		{
			name:     "high frequency bumps severity",
			obs:      Observation{InternalKind: "http_scan", Frequency: 11},
			expected: 3,
		},
		{
			name:     "bump caps at five",
			obs:      Observation{InternalKind: "ddos", Evidence: []string{"a", "b", "c", "d"}},
			expected: 5,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			attack := Enhance(test.obs)
			require.Equal(t, test.expected, attack.Severity, "severity should match expected value")
		})
	}
}

func TestNormalizeEvidence(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected []string
	}{
		{"nil becomes empty", nil, []string{}},
		{"string is wrapped", "suspicious login", []string{"suspicious login"}},
		{"string slice keeps order", []string{"b", "a", "c"}, []string{"b", "a", "c"}},
		{
			"mixed slice serializes non-strings",
			[]any{"first", 42, map[string]any{"user": "root"}},
			[]string{"first", "42", `{"user":"root"}`},
		},
		{"number is serialized and wrapped", 7, []string{"7"}},
		{"map is serialized and wrapped", map[string]int{"attempts": 3}, []string{`{"attempts":3}`}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, NormalizeEvidence(test.input), "normalized evidence should match expected value")
		})
	}
}
