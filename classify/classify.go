// Package classify normalizes the free-form event vocabulary of the protocol
// listeners into the closed attack taxonomy understood by the scoring
// backend.
package classify

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Observation is the raw detector output handed to the adapter.
type Observation struct {
	SourceIP     string
	InternalKind string
	Description  string
	Evidence     []string
	// Frequency carries a repetition hint from the emitting rule, eg. the
	// auth attempt count behind a bruteforce event. Zero when unknown.
	Frequency int
}

// Attack is a canonical attack record, ready for the report sender and for
// the offline spool.
type Attack struct {
	SourceIP    string   `json:"ip_address"`
	Type        Kind     `json:"attack_type"`
	Category    Category `json:"category"`
	Severity    int      `json:"severity"`
	Score       int      `json:"score"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
	Metadata    Metadata `json:"metadata"`
}

type Metadata struct {
	OriginalType string    `json:"original_type"`
	BaseScore    int       `json:"base_score"`
	EnhancedAt   time.Time `json:"enhanced_at"`
	SourceHost   string    `json:"source_host,omitempty"`
}

// aliases maps listener vocabulary that the suffix rules below cannot derive
var aliases = map[string]Kind{
	"http_sqli_attempt":        SQLiAttempt,
	"mysql_sqli_attempt":       SQLiAttempt,
	"http_xss_attempt":         XSSAttempt,
	"http_path_traversal":      PathTraversal,
	"http_command_injection":   CommandInjection,
	"http_suspicious_endpoint": SuspiciousQuery,
	"suspicious_request":       SuspiciousQuery,
	"http_scanner_user_agent":  SuspiciousUserAgent,
	"http_excessive_404":       Excessive404,
	"smtp_relay_attempt":       MailSpam,
	"smtp_spam_attempt":        MailSpam,
	"email_harvesting":         MailSpam,
}

// Enhance maps a raw observation onto the canonical taxonomy and scores it.
// The canonical kind, category and base score are a pure function of the
// observation; only the enhancement timestamp differs between runs.
func Enhance(obs Observation) Attack {
	internal := strings.ToLower(strings.TrimSpace(obs.InternalKind))

	kind := mapKind(internal)
	kind = refine(kind, obs.Evidence)
	profile := taxonomy[kind]

	severity := severityFor(profile)
	// crank severity for events with rich evidence or a high repeat count
	if len(obs.Evidence) > 3 || obs.Frequency > 10 {
		severity++
	}
	if severity > 5 {
		severity = 5
	}

	description := obs.Description
	if description == "" {
		description = fmt.Sprintf("%s activity observed", kind)
	}

	return Attack{
		SourceIP:    obs.SourceIP,
		Type:        kind,
		Category:    profile.Category,
		Severity:    severity,
		Score:       profile.Base,
		Description: description,
		Evidence:    append([]string(nil), obs.Evidence...),
		Metadata: Metadata{
			OriginalType: internal,
			BaseScore:    profile.Base,
			EnhancedAt:   time.Now(),
		},
	}
}

// mapKind resolves an internal kind to a canonical one. Canonical names pass
// through, known aliases map directly, and the listeners' generated suffix
// vocabulary is folded by rule. Everything else lands on the honeypot kind.
func mapKind(internal string) Kind {
	if _, ok := taxonomy[Kind(internal)]; ok {
		return Kind(internal)
	}

	if kind, ok := aliases[internal]; ok {
		return kind
	}

	switch {
	case strings.HasSuffix(internal, "_bruteforce"), strings.HasSuffix(internal, "_bruteforce_scan"):
		if strings.HasPrefix(internal, "ssh") {
			return SSHBruteforce
		}
		return CredentialStuffing
	case strings.HasSuffix(internal, "_scan"):
		return PortScan
	}

	return Honeypot
}

// refine sharpens a generic suspicious-query label when the evidence clearly
// shows an injection technique. Other kinds are never overridden.
func refine(kind Kind, evidence []string) Kind {
	if kind != SuspiciousQuery {
		return kind
	}

	joined := strings.ToLower(strings.Join(evidence, " "))
	switch {
	case strings.Contains(joined, "union select") || strings.Contains(joined, "information_schema"):
		return SQLiAttempt
	case strings.Contains(joined, "script") && (strings.Contains(joined, "alert") || strings.Contains(joined, "cookie")):
		return XSSAttempt
	case strings.Contains(joined, "../") || strings.Contains(joined, "..%2f"):
		return PathTraversal
	}

	return kind
}

// severityFor buckets a canonical kind into the 1-5 scale the backend expects
func severityFor(profile Profile) int {
	switch profile.Category {
	case CategoryInjection, CategoryDoS:
		switch {
		case profile.Base >= 35:
			return 5
		case profile.Base >= 16:
			return 4
		default:
			return 3
		}
	case CategoryAuthentication:
		return 4
	case CategoryMalware, CategoryIntrusion:
		if profile.Base >= 35 {
			return 5
		}
		return 4
	case CategoryAbuse, CategoryAnonymity:
		if profile.Base >= 8 {
			return 3
		}
		return 2
	default:
		// reconnaissance and general
		return 2
	}
}

// NormalizeEvidence coerces arbitrary evidence into the ordered string
// sequence the backend requires. Strings pass through, string sequences stay
// in order, anything else is JSON-serialized and wrapped.
func NormalizeEvidence(value any) []string {
	switch v := value.(type) {
	case nil:
		return []string{}
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		normalized := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				normalized = append(normalized, s)
				continue
			}
			encoded, err := json.MarshalToString(item)
			if err != nil {
				encoded = fmt.Sprintf("%v", item)
			}
			normalized = append(normalized, encoded)
		}
		return normalized
	default:
		encoded, err := json.MarshalToString(v)
		if err != nil {
			encoded = fmt.Sprintf("%v", v)
		}
		return []string{encoded}
	}
}
