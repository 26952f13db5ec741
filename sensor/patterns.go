package sensor

import (
	"strings"

	"github.com/hivetrap/hivetrap/config"
)

// The injection token sets are small and lowercase. Input is folded before
// matching.
var (
	sqliTokens = []string{
		"union select",
		"or 1=1",
		"or '1'='1",
		"' or '",
		"admin'--",
		"information_schema",
		"sleep(",
		"benchmark(",
		"into outfile",
		"load_file",
		"drop table",
		"; --",
	}

	xssTokens = []string{
		"<script",
		"javascript:",
		"onerror=",
		"onload=",
		"alert(",
		"document.cookie",
		"<img src",
		"<svg",
		"<iframe",
	}

	commandInjectionTokens = []string{
		"$(",
		"`",
		"&&",
		"||",
		";ls",
		"; ls",
		";cat",
		"; cat",
		";id",
		"; id",
		"|id",
		"| id",
		"wget http",
		"curl http",
		"/bin/sh",
		"/bin/bash",
		"nc -e",
		"rm -rf",
		"chmod 777",
		"/etc/shadow",
	}

	traversalTokens = []string{
		"../",
		"..\\",
		"..%2f",
		"..%5c",
		"%2e%2e%2f",
		"%2e%2e/",
		"/etc/passwd",
		"c:\\windows",
		"boot.ini",
	}
)

func matchToken(input string, tokens []string) (string, bool) {
	folded := strings.ToLower(input)
	for _, token := range tokens {
		if strings.Contains(folded, token) {
			return token, true
		}
	}
	return "", false
}

// MatchSQLi reports the first SQL injection token found in input.
func MatchSQLi(input string) (string, bool) {
	return matchToken(input, sqliTokens)
}

// MatchXSS reports the first cross-site scripting token found in input.
func MatchXSS(input string) (string, bool) {
	return matchToken(input, xssTokens)
}

// MatchCommandInjection reports the first shell injection token found in input.
func MatchCommandInjection(input string) (string, bool) {
	return matchToken(input, commandInjectionTokens)
}

// MatchTraversal reports the first path traversal token found in input.
func MatchTraversal(input string) (string, bool) {
	return matchToken(input, traversalTokens)
}

// Patterns holds the matchers built from the tunable detection lists. The
// lists come from config so operators can extend them without a rebuild,
// unlike the injection token sets above.
type Patterns struct {
	endpoints   []string
	userAgents  []string
	spamPhrases []string
}

// NewPatterns folds the configured lists once up front.
func NewPatterns(detection config.Detection) *Patterns {
	return &Patterns{
		endpoints:   foldAll(detection.SuspiciousEndpoints),
		userAgents:  foldAll(detection.ScannerUserAgents),
		spamPhrases: foldAll(detection.SpamPhrases),
	}
}

// MatchEndpoint reports the first configured endpoint the request path
// contains. Substring rather than prefix match so /site/.git/config and
// /backup.sql.gz both hit.
func (p *Patterns) MatchEndpoint(path string) (string, bool) {
	return matchToken(path, p.endpoints)
}

// MatchUserAgent reports the first configured scanner token the user agent
// contains.
func (p *Patterns) MatchUserAgent(userAgent string) (string, bool) {
	return matchToken(userAgent, p.userAgents)
}

// MatchSpamPhrase reports the first configured spam phrase the body
// contains.
func (p *Patterns) MatchSpamPhrase(body string) (string, bool) {
	return matchToken(body, p.spamPhrases)
}

// countURLs counts the http and https links in a message body.
func countURLs(body string) int {
	folded := strings.ToLower(body)
	return strings.Count(folded, "http://") + strings.Count(folded, "https://")
}

// hasHiddenContent reports whether the body styles content invisible, a
// common spam trick for slipping text past human review.
func hasHiddenContent(body string) bool {
	folded := strings.ToLower(strings.ReplaceAll(body, " ", ""))
	for _, token := range []string{"display:none", "visibility:hidden", "font-size:0", "opacity:0"} {
		if strings.Contains(folded, token) {
			return true
		}
	}
	return false
}

func foldAll(list []string) []string {
	folded := make([]string, len(list))
	for i, entry := range list {
		folded[i] = strings.ToLower(entry)
	}
	return folded
}
