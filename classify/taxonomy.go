package classify

import "sort"

// Kind is a canonical attack type accepted by the scoring backend. The set is
// closed; everything a listener can emit maps onto exactly one Kind.
type Kind string

// Category groups canonical kinds for severity scoring.
type Category string

const (
	CategoryReconnaissance Category = "reconnaissance"
	CategoryAbuse          Category = "abuse"
	CategoryAuthentication Category = "authentication"
	CategoryInjection      Category = "injection"
	CategoryDoS            Category = "dos"
	CategoryIntrusion      Category = "intrusion"
	CategoryMalware        Category = "malware"
	CategoryAnonymity      Category = "anonymity"
	CategoryGeneral        Category = "general"
)

const (
	SuspiciousUserAgent Kind = "suspicious_user_agent"
	DirectoryListing    Kind = "directory_listing"
	Excessive404        Kind = "excessive_404"
	SuspiciousQuery     Kind = "suspicious_query"
	FakeCrawler         Kind = "fake_crawler"
	RateLimitBreach     Kind = "rate_limit_breach"
	APIAbuse            Kind = "api_abuse"
	PortScan            Kind = "port_scan"
	CommentSpam         Kind = "comment_spam"
	Honeypot            Kind = "honeypot"
	CredentialStuffing  Kind = "credential_stuffing"
	XSSAttempt          Kind = "xss_attempt"
	CSRFAttempt         Kind = "csrf_attempt"
	PathTraversal       Kind = "path_traversal"
	AuthBreach          Kind = "auth_breach"
	SQLiAttempt         Kind = "sqli_attempt"
	SSHBruteforce       Kind = "ssh_bruteforce"
	HTTPFlood           Kind = "http_flood"
	MailSpam            Kind = "mail_spam"
	CommandInjection    Kind = "command_injection"
	HTTPInjection       Kind = "http_injection"
	DataExfiltration    Kind = "data_exfiltration"
	BotnetActivity      Kind = "botnet_activity"
	Ransomware          Kind = "ransomware"
	DDoS                Kind = "ddos"
	TargetedAttack      Kind = "targeted_attack"
	Manual              Kind = "manual"
	TorExit             Kind = "tor_exit"
	ProxyAbuse          Kind = "proxy_abuse"
	VPNAbuse            Kind = "vpn_abuse"
)

// Profile is the scoring profile the backend associates with a canonical kind.
type Profile struct {
	Base     int
	Category Category
}

// taxonomy is the closed canonical set. Base scores mirror the backend's own
// vocabulary, do not invent kinds the backend cannot score.
var taxonomy = map[Kind]Profile{
	SuspiciousUserAgent: {Base: 2, Category: CategoryReconnaissance},
	DirectoryListing:    {Base: 3, Category: CategoryReconnaissance},
	Excessive404:        {Base: 3, Category: CategoryReconnaissance},
	SuspiciousQuery:     {Base: 4, Category: CategoryReconnaissance},
	FakeCrawler:         {Base: 4, Category: CategoryReconnaissance},
	RateLimitBreach:     {Base: 6, Category: CategoryAbuse},
	APIAbuse:            {Base: 7, Category: CategoryAbuse},
	PortScan:            {Base: 8, Category: CategoryReconnaissance},
	CommentSpam:         {Base: 8, Category: CategoryAbuse},
	Honeypot:            {Base: 9, Category: CategoryGeneral},
	CredentialStuffing:  {Base: 11, Category: CategoryAuthentication},
	XSSAttempt:          {Base: 12, Category: CategoryInjection},
	CSRFAttempt:         {Base: 12, Category: CategoryAuthentication},
	PathTraversal:       {Base: 13, Category: CategoryInjection},
	AuthBreach:          {Base: 15, Category: CategoryAuthentication},
	SQLiAttempt:         {Base: 16, Category: CategoryInjection},
	SSHBruteforce:       {Base: 18, Category: CategoryAuthentication},
	HTTPFlood:           {Base: 18, Category: CategoryDoS},
	MailSpam:            {Base: 19, Category: CategoryAbuse},
	CommandInjection:    {Base: 20, Category: CategoryInjection},
	HTTPInjection:       {Base: 22, Category: CategoryInjection},
	DataExfiltration:    {Base: 25, Category: CategoryIntrusion},
	BotnetActivity:      {Base: 28, Category: CategoryMalware},
	Ransomware:          {Base: 35, Category: CategoryMalware},
	DDoS:                {Base: 40, Category: CategoryDoS},
	TargetedAttack:      {Base: 45, Category: CategoryIntrusion},
	Manual:              {Base: 15, Category: CategoryGeneral},
	TorExit:             {Base: 10, Category: CategoryAnonymity},
	ProxyAbuse:          {Base: 8, Category: CategoryAnonymity},
	VPNAbuse:            {Base: 7, Category: CategoryAnonymity},
}

// Lookup returns the scoring profile for a canonical kind
func Lookup(kind Kind) (Profile, bool) {
	profile, ok := taxonomy[kind]
	return profile, ok
}

// Kinds returns the canonical kinds sorted by name
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(taxonomy))
	for kind := range taxonomy {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
