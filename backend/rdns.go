package backend

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hivetrap/hivetrap/logger"

	"github.com/miekg/dns"
)

const (
	rdnsTimeout  = 2 * time.Second
	rdnsCacheTTL = 10 * time.Minute
	rdnsCacheMax = 4096
)

// Resolver performs best-effort reverse lookups for report enrichment. A
// failed or slow lookup yields an empty host name, a report is never held up
// past the lookup timeout.
type Resolver struct {
	server string
	client *dns.Client

	mu    sync.Mutex
	cache map[string]rdnsEntry
}

type rdnsEntry struct {
	host    string
	expires time.Time
}

// NewResolver builds a resolver against the given "host:port" server. An
// empty server falls back to the first nameserver in /etc/resolv.conf.
func NewResolver(server string) *Resolver {
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err == nil && len(conf.Servers) > 0 {
			server = net.JoinHostPort(conf.Servers[0], conf.Port)
		} else {
			server = "127.0.0.1:53"
		}
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: rdnsTimeout},
		cache:  make(map[string]rdnsEntry),
	}
}

// Reverse returns the PTR name for ip, or "" when the lookup fails. Results
// are cached, misses included, so a noisy scanner costs one query.
func (r *Resolver) Reverse(ctx context.Context, ip string) string {
	if host, ok := r.cached(ip); ok {
		return host
	}

	host := r.lookup(ctx, ip)
	r.store(ip, host)
	return host
}

func (r *Resolver) lookup(ctx context.Context, ip string) string {
	reverse, err := dns.ReverseAddr(ip)
	if err != nil {
		return ""
	}

	m := new(dns.Msg)
	m.SetQuestion(reverse, dns.TypePTR)

	ctx, cancel := context.WithTimeout(ctx, rdnsTimeout)
	defer cancel()

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		lg := logger.GetLogger()
		lg.Debug().Err(err).Str("ip", ip).Msg("reverse lookup failed")
		return ""
	}

	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}

func (r *Resolver) cached(ip string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[ip]
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.host, true
}

func (r *Resolver) store(ip string, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// crude cap, drop everything rather than track recency
	if len(r.cache) >= rdnsCacheMax {
		r.cache = make(map[string]rdnsEntry)
	}
	r.cache[ip] = rdnsEntry{
		host:    host,
		expires: time.Now().Add(rdnsCacheTTL),
	}
}
