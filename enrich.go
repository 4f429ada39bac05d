package main

import (
	"context"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	enricherCacheSize = 1024
	enricherTimeout   = 2 * time.Second
)

// dnsEnricher resolves PTR names with a bounded cache. Authoritative negative
// answers are cached as ""; transport errors and server failures are not.
type dnsEnricher struct {
	client   *dns.Client
	resolver string
	cache    *lru.Cache[string, string]
	logger   *zap.Logger
}

// newDNSEnricher returns an enricher querying resolver (host:port); an empty
// resolver falls back to /etc/resolv.conf, then 127.0.0.1:53.
func newDNSEnricher(resolver string, logger *zap.Logger) (*dnsEnricher, error) {
	if resolver == "" {
		resolver = systemResolver("/etc/resolv.conf")
	}
	if _, _, err := net.SplitHostPort(resolver); err != nil {
		resolver = net.JoinHostPort(resolver, "53")
	}

	cache, err := lru.New[string, string](enricherCacheSize)
	if err != nil {
		return nil, err
	}

	return &dnsEnricher{
		client:   &dns.Client{Net: "udp", Timeout: enricherTimeout},
		resolver: resolver,
		cache:    cache,
		logger:   logger,
	}, nil
}

// systemResolver returns the first nameserver of a resolv.conf file
func systemResolver(path string) string {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil || len(conf.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

// Lookup returns the PTR name of ip without the trailing dot, or ""
func (e *dnsEnricher) Lookup(ctx context.Context, ip string) string {
	if name, ok := e.cache.Get(ip); ok {
		return name
	}

	name, final := e.query(ctx, ip)
	if final {
		e.cache.Add(ip, name)
	}
	return name
}

// query reports whether the answer is final and may be cached
func (e *dnsEnricher) query(ctx context.Context, ip string) (string, bool) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", false
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	ctx, cancel := context.WithTimeout(ctx, enricherTimeout)
	defer cancel()

	resp, _, err := e.client.ExchangeContext(ctx, m, e.resolver)
	if err != nil {
		e.logger.Debug("ptr lookup failed", zap.String("ip", ip), zap.Error(err))
		return "", false
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return "", true
	default:
		e.logger.Debug("ptr lookup failed", zap.String("ip", ip), zap.String("rcode", dns.RcodeToString[resp.Rcode]))
		return "", false
	}

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), true
		}
	}
	return "", true
}
