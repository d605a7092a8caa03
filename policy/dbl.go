package policy

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DBL checks sender domains against DNS domain block lists (e.g. dbl.spamhaus.org).
// A domain is listed when <domain>.<zone> resolves to an A record in 127.0.0.0/8.
type DBL struct {
	zones  []string
	server string
	client *dns.Client
	cache  *Cache
	log    *zap.Logger
}

// NewDBL creates DBL checker asking the resolver at server (host:port)
func NewDBL(server string, timeout time.Duration, cache *Cache, log *zap.Logger, zones ...string) *DBL {
	return &DBL{
		zones:  zones,
		server: server,
		client: &dns.Client{Timeout: timeout},
		cache:  cache,
		log:    log,
	}
}

func (d *DBL) Check(ctx context.Context, in Input) Verdict {
	domain := in.From.Hostname()
	if domain == "" {
		return Allow
	}
	for _, zone := range d.zones {
		if d.listed(ctx, zone, domain) {
			return reject(ReasonDBL, nil, domain+" listed in "+zone)
		}
	}
	return Allow
}

func (d *DBL) listed(ctx context.Context, zone, domain string) bool {
	if v, ok := d.cache.Get("dbl", zone+"/"+domain); ok {
		return v.(bool)
	}
	listed, err := d.lookup(ctx, zone, domain)
	if err != nil {
		d.log.Debug("dbl lookup failed", zap.String("zone", zone), zap.String("domain", domain), zap.Error(err))
		return false
	}
	d.cache.Set("dbl", zone+"/"+domain, listed)
	return listed
}

func (d *DBL) lookup(ctx context.Context, zone, domain string) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain+"."+zone), dns.TypeA)
	m.RecursionDesired = true

	resp, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return false, errors.WithMessage(err, "Exchange")
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return false, nil
	default:
		return false, errors.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok && listedAnswer(a.A) {
			return true, nil
		}
	}
	return false, nil
}

// listedAnswer filters 127.255.255.0/24 which block lists use for query errors
func listedAnswer(ip net.IP) bool {
	ip = ip.To4()
	if ip == nil || ip[0] != 127 {
		return false
	}
	return !(ip[1] == 255 && ip[2] == 255)
}
