// Package resolver is a caching DNS stub resolver built on miekg/dns. Its
// lookup methods follow the net.Resolver signatures and report failures as
// *net.DNSError, so it can stand in wherever a net.Resolver is expected.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/infodancer/spfpolicyd/internal/netmatch"
)

// DefaultResolvConf is read when no servers are configured.
const DefaultResolvConf = "/etc/resolv.conf"

const maxUint32 = 1<<32 - 1

// Config configures a Resolver.
type Config struct {
	// Servers are host:port addresses, tried in order.
	Servers []string
	// Timeout bounds a single exchange with one server.
	Timeout time.Duration
	// CacheSize is the cache budget in bytes of wire-format messages.
	// Zero disables caching.
	CacheSize int64
	// MinTTL raises answer TTLs below it.
	MinTTL time.Duration
	// NegativeTTL is how long empty and NXDOMAIN answers are kept.
	NegativeTTL time.Duration
}

// Resolver answers A, AAAA, MX, TXT and PTR queries.
type Resolver struct {
	servers     []string
	udp         *dns.Client
	tcp         *dns.Client
	cache       *ristretto.Cache
	minTTL      time.Duration
	negativeTTL time.Duration
}

// ServersFromResolvConf reads the nameservers of a resolv.conf file.
func ServersFromResolvConf(path string) ([]string, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers, nil
}

// New creates a Resolver. Server addresses without a port get port 53.
func New(cfg Config) (*Resolver, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("resolver: no nameservers configured")
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}

	r := &Resolver{
		servers:     servers,
		udp:         &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		tcp:         &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
		minTTL:      cfg.MinTTL,
		negativeTTL: cfg.NegativeTTL,
	}
	if r.negativeTTL <= 0 {
		r.negativeTTL = 60 * time.Second
	}

	if cfg.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: max(10*(cfg.CacheSize/512), 1000),
			MaxCost:     cfg.CacheSize,
			BufferItems: 64,
			KeyToHash:   questionHash,
			Cost:        msgCost,
		})
		if err != nil {
			return nil, fmt.Errorf("resolver cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Close releases the cache.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func questionHash(k interface{}) (uint64, uint64) {
	q := k.(dns.Question)
	h := xxhash.New()
	_, _ = h.WriteString(strings.ToLower(q.Name))
	_, _ = h.Write([]byte{byte(q.Qtype >> 8), byte(q.Qtype), byte(q.Qclass >> 8), byte(q.Qclass)})
	return h.Sum64(), 0
}

func msgCost(v interface{}) int64 {
	return int64(v.(*dns.Msg).Len())
}

func (r *Resolver) cached(q dns.Question) (*dns.Msg, bool) {
	if r.cache == nil {
		return nil, false
	}
	v, ok := r.cache.Get(q)
	if !ok {
		return nil, false
	}
	return v.(*dns.Msg), true
}

func (r *Resolver) store(res *dns.Msg) {
	if r.cache == nil {
		return
	}
	ttl := r.negativeTTL
	if len(res.Answer) > 0 {
		var min uint32 = maxUint32
		for _, rr := range res.Answer {
			if t := rr.Header().Ttl; t < min {
				min = t
			}
		}
		ttl = time.Duration(min) * time.Second
		if ttl < r.minTTL {
			ttl = r.minTTL
		}
	}
	if ttl <= 0 {
		return
	}
	r.cache.SetWithTTL(res.Question[0], res, int64(res.Len()), ttl)
	r.cache.Wait()
}

// exchange sends one query, trying each server in turn. A truncated UDP
// answer is retried over TCP. NXDOMAIN is returned as a message, not an
// error; every other failure is a *net.DNSError.
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true

	if res, ok := r.cached(req.Question[0]); ok {
		return res, nil
	}

	var lastErr error
	for _, server := range r.servers {
		res, _, err := r.udp.ExchangeContext(ctx, req, server)
		if err == nil && res.Truncated {
			res, _, err = r.tcp.ExchangeContext(ctx, req, server)
		}
		if err != nil {
			lastErr = &net.DNSError{
				Err:         err.Error(),
				Name:        name,
				Server:      server,
				IsTimeout:   isTimeout(err),
				IsTemporary: true,
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch res.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			r.store(res)
			return res, nil
		default:
			lastErr = &net.DNSError{
				Err:         "server failure: " + dns.RcodeToString[res.Rcode],
				Name:        name,
				Server:      server,
				IsTemporary: true,
			}
		}
	}
	return nil, lastErr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func notFound(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

// IsNotFound reports whether err means the name or record does not exist.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// IsTimeout reports whether err is a lookup timeout.
func IsTimeout(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTimeout
}

// LookupTXT returns the TXT records of name, each with its strings joined.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	res, err := r.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var txts []string
	for _, rr := range res.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}
	if len(txts) == 0 {
		return nil, notFound(name)
	}
	return txts, nil
}

// LookupMX returns the MX records of name.
func (r *Resolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	res, err := r.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var mxs []*net.MX
	for _, rr := range res.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	if len(mxs) == 0 {
		return nil, notFound(name)
	}
	return mxs, nil
}

// LookupIPAddr queries A and AAAA concurrently. Addresses from either answer
// win over an error from the other.
func (r *Resolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	qtypes := []uint16{dns.TypeA, dns.TypeAAAA}
	answers := make([][]net.IPAddr, len(qtypes))
	errs := make([]error, len(qtypes))

	var g errgroup.Group
	for i, qtype := range qtypes {
		i, qtype := i, qtype
		g.Go(func() error {
			res, err := r.exchange(ctx, host, qtype)
			if err != nil {
				errs[i] = err
				return nil
			}
			for _, rr := range res.Answer {
				switch a := rr.(type) {
				case *dns.A:
					answers[i] = append(answers[i], net.IPAddr{IP: a.A})
				case *dns.AAAA:
					answers[i] = append(answers[i], net.IPAddr{IP: a.AAAA})
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	addrs := append(answers[0], answers[1]...)
	if len(addrs) > 0 {
		return addrs, nil
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return nil, notFound(host)
}

// LookupIP is LookupIPAddr without the zone.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// LookupAddr returns the PTR names of a textual address.
func (r *Resolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, &net.DNSError{Err: "unrecognized address", Name: addr}
	}
	return r.LookupPTR(ctx, ip)
}

// LookupPTR returns the PTR names of ip.
func (r *Resolver) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	name := netmatch.ReverseDNSName(ip)
	if name == "" {
		return nil, &net.DNSError{Err: "unrecognized address", Name: ip.String()}
	}
	res, err := r.exchange(ctx, name, dns.TypePTR)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, rr := range res.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	if len(names) == 0 {
		return nil, notFound(name)
	}
	return names, nil
}
