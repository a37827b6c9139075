package policy

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
)

// fakeEvaluator answers from a table keyed by the identity's domain.
type fakeEvaluator struct {
	mu      sync.Mutex
	results map[string]Evaluation
	err     error
	panics  bool
	queries []Query
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{results: make(map[string]Evaluation)}
}

func (f *fakeEvaluator) set(domain string, q Qualifier, record string) *fakeEvaluator {
	f.results[domain] = Evaluation{Qualifier: q, Explanation: "test " + q.Lower(), Record: record}
	return f
}

func (f *fakeEvaluator) EvaluateSPF(ctx context.Context, q Query) (Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.panics {
		panic("evaluator exploded")
	}
	if f.err != nil {
		return Evaluation{}, f.err
	}
	domain := q.Identity
	if i := strings.LastIndex(domain, "@"); i >= 0 {
		domain = domain[i+1:]
	}
	if ev, ok := f.results[domain]; ok {
		return ev, nil
	}
	return Evaluation{Qualifier: None}, nil
}

func (f *fakeEvaluator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeEvaluator) identities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, q := range f.queries {
		out = append(out, q.Identity)
	}
	return out
}

// fakeResolver answers PTR and A/AAAA lookups from maps.
type fakeResolver struct {
	ptr   map[string][]string
	hosts map[string][]net.IP
	err   error
	calls int
}

func (f *fakeResolver) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	names, ok := f.ptr[ip.String()]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: ip.String(), IsNotFound: true}
	}
	return names, nil
}

func (f *fakeResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ips, ok := f.hosts[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

// memCache is a minimal TransactionCache for engine tests.
type memCache struct {
	mu       sync.Mutex
	entries  map[string]CacheEntry
	claimErr error
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]CacheEntry)}
}

func (c *memCache) Get(ctx context.Context, instance string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[instance]
	return e, ok, nil
}

func (c *memCache) Put(ctx context.Context, instance string, e CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Prepended = c.entries[instance].Prepended
	c.entries[instance] = e
	return nil
}

func (c *memCache) ClaimPrepend(ctx context.Context, instance string) (bool, error) {
	if c.claimErr != nil {
		return false, c.claimErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[instance]
	if e.Prepended {
		return false, nil
	}
	e.Prepended = true
	c.entries[instance] = e
	return true, nil
}

var errBoom = errors.New("boom")

func testFact() Fact {
	return Fact{
		InstanceID: "123.456.7",
		ClientIP:   net.ParseIP("192.0.2.1"),
		Helo:       "mail.example.com",
		Sender:     "user@example.com",
		Recipient:  "rcpt@example.net",
	}
}
