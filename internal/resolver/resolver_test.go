package resolver

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"
)

// testZone answers from a list of RR strings and counts queries.
type testZone struct {
	records []string
	rcode   map[string]int
	delay   time.Duration
	queries atomic.Int64
}

func (z *testZone) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	z.queries.Add(1)
	if z.delay > 0 {
		time.Sleep(z.delay)
	}
	q := req.Question[0]
	m := new(dns.Msg)
	if rc, ok := z.rcode[strings.ToLower(q.Name)]; ok {
		m.SetRcode(req, rc)
		_ = w.WriteMsg(m)
		return
	}
	m.SetReply(req)
	for _, r := range z.records {
		rr, err := dns.NewRR(r)
		if err != nil {
			continue
		}
		h := rr.Header()
		if strings.EqualFold(h.Name, q.Name) && h.Rrtype == q.Qtype {
			m.Answer = append(m.Answer, rr)
		}
	}
	_ = w.WriteMsg(m)
}

func startServer(t *testing.T, zone *testZone) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &dns.Server{PacketConn: pc, Handler: zone, ReadTimeout: time.Second, WriteTimeout: time.Second}

	var started sync.WaitGroup
	started.Add(1)
	server.NotifyStartedFunc = started.Done
	go func() {
		_ = server.ActivateAndServe()
	}()
	started.Wait()

	t.Cleanup(func() { _ = server.Shutdown() })
	return pc.LocalAddr().String()
}

func newTestResolver(t *testing.T, zone *testZone, cacheSize int64) *Resolver {
	t.Helper()
	addr := startServer(t, zone)
	r, err := New(Config{
		Servers:   []string{addr},
		Timeout:   time.Second,
		CacheSize: cacheSize,
		MinTTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestLookupTXT(t *testing.T) {
	zone := &testZone{records: []string{
		`example.com. 300 IN TXT "v=spf1 ip4:192.0.2.0/24" " -all"`,
		`example.com. 300 IN TXT "google-site-verification=abc"`,
	}}
	r := newTestResolver(t, zone, 0)

	got, err := r.LookupTXT(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	sort.Strings(got)
	want := []string{"google-site-verification=abc", "v=spf1 ip4:192.0.2.0/24 -all"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LookupTXT() mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupNotFound(t *testing.T) {
	zone := &testZone{rcode: map[string]int{"missing.example.": dns.RcodeNameError}}
	r := newTestResolver(t, zone, 0)

	tests := []struct {
		name   string
		lookup func() error
	}{
		{"nxdomain", func() error { _, err := r.LookupTXT(context.Background(), "missing.example"); return err }},
		{"nodata", func() error { _, err := r.LookupMX(context.Background(), "empty.example"); return err }},
		{"no addresses", func() error { _, err := r.LookupIP(context.Background(), "empty.example"); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.lookup()
			if !IsNotFound(err) {
				t.Errorf("expected not found error, got %v", err)
			}
			if IsTimeout(err) {
				t.Errorf("expected no timeout, got %v", err)
			}
		})
	}
}

func TestLookupServerFailure(t *testing.T) {
	zone := &testZone{rcode: map[string]int{"broken.example.": dns.RcodeServerFailure}}
	r := newTestResolver(t, zone, 0)

	_, err := r.LookupTXT(context.Background(), "broken.example")
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		t.Fatalf("expected *net.DNSError, got %v", err)
	}
	if !dnsErr.IsTemporary || dnsErr.IsNotFound {
		t.Errorf("expected temporary, not not-found: %+v", dnsErr)
	}
}

func TestLookupTimeout(t *testing.T) {
	zone := &testZone{delay: 500 * time.Millisecond}
	r := newTestResolver(t, zone, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.LookupTXT(ctx, "slow.example")
	if !IsTimeout(err) {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestLookupIPAddr(t *testing.T) {
	zone := &testZone{records: []string{
		`relay.example.org. 300 IN A 192.0.2.10`,
		`relay.example.org. 300 IN AAAA 2001:db8::10`,
		`v4only.example.org. 300 IN A 192.0.2.11`,
	}}
	r := newTestResolver(t, zone, 0)

	ips, err := r.LookupIP(context.Background(), "relay.example.org")
	if err != nil {
		t.Fatalf("LookupIP() error = %v", err)
	}
	var got []string
	for _, ip := range ips {
		got = append(got, ip.String())
	}
	sort.Strings(got)
	if diff := cmp.Diff([]string{"192.0.2.10", "2001:db8::10"}, got); diff != "" {
		t.Errorf("LookupIP() mismatch (-want +got):\n%s", diff)
	}

	addrs, err := r.LookupIPAddr(context.Background(), "v4only.example.org")
	if err != nil {
		t.Fatalf("LookupIPAddr() error = %v", err)
	}
	if len(addrs) != 1 || addrs[0].IP.String() != "192.0.2.11" {
		t.Errorf("unexpected addresses %v", addrs)
	}
}

func TestLookupMX(t *testing.T) {
	zone := &testZone{records: []string{
		`example.com. 300 IN MX 10 mx1.example.com.`,
		`example.com. 300 IN MX 20 mx2.example.com.`,
	}}
	r := newTestResolver(t, zone, 0)

	mxs, err := r.LookupMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupMX() error = %v", err)
	}
	if len(mxs) != 2 {
		t.Fatalf("expected 2 MX records, got %d", len(mxs))
	}
	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	if mxs[0].Host != "mx1.example.com." || mxs[0].Pref != 10 {
		t.Errorf("unexpected first MX %+v", mxs[0])
	}
}

func TestLookupPTR(t *testing.T) {
	zone := &testZone{records: []string{
		`1.2.0.192.in-addr.arpa. 300 IN PTR mail.example.org.`,
	}}
	r := newTestResolver(t, zone, 0)

	names, err := r.LookupPTR(context.Background(), net.ParseIP("192.0.2.1"))
	if err != nil {
		t.Fatalf("LookupPTR() error = %v", err)
	}
	if diff := cmp.Diff([]string{"mail.example.org."}, names); diff != "" {
		t.Errorf("LookupPTR() mismatch (-want +got):\n%s", diff)
	}

	names, err = r.LookupAddr(context.Background(), "192.0.2.1")
	if err != nil || len(names) != 1 {
		t.Errorf("LookupAddr() = %v, %v", names, err)
	}

	if _, err := r.LookupAddr(context.Background(), "not-an-ip"); err == nil {
		t.Error("expected error for malformed address")
	}
}

func TestCachedAnswers(t *testing.T) {
	zone := &testZone{records: []string{
		`cached.example. 1 IN TXT "v=spf1 -all"`,
	}}
	r := newTestResolver(t, zone, 1<<20)

	for i := 0; i < 3; i++ {
		if _, err := r.LookupTXT(context.Background(), "cached.example"); err != nil {
			t.Fatalf("LookupTXT() error = %v", err)
		}
	}
	if n := zone.queries.Load(); n != 1 {
		t.Errorf("expected 1 upstream query, got %d", n)
	}

	// Different case, same question.
	if _, err := r.LookupTXT(context.Background(), "CACHED.example"); err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	if n := zone.queries.Load(); n != 1 {
		t.Errorf("expected case-insensitive cache hit, got %d queries", n)
	}
}

func TestNegativeAnswersCached(t *testing.T) {
	zone := &testZone{rcode: map[string]int{"missing.example.": dns.RcodeNameError}}
	r := newTestResolver(t, zone, 1<<20)

	for i := 0; i < 2; i++ {
		if _, err := r.LookupTXT(context.Background(), "missing.example"); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if n := zone.queries.Load(); n != 1 {
		t.Errorf("expected 1 upstream query, got %d", n)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without servers")
	}

	r, err := New(Config{Servers: []string{"192.0.2.53"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()
	if r.servers[0] != "192.0.2.53:53" {
		t.Errorf("expected default port, got %q", r.servers[0])
	}
}
