package policyd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/infodancer/spfpolicyd/internal/config"
	"github.com/infodancer/spfpolicyd/internal/metrics"
	"github.com/infodancer/spfpolicyd/internal/policy"
	"github.com/infodancer/spfpolicyd/internal/server"
	"github.com/infodancer/spfpolicyd/internal/txcache"
)

// recordingDecider returns a fixed decision and remembers its inputs.
type recordingDecider struct {
	mu        sync.Mutex
	decision  policy.Decision
	facts     []policy.Fact
	overrides []*policy.Override
}

func (r *recordingDecider) Decide(ctx context.Context, fact policy.Fact, base policy.Config, override *policy.Override) policy.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts = append(r.facts, fact)
	r.overrides = append(r.overrides, override)
	return r.decision
}

func (r *recordingDecider) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.facts)
}

// recordingCollector remembers malformed request reasons.
type recordingCollector struct {
	metrics.NoopCollector
	mu        sync.Mutex
	malformed []string
	states    []string
}

func (c *recordingCollector) RequestMalformed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.malformed = append(c.malformed, reason)
}

func (c *recordingCollector) RequestProcessed(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
}

// passEvaluator passes every identity.
type passEvaluator struct{}

func (passEvaluator) EvaluateSPF(ctx context.Context, q policy.Query) (policy.Evaluation, error) {
	return policy.Evaluation{Qualifier: policy.Pass, Explanation: "test pass"}, nil
}

func rcptRequest(attrs ...string) *Request {
	req := &Request{Attrs: map[string]string{
		"request":        RequestType,
		"protocol_state": "RCPT",
		"client_address": "192.0.2.1",
		"helo_name":      "mail.example.com",
		"sender":         "user@example.com",
		"recipient":      "rcpt@example.net",
		"instance":       "123.456.7",
	}}
	for i := 0; i+1 < len(attrs); i += 2 {
		req.Attrs[attrs[i]] = attrs[i+1]
	}
	return req
}

func policyRequestText(instance, recipient string) string {
	return "request=smtpd_access_policy\n" +
		"protocol_state=RCPT\n" +
		"client_address=192.0.2.1\n" +
		"helo_name=mail.example.com\n" +
		"sender=user@example.com\n" +
		"recipient=" + recipient + "\n" +
		"instance=" + instance + "\n" +
		"\n"
}

func TestHandleRecipient(t *testing.T) {
	dec := &recordingDecider{decision: policy.Decision{Action: policy.Prepend, Message: "Received-SPF: Pass"}}
	h := NewHandler(dec, policy.Default())

	got := h.Handle(context.Background(), rcptRequest())
	if got.Action != policy.Prepend {
		t.Errorf("expected prepend, got %v", got.Action)
	}
	if dec.calls() != 1 {
		t.Fatalf("expected 1 engine call, got %d", dec.calls())
	}

	fact := dec.facts[0]
	if fact.InstanceID != "123.456.7" || fact.Recipient != "rcpt@example.net" || fact.ClientIP.String() != "192.0.2.1" {
		t.Errorf("unexpected fact %+v", fact)
	}
	if dec.overrides[0] != nil {
		t.Error("expected no override without peruser config")
	}
}

func TestHandleSkipsNonPolicyRequests(t *testing.T) {
	tests := []struct {
		name       string
		req        *Request
		wantReason string
	}{
		{"wrong request type", rcptRequest("request", "junk"), "request_type"},
		{"missing request type", rcptRequest("request", ""), "request_type"},
		{"data state", rcptRequest("protocol_state", "DATA"), ""},
		{"end of message", rcptRequest("protocol_state", "END-OF-MESSAGE"), ""},
		{"bad client address", rcptRequest("client_address", "unknown"), "client_address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &recordingDecider{decision: policy.Decision{Action: policy.Reject}}
			col := &recordingCollector{}
			h := NewHandler(dec, policy.Default(), WithMetrics(col))

			got := h.Handle(context.Background(), tt.req)
			if got.Action != policy.Dunno {
				t.Errorf("expected dunno, got %v", got.Action)
			}
			if dec.calls() != 0 {
				t.Errorf("expected no engine call, got %d", dec.calls())
			}

			if tt.wantReason == "" {
				if len(col.malformed) != 0 {
					t.Errorf("expected no malformed reasons, got %v", col.malformed)
				}
				return
			}
			if len(col.malformed) != 1 || col.malformed[0] != tt.wantReason {
				t.Errorf("expected malformed reason %q, got %v", tt.wantReason, col.malformed)
			}
		})
	}
}

func TestHandleNormalizesProtocolState(t *testing.T) {
	col := &recordingCollector{}
	h := NewHandler(&recordingDecider{}, policy.Default(), WithMetrics(col))

	h.Handle(context.Background(), rcptRequest("protocol_state", "rcpt"))
	h.Handle(context.Background(), rcptRequest("protocol_state", "SOMETHING-NEW"))
	h.Handle(context.Background(), rcptRequest("protocol_state", ""))

	want := []string{"RCPT", "other", ""}
	if len(col.states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, col.states)
	}
	for i := range want {
		if col.states[i] != want[i] {
			t.Errorf("state %d = %q, want %q", i, col.states[i], want[i])
		}
	}
}

func TestOverrideFor(t *testing.T) {
	mode := policy.ModeFalse
	byAddress := &policy.Override{HeloReject: &mode}
	byDomain := &policy.Override{MailFromReject: &mode}

	h := NewHandler(&recordingDecider{}, policy.Default(), WithPerUser(map[string]*policy.Override{
		"postmaster@example.net": byAddress,
		"example.net":            byDomain,
	}))

	tests := []struct {
		recipient string
		expected  *policy.Override
	}{
		{"postmaster@example.net", byAddress},
		{"<Postmaster@Example.NET>", byAddress},
		{"someone@example.net", byDomain},
		{"someone@EXAMPLE.net", byDomain},
		{"someone@example.org", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.recipient, func(t *testing.T) {
			if got := h.OverrideFor(tt.recipient); got != tt.expected {
				t.Errorf("OverrideFor(%q) = %p, want %p", tt.recipient, got, tt.expected)
			}
		})
	}
}

func TestServe(t *testing.T) {
	dec := &recordingDecider{decision: policy.Decision{Action: policy.Reject, Message: "5.7.23 nope"}}
	h := NewHandler(dec, policy.Default())

	input := policyRequestText("1", "a@example.net") + policyRequestText("1", "b@example.net")
	var out bytes.Buffer
	afterCalls := 0

	err := h.Serve(context.Background(),
		bufio.NewReader(strings.NewReader(input)),
		bufio.NewWriter(&out),
		func() error { afterCalls++; return nil })
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	want := "action=reject 5.7.23 nope\n\naction=reject 5.7.23 nope\n\n"
	if out.String() != want {
		t.Errorf("expected %q, got %q", want, out.String())
	}
	if afterCalls != 2 {
		t.Errorf("expected after hook to run twice, got %d", afterCalls)
	}
}

func TestServeEndsOnLimits(t *testing.T) {
	col := &recordingCollector{}
	h := NewHandler(&recordingDecider{}, policy.Default(),
		WithMetrics(col),
		WithLimits(Limits{MaxLineLength: 64, MaxAttributes: 100}))

	input := "sender=" + strings.Repeat("x", 100) + "\n\n"
	var out bytes.Buffer

	err := h.Serve(context.Background(), bufio.NewReader(strings.NewReader(input)), bufio.NewWriter(&out), nil)
	if !errors.Is(err, ErrLineTooLong) {
		t.Errorf("expected ErrLineTooLong, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no response, got %q", out.String())
	}
	if len(col.malformed) != 1 || col.malformed[0] != "line_too_long" {
		t.Errorf("expected line_too_long, got %v", col.malformed)
	}
}

func TestServeCountsMalformedLines(t *testing.T) {
	col := &recordingCollector{}
	h := NewHandler(&recordingDecider{}, policy.Default(), WithMetrics(col))

	input := "request=smtpd_access_policy\nno separator here\nclient_address=192.0.2.1\n\n"
	var out bytes.Buffer

	if err := h.Serve(context.Background(), bufio.NewReader(strings.NewReader(input)), bufio.NewWriter(&out), nil); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if len(col.malformed) != 1 || col.malformed[0] != "no_separator" {
		t.Errorf("expected no_separator, got %v", col.malformed)
	}
}

// TestSocketRoundTrip drives the real engine through a TCP listener: the
// first recipient of a message gets the header, the second does not.
func TestSocketRoundTrip(t *testing.T) {
	engine := policy.NewEngine(passEvaluator{}, nil, policy.WithCache(txcache.NewMemory()))
	h := NewHandler(engine, policy.Default())

	l := server.NewListener(server.ListenerConfig{
		Address:         "127.0.0.1:0",
		Mode:            config.ModeTCP,
		IdleTimeout:     time.Minute,
		ShutdownTimeout: time.Second,
		Logger:          slog.Default(),
		Handler:         h.HandleConnection,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-l.Ready():
	case err := <-done:
		t.Fatalf("listener failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not start")
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	readResponse := func() string {
		t.Helper()
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		blank, err := r.ReadString('\n')
		if err != nil || blank != "\n" {
			t.Fatalf("expected blank line after response, got %q (%v)", blank, err)
		}
		return strings.TrimSuffix(line, "\n")
	}

	if _, err := conn.Write([]byte(policyRequestText("42.1", "a@example.net"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := readResponse()
	if !strings.HasPrefix(first, "action=prepend Received-SPF: Pass (test pass)") {
		t.Errorf("expected Received-SPF prepend, got %q", first)
	}
	if !strings.Contains(first, "identity=mailfrom") {
		t.Errorf("expected the MAIL FROM result in the header, got %q", first)
	}

	if _, err := conn.Write([]byte(policyRequestText("42.1", "b@example.net"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if second := readResponse(); second != "action=dunno" {
		t.Errorf("expected dunno for the second recipient, got %q", second)
	}

	// A new message on the same connection gets its own header.
	if _, err := conn.Write([]byte(policyRequestText("43.1", "a@example.net"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if third := readResponse(); !strings.HasPrefix(third, "action=prepend ") {
		t.Errorf("expected prepend for a new instance, got %q", third)
	}
}
