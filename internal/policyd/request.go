// Package policyd speaks the policy delegation protocol: it reads
// attribute=value requests, asks the decision engine about each recipient
// and writes back an action line.
package policyd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/infodancer/spfpolicyd/internal/policy"
)

// RequestType is the only request kind answered with a real decision.
const RequestType = "smtpd_access_policy"

var (
	// ErrLineTooLong is returned for a request line over the limit.
	ErrLineTooLong = errors.New("request line too long")
	// ErrTooManyAttributes is returned for a request with too many attributes.
	ErrTooManyAttributes = errors.New("too many request attributes")
	// ErrBadClientAddress is returned when client_address is not an IP.
	ErrBadClientAddress = errors.New("invalid client_address")
)

// Limits bounds a single request.
type Limits struct {
	MaxLineLength int
	MaxAttributes int
}

// DefaultLimits are the limits used when none are configured.
var DefaultLimits = Limits{MaxLineLength: 2048, MaxAttributes: 100}

// Request is one parsed policy request.
type Request struct {
	Attrs map[string]string
	// Malformed counts lines without an "=" separator. They are ignored.
	Malformed int
}

// Get returns the value of attribute name, or "".
func (r *Request) Get(name string) string {
	return r.Attrs[name]
}

// Fact builds the engine input for this request.
func (r *Request) Fact() (policy.Fact, error) {
	addr := r.Get("client_address")
	ip := net.ParseIP(addr)
	if ip == nil {
		return policy.Fact{}, fmt.Errorf("%w: %q", ErrBadClientAddress, addr)
	}
	return policy.Fact{
		InstanceID: r.Get("instance"),
		ClientIP:   ip,
		Helo:       r.Get("helo_name"),
		Sender:     r.Get("sender"),
		Recipient:  r.Get("recipient"),
	}, nil
}

// RequestReader reads requests from a stream. Each request is a run of
// attribute lines terminated by an empty line.
type RequestReader struct {
	r      *bufio.Reader
	limits Limits
}

// NewRequestReader creates a RequestReader. Zero limits fall back to
// DefaultLimits.
func NewRequestReader(r *bufio.Reader, limits Limits) *RequestReader {
	if limits.MaxLineLength <= 0 {
		limits.MaxLineLength = DefaultLimits.MaxLineLength
	}
	if limits.MaxAttributes <= 0 {
		limits.MaxAttributes = DefaultLimits.MaxAttributes
	}
	return &RequestReader{r: r, limits: limits}
}

// ReadRequest returns the next request. It returns io.EOF when the stream
// ends cleanly between requests and io.ErrUnexpectedEOF when it ends inside
// one.
func (rr *RequestReader) ReadRequest() (*Request, error) {
	req := &Request{Attrs: make(map[string]string)}
	lines := 0

	for {
		line, err := rr.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && lines > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if line == "" {
			if lines == 0 {
				// Blank lines between requests carry nothing.
				continue
			}
			return req, nil
		}

		lines++
		if lines > rr.limits.MaxAttributes {
			return nil, ErrTooManyAttributes
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok {
			req.Malformed++
			continue
		}
		req.Attrs[name] = value
	}
}

// readLine returns one line without its terminator.
func (rr *RequestReader) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := rr.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		// Two extra bytes leave room for a CRLF terminator.
		if len(buf) > rr.limits.MaxLineLength+2 {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}

	line := strings.TrimSuffix(string(buf), "\n")
	line = strings.TrimSuffix(line, "\r")
	if len(line) > rr.limits.MaxLineLength {
		return "", ErrLineTooLong
	}
	return line, nil
}
