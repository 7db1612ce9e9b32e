// Package dialer resolves CONNECT addresses and dials outbound target
// connections, classifying dial failures into the CONNECT_REPLY codes
// defined by internal/protocol.
package dialer

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/coreflux/socksback/internal/protocol"
)

// Config controls dial behavior.
type Config struct {
	// Timeout bounds a single dial attempt.
	Timeout time.Duration

	// PerHostRate limits dial attempts per destination host, guarding
	// against a misbehaving orchestrator hammering CONNECT at a target
	// that always refuses. Zero disables limiting.
	PerHostRate rate.Limit

	// PerHostBurst is the burst size for the per-host limiter.
	PerHostBurst int
}

// DefaultConfig returns sensible defaults: a 30s dial timeout matching
// spec's dial-timeout requirement, and a permissive per-host rate limit.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		PerHostRate:  10,
		PerHostBurst: 20,
	}
}

// Dialer dials outbound TCP targets on behalf of CONNECT frames.
type Dialer struct {
	cfg Config
	net net.Dialer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Dialer with cfg.
func New(cfg Config) *Dialer {
	return &Dialer{
		cfg:      cfg,
		net:      net.Dialer{Timeout: cfg.Timeout},
		limiters: make(map[string]*rate.Limiter),
	}
}

// Result is the outcome of a Dial call.
type Result struct {
	Conn  net.Conn
	Reply uint8 // protocol.Reply* — always set, even on failure
}

// Dial resolves (if necessary) and dials the address described by addr.
// It never retries: a failed dial terminates the CONNECT per §4.3. The
// returned Reply is always one of the protocol.Reply* codes.
func (d *Dialer) Dial(ctx context.Context, addr *protocol.Address) Result {
	if !d.allow(addr.HostString()) {
		return Result{Reply: protocol.ReplyGeneralFailure}
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	conn, err := d.net.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return Result{Reply: classify(err)}
	}

	return Result{Conn: conn, Reply: protocol.ReplyOK}
}

// allow consults (creating if necessary) a per-host token bucket.
func (d *Dialer) allow(host string) bool {
	if d.cfg.PerHostRate <= 0 {
		return true
	}

	d.mu.Lock()
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(d.cfg.PerHostRate, d.cfg.PerHostBurst)
		d.limiters[host] = lim
	}
	d.mu.Unlock()

	return lim.Allow()
}

// classify maps a dial error to a CONNECT_REPLY byte per §4.3's table.
// Unmapped errors fall through to ReplyGeneralFailure.
func classify(err error) uint8 {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return protocol.ReplyHostUnreachable
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return protocol.ReplyConnectionRefused
	}
	if errors.Is(err, syscall.ENETUNREACH) {
		return protocol.ReplyNetworkUnreachable
	}
	if errors.Is(err, syscall.EHOSTUNREACH) {
		return protocol.ReplyHostUnreachable
	}

	// Fall back to substring matching for errors that don't unwrap to a
	// syscall.Errno on every platform (e.g. context deadline wrapping).
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "refused"):
		return protocol.ReplyConnectionRefused
	case strings.Contains(msg, "no route to host"):
		return protocol.ReplyHostUnreachable
	case strings.Contains(msg, "unreachable"):
		return protocol.ReplyNetworkUnreachable
	}

	return protocol.ReplyGeneralFailure
}
