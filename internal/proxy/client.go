package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"

	"transcript-notes-pipeline/internal/config"
	"transcript-notes-pipeline/internal/cooldown"
	"transcript-notes-pipeline/internal/telemetry"
)

// ErrNoFreshIdentity means the rotation budget ran out without finding an
// exit identity outside cooldown. Callers convert it into a transient job
// failure; it is not retryable at this layer.
var ErrNoFreshIdentity = errors.New("no fresh exit identity within rotation budget")

// Limiter throttles outbound calls per exit identity. Optional.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Client routes outbound HTTP through the anonymizing proxy and guarantees
// a fresh exit identity before every call. One Client belongs to one task;
// identity bookkeeping is centralized in the shared tracker.
type Client struct {
	http            *http.Client
	tracker         *cooldown.Tracker
	daily           *cooldown.DailyLog
	audit           *AuditLog
	limiter         Limiter
	log             *logrus.Logger
	controlAddr     string
	controlPassword string
	echoURL         string
	rotationWait    time.Duration
	maxRotations    int
	workerID        int

	jobRef       string
	retryAttempt int
}

// New builds a client dialing through the SOCKS5 proxy in cfg.
func New(cfg config.Config, tracker *cooldown.Tracker, daily *cooldown.DailyLog, audit *AuditLog, limiter Limiter, log *logrus.Logger, workerID int) (*Client, error) {
	dialer, err := xproxy.SOCKS5("tcp", cfg.ProxyAddr, nil, xproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", cfg.ProxyAddr, err)
	}
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}
	if cd, ok := dialer.(xproxy.ContextDialer); ok {
		dialCtx = cd.DialContext
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{DialContext: dialCtx},
		},
		tracker:         tracker,
		daily:           daily,
		audit:           audit,
		limiter:         limiter,
		log:             log,
		controlAddr:     cfg.ControlAddr,
		controlPassword: cfg.ControlPassword,
		echoURL:         cfg.EchoURL,
		rotationWait:    cfg.RotationWait,
		maxRotations:    cfg.MaxRotations,
		workerID:        workerID,
	}, nil
}

// SetJob tags subsequent audit entries with the job they serve.
func (c *Client) SetJob(ref string, retryAttempt int) {
	c.jobRef = ref
	c.retryAttempt = retryAttempt
}

// WorkerID returns the tracing id this client records uses under.
func (c *Client) WorkerID() int { return c.workerID }

// EnsureFreshIdentity probes the current exit identity and rotates the
// circuit until the tracker accepts one, bounded by the rotation budget.
// The accepted identity is recorded as used before returning.
func (c *Client) EnsureFreshIdentity(ctx context.Context) (string, error) {
	for attempt := 0; ; attempt++ {
		identity, err := c.CurrentIdentity(ctx)
		if err != nil {
			c.log.WithError(err).Warn("identity probe failed")
		} else if c.tracker.IsAvailable(identity) && !c.daily.HasFailedToday(identity) {
			ok, err := c.tracker.RecordUse(identity, c.workerID, false)
			if err != nil {
				return "", err
			}
			if ok {
				return identity, nil
			}
			// Lost the race against another worker; rotate.
		} else {
			telemetry.IdentityRejects.Inc()
			c.log.WithField("identity", identity).Debug("exit identity cooling or failed today")
		}

		if attempt >= c.maxRotations {
			return "", ErrNoFreshIdentity
		}
		if err := c.RotateCircuit(ctx); err != nil {
			return "", fmt.Errorf("rotate circuit: %w", err)
		}
		// The proxy network imposes its own minimum between rotations,
		// independent of the application cooldown.
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.rotationWait):
		}
	}
}

// CurrentIdentity asks the address-echo service what identity the proxy
// currently presents. The probe itself must not recurse into
// EnsureFreshIdentity.
func (c *Client) CurrentIdentity(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.echoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return "", fmt.Errorf("identity probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity probe: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("identity probe: read body: %w", err)
	}
	identity := strings.TrimSpace(string(body))
	if identity == "" {
		return "", errors.New("identity probe: empty response")
	}
	return identity, nil
}

// RotateCircuit signals the proxy control channel to discard the current
// route and negotiate a new exit identity.
func (c *Client) RotateCircuit(ctx context.Context) error {
	deadline := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}
	conn, err := net.DialTimeout("tcp", c.controlAddr, deadline)
	if err != nil {
		return fmt.Errorf("dial control channel %s: %w", c.controlAddr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(deadline))

	r := bufio.NewReader(conn)
	if err := controlCommand(conn, r, fmt.Sprintf("AUTHENTICATE %q", c.controlPassword)); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := controlCommand(conn, r, "SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("signal newnym: %w", err)
	}
	fmt.Fprint(conn, "QUIT\r\n")
	telemetry.RotationSignals.Inc()
	c.log.Debug("circuit rotation signalled")
	return nil
}

func controlCommand(w io.Writer, r *bufio.Reader, cmd string) error {
	if _, err := fmt.Fprintf(w, "%s\r\n", cmd); err != nil {
		return err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "250") {
		return fmt.Errorf("control channel replied %q", strings.TrimSpace(line))
	}
	return nil
}

// Get issues a GET through the proxy under a fresh identity.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post issues a POST through the proxy under a fresh identity.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}

// Do ensures a fresh identity, then performs the request.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.do(ctx, req, true)
}

func (c *Client) do(ctx context.Context, req *http.Request, ensure bool) (*http.Response, error) {
	identity := ""
	if ensure {
		id, err := c.EnsureFreshIdentity(ctx)
		if err != nil {
			c.auditAppend(identity, "no_identity", req.Method, err)
			return nil, err
		}
		identity = id
		c.throttle(ctx, identity)
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	if ensure {
		if err != nil {
			c.auditAppend(identity, "error", req.Method, err)
			c.recordDaily(identity, false)
		} else {
			c.auditAppend(identity, fmt.Sprintf("http_%d", resp.StatusCode), req.Method, nil)
			c.recordDaily(identity, !blockedStatus(resp.StatusCode))
		}
	}
	return resp, err
}

// blockedStatus marks responses that implicate the exit identity rather
// than the target: the identity stays excluded for the rest of the day.
// Server-side errors do not count against it.
func blockedStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests
}

func (c *Client) recordDaily(identity string, success bool) {
	if c.daily == nil {
		return
	}
	if err := c.daily.RecordAttempt(identity, c.jobRef, c.retryAttempt, success); err != nil {
		c.log.WithError(err).Warn("daily attempt record failed")
	}
}

// throttle blocks until the per-identity token bucket admits the call.
// Limiter errors fail open: losing throttling beats losing the fetch.
func (c *Client) throttle(ctx context.Context, identity string) {
	if c.limiter == nil {
		return
	}
	for {
		allowed, _, err := c.limiter.Allow(ctx, identity)
		if err != nil {
			c.log.WithError(err).Warn("rate limiter unavailable")
			return
		}
		if allowed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (c *Client) auditAppend(identity, status, method string, cause error) {
	if c.audit == nil {
		return
	}
	entry := AuditEntry{
		Identity:     identity,
		Timestamp:    time.Now().UTC(),
		Status:       status,
		JobRef:       c.jobRef,
		RetryAttempt: c.retryAttempt,
		Method:       method,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := c.audit.Append(entry); err != nil {
		c.log.WithError(err).Warn("attempt audit append failed")
	}
}
