package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Sender delivers job callbacks.
type Sender struct {
	client *http.Client
	logger *slog.Logger
	base   time.Duration
	// allowPrivate disables the internal address check; tests post to loopback.
	allowPrivate bool
	wg           sync.WaitGroup
}

func NewSender(logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		base:   retryBase,
	}
}

// Send dispatches the JSON payload to callbackURL asynchronously.
// 8 retries max with full-jitter exponential backoff (cap 5 min). 30s timeout per request.
// Pass a context detached from the job (context.WithoutCancel) so retries outlive it;
// the process drains pending deliveries through Wait on shutdown.
func (s *Sender) Send(ctx context.Context, callbackURL string, payload []byte) {
	if !s.allowPrivate {
		if err := validateURL(callbackURL); err != nil {
			s.logger.Warn("webhook: rejected callback URL", "url", callbackURL, "error", err)
			return
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(ctx, callbackURL, payload)
	}()
}

// Wait blocks until every pending delivery has finished or given up.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// validateURL accepts http and https URLs whose host resolves only to public
// addresses. Loopback, private, link-local and unspecified IPs are rejected.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (s *Sender) send(ctx context.Context, callbackURL string, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := s.post(ctx, callbackURL, payload)
		if err == nil {
			return
		}
		s.logger.Warn("webhook attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < retryAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(s.base, attempt)):
			}
		}
	}
	s.logger.Error("webhook: all retries exhausted", "url", callbackURL)
}

// jitter returns a random duration between 0 and min(retryCap, base * 2^attempt).
// Full jitter prevents synchronized retries when multiple webhooks fail at the same time.
func jitter(base time.Duration, attempt int) time.Duration {
	exp := base * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int64N(int64(exp)))
}

func (s *Sender) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
