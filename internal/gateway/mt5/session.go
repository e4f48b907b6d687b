package mt5

import (
	"context"
	"fmt"
	"time"

	"cyclone/internal/logger"
	"cyclone/internal/pkg/circuit"

	"golang.org/x/sync/semaphore"
)

// Credentials is the venue login supplied once at startup by the
// configuration layer.
type Credentials struct {
	Account      int64
	Password     string
	Server       string
	TerminalPath string
}

// Session owns the logged-in terminal connection. The supervisor creates
// it at startup, passes it to the adapter, and shuts it down on exit.
// The terminal serializes trade requests, so mutating calls must hold
// the session slot: one in-flight submission per account.
type Session struct {
	client  *Client
	creds   Credentials
	slot    *semaphore.Weighted
	breaker *circuit.Breaker
}

// NewSession wires a client to an account login. Connect must be called
// before trading.
func NewSession(client *Client, creds Credentials) *Session {
	return &Session{
		client:  client,
		creds:   creds,
		slot:    semaphore.NewWeighted(1),
		breaker: circuit.NewBreaker("mt5-session", 5, 30*time.Second),
	}
}

// Connect initializes the terminal with the stored credentials.
func (s *Session) Connect(ctx context.Context) error {
	if s.creds.Account <= 0 {
		return fmt.Errorf("venue account is required")
	}
	req := initializeRequest{
		Login:    s.creds.Account,
		Password: s.creds.Password,
		Server:   s.creds.Server,
		Path:     s.creds.TerminalPath,
	}
	if err := s.client.Initialize(ctx, req); err != nil {
		return err
	}
	logger.Infof("mt5 session connected account=%d server=%s", s.creds.Account, s.creds.Server)
	return nil
}

// Close releases the terminal connection.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Shutdown(ctx); err != nil {
		return fmt.Errorf("mt5 shutdown: %w", err)
	}
	logger.Infof("mt5 session closed account=%d", s.creds.Account)
	return nil
}

// Acquire takes the single trade slot; blocks until free or ctx ends.
func (s *Session) Acquire(ctx context.Context) error {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire trade slot: %w", err)
	}
	if !s.breaker.Allow() {
		s.slot.Release(1)
		return circuit.ErrOpen
	}
	return nil
}

// Release frees the trade slot.
func (s *Session) Release() {
	s.slot.Release(1)
}

// ReportOutcome feeds the circuit breaker. Transport failures and
// connection-level retcodes count against it; business rejections mean
// the venue is alive and reset the streak.
func (s *Session) ReportOutcome(venueAlive bool) {
	if venueAlive {
		s.breaker.RecordSuccess()
	} else {
		s.breaker.RecordFailure()
	}
}

// Degraded reports whether the breaker currently rejects submissions.
func (s *Session) Degraded() bool {
	return s.breaker.State() != circuit.StateClosed
}

// Client exposes the underlying bridge client for read-only callers
// (market data, reconciliation).
func (s *Session) Client() *Client {
	return s.client
}

// Account returns the login this session trades as.
func (s *Session) Account() int64 {
	return s.creds.Account
}
