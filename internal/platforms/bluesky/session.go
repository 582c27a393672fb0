package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"
	"golang.org/x/sync/singleflight"

	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
)

// SessionTTL is how long a cached session is refreshed instead of recreated.
const SessionTTL = 90 * time.Minute

// Session is an authenticated PDS session.
type Session struct {
	AccessJwt  string
	RefreshJwt string
	Handle     string
	Did        string
	CreatedAt  time.Time
}

// SessionManager caches one session per account. Concurrent callers share a
// single in-flight create or refresh.
type SessionManager struct {
	host       string
	client     *http.Client
	identifier string
	password   string
	now        func() time.Time

	mu     sync.Mutex
	cached *Session
	group  singleflight.Group
}

// NewSessionManager returns a manager that logs in to host as identifier.
func NewSessionManager(host, identifier, password string, client *http.Client, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		host:       host,
		client:     client,
		identifier: identifier,
		password:   password,
		now:        now,
	}
}

// Get returns a usable session. A cached session younger than SessionTTL is
// refreshed; otherwise, or when the refresh fails, a new one is created.
func (m *SessionManager) Get(ctx context.Context) (*Session, error) {
	v, err, _ := m.group.Do("session", func() (any, error) {
		return m.get(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate drops the cached session; the next Get logs in again.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}

func (m *SessionManager) get(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	cached := m.cached
	m.mu.Unlock()

	if cached != nil && m.now().Sub(cached.CreatedAt) < SessionTTL {
		refreshed, err := m.refresh(ctx, cached)
		if err == nil {
			m.store(refreshed)
			return refreshed, nil
		}
		logutil.Debugf("bluesky: session refresh failed, logging in again: %v", err)
	}

	created, err := m.create(ctx)
	if err != nil {
		m.Invalidate()
		return nil, &gateway.AuthError{Provider: providerName, Err: err}
	}
	m.store(created)
	return created, nil
}

func (m *SessionManager) store(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = s
}

func (m *SessionManager) create(ctx context.Context) (*Session, error) {
	logutil.Debugf("bluesky: creating session for %s", m.identifier)
	out, err := atproto.ServerCreateSession(ctx, m.xrpcClient(nil), &atproto.ServerCreateSession_Input{
		Identifier: m.identifier,
		Password:   m.password,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
		CreatedAt:  m.now(),
	}, nil
}

// refresh calls refreshSession, which authenticates with the refresh token
// in place of the access token.
func (m *SessionManager) refresh(ctx context.Context, s *Session) (*Session, error) {
	client := m.xrpcClient(&xrpc.AuthInfo{
		AccessJwt:  s.RefreshJwt,
		RefreshJwt: s.RefreshJwt,
		Handle:     s.Handle,
		Did:        s.Did,
	})
	out, err := atproto.ServerRefreshSession(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if out.AccessJwt == "" {
		return nil, errors.New("refresh session: empty access token")
	}
	return &Session{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
		CreatedAt:  m.now(),
	}, nil
}

// Client returns an xrpc client authenticated as s.
func (m *SessionManager) Client(s *Session) *xrpc.Client {
	return m.xrpcClient(&xrpc.AuthInfo{
		AccessJwt:  s.AccessJwt,
		RefreshJwt: s.RefreshJwt,
		Handle:     s.Handle,
		Did:        s.Did,
	})
}

func (m *SessionManager) xrpcClient(auth *xrpc.AuthInfo) *xrpc.Client {
	userAgent := gateway.UserAgent
	return &xrpc.Client{
		Client:    m.client,
		Host:      m.host,
		UserAgent: &userAgent,
		Auth:      auth,
	}
}
