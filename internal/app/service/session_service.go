package service

import (
	"authgate/internal/app/querycache"
	"authgate/internal/common"
	"authgate/internal/domain/model"
	"authgate/internal/domain/repository"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// AuthQueryKey is the cache key the session is stored under.
const AuthQueryKey = "auth"

// LoginError is returned when the credential service refuses a login.
type LoginError struct {
	Message string
}

func (e *LoginError) Error() string {
	return "login failed: " + e.Message
}

func (e *LoginError) Unwrap() error {
	return common.ErrInvalidCredentials
}

type SessionOptions struct {
	// CallTimeout bounds every credential service and storage call.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// SessionManager owns the process-wide session: the token persisted in the
// TokenStore and the identity cached under AuthQueryKey. It is the only
// writer of both.
//
// Login and Logout take a ticket when they start. Their results are
// committed in ticket order; a mutation that finishes after a later one has
// committed is discarded. Background identity resolution never overwrites a
// committed mutation.
type SessionManager struct {
	creds       CredentialService
	tokens      repository.TokenStore
	cache       *querycache.Cache[model.Session]
	log         *slog.Logger
	callTimeout time.Duration

	mounted atomic.Bool
	tickets atomic.Uint64

	commitMu  sync.Mutex
	committed uint64

	subsMu  sync.RWMutex
	subs    map[int]func(model.SessionSnapshot)
	nextSub int

	stopListening func()
}

func NewSessionManager(
	creds CredentialService,
	tokens repository.TokenStore,
	cache *querycache.Cache[model.Session],
	opts SessionOptions,
) (*SessionManager, error) {
	switch {
	case creds == nil:
		return nil, fmt.Errorf("session manager needs a credential service: %w", common.ErrMisconfigured)
	case tokens == nil:
		return nil, fmt.Errorf("session manager needs a token store: %w", common.ErrMisconfigured)
	case cache == nil:
		return nil, fmt.Errorf("session manager needs a cache: %w", common.ErrMisconfigured)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &SessionManager{
		creds:       creds,
		tokens:      tokens,
		cache:       cache,
		log:         opts.Logger,
		callTimeout: opts.CallTimeout,
		subs:        make(map[int]func(model.SessionSnapshot)),
	}
	m.stopListening = cache.Subscribe(m.onCacheChange)
	return m, nil
}

// Initialize resolves the persisted token into a session. The warm-up
// prefetch and the read share one resolution. The returned error is the one
// reported by Snapshot as the Error state.
func (m *SessionManager) Initialize(ctx context.Context) error {
	m.mounted.Store(true)
	m.cache.Prefetch(ctx, AuthQueryKey, m.resolve)
	_, err := m.cache.Fetch(ctx, AuthQueryKey, m.resolve)
	return err
}

// Login authenticates and, on success, persists the token and publishes the
// new session. Any other outcome leaves the session unauthenticated.
func (m *SessionManager) Login(ctx context.Context, username, password string) (*model.CredentialResult, error) {
	ticket := m.tickets.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	res, err := m.creds.Authenticate(callCtx, username, password)
	cancel()

	if err != nil {
		m.reset(ctx, ticket, "login call failed")
		return nil, fmt.Errorf("login: %w", err)
	}
	if res == nil || !res.Success || res.AuthToken == "" || res.User == nil {
		msg := "login rejected"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		m.reset(ctx, ticket, "login rejected")
		return res, &LoginError{Message: msg}
	}

	if err := m.commit(ctx, ticket, model.NewSession(res.AuthToken, res.User)); err != nil {
		return res, err
	}
	m.log.Info("user logged in", slog.String("username", res.User.Username))
	return res, nil
}

// Logout ends the session. The local session is cleared even when the
// credential service fails; the returned ErrLogoutFailed only says the
// remote side may still consider the session open.
func (m *SessionManager) Logout(ctx context.Context) error {
	ticket := m.tickets.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	res, err := m.creds.TerminateSession(callCtx)
	cancel()
	if err == nil && (res == nil || !res.Success) {
		err = errors.New("session termination refused")
		if res != nil && res.Message != "" {
			err = errors.New(res.Message)
		}
	}

	commitErr := m.commit(ctx, ticket, model.Anonymous)
	if err != nil {
		m.log.Warn("logout failed, session cleared locally", slog.Any("error", err))
		return errors.Join(fmt.Errorf("%w: %w", common.ErrLogoutFailed, err), commitErr)
	}
	if commitErr == nil {
		m.log.Info("user logged out")
	}
	return commitErr
}

// Snapshot returns the current session view. A stale session is revalidated
// in the background; an evicted one is re-initialized and reported as loading.
func (m *SessionManager) Snapshot() model.SessionSnapshot {
	e, ok := m.cache.Peek(AuthQueryKey)
	if !ok {
		if !m.mounted.Load() {
			return model.SessionSnapshot{State: model.StateUninitialized, IsLoading: true}
		}
		m.cache.Prefetch(context.Background(), AuthQueryKey, m.resolve)
		return model.SessionSnapshot{State: model.StateLoading, IsLoading: true}
	}

	// A failed fetch is not retried here; Initialize, Login or Logout move
	// it on.
	if e.HasValue && e.Err == nil && e.Stale && !e.Fetching && m.mounted.Load() {
		m.cache.Prefetch(context.Background(), AuthQueryKey, m.resolve)
	}
	return snapshotOf(e)
}

// Subscribe calls fn with every new snapshot. fn runs synchronously on the
// goroutine that changed the session and must not call Login, Logout or
// Subscribe.
func (m *SessionManager) Subscribe(fn func(model.SessionSnapshot)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Close detaches the manager from the cache.
func (m *SessionManager) Close() {
	m.stopListening()
}

func (m *SessionManager) resolve(ctx context.Context) (model.Session, error) {
	gen := m.committedTicket()

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	token, ok, err := m.tokens.GetItem(callCtx, repository.AuthTokenKey)
	if err != nil {
		return model.Anonymous, err
	}
	if !ok || token == "" {
		return model.Anonymous, nil
	}

	user, err := m.creds.FetchCurrentUser(callCtx, token)
	if err != nil || user == nil {
		if err == nil {
			err = fmt.Errorf("%w: no user for token", common.ErrIdentity)
		}
		m.log.Warn("stored token rejected, clearing session", slog.Any("error", err))
		m.purgeIfUnchanged(ctx, gen)
		return model.Anonymous, nil
	}
	return model.NewSession(token, user), nil
}

func (m *SessionManager) committedTicket() uint64 {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.committed
}

// purgeIfUnchanged drops the persisted token unless a mutation committed
// since gen; that mutation already wrote the token it wants.
func (m *SessionManager) purgeIfUnchanged(ctx context.Context, gen uint64) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if m.committed != gen {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
	defer cancel()
	if err := m.tokens.RemoveItem(pctx, repository.AuthTokenKey); err != nil {
		m.log.Error("failed to clear rejected token", slog.Any("error", err))
	}
}

func (m *SessionManager) reset(ctx context.Context, ticket uint64, reason string) {
	if err := m.commit(ctx, ticket, model.Anonymous); err != nil && !errors.Is(err, common.ErrSuperseded) {
		m.log.Error("failed to reset session", slog.String("reason", reason), slog.Any("error", err))
	}
}

// commit persists s and publishes it, unless a later mutation already did.
func (m *SessionManager) commit(ctx context.Context, ticket uint64, s model.Session) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if ticket < m.committed {
		m.log.Debug("discarding stale session change",
			slog.Uint64("ticket", ticket), slog.Uint64("committed", m.committed))
		return fmt.Errorf("session change %d: %w", ticket, common.ErrSuperseded)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
	defer cancel()

	var err error
	if s.Authenticated() {
		if err = m.tokens.SetItem(pctx, repository.AuthTokenKey, s.AuthToken); err != nil {
			if rerr := m.tokens.RemoveItem(pctx, repository.AuthTokenKey); rerr != nil {
				m.log.Error("failed to clear token after failed write", slog.Any("error", rerr))
			}
			s = model.Anonymous
			err = fmt.Errorf("persist session: %w", err)
		}
	} else if rerr := m.tokens.RemoveItem(pctx, repository.AuthTokenKey); rerr != nil {
		err = fmt.Errorf("clear session: %w", rerr)
	}

	m.committed = ticket
	m.cache.Set(AuthQueryKey, s)
	return err
}

func (m *SessionManager) onCacheChange(key string, e querycache.Entry[model.Session], present bool) {
	if key != AuthQueryKey {
		return
	}
	snap := model.SessionSnapshot{State: model.StateLoading, IsLoading: true}
	if present {
		snap = snapshotOf(e)
	}

	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, fn := range m.subs {
		fn(snap)
	}
}

func snapshotOf(e querycache.Entry[model.Session]) model.SessionSnapshot {
	snap := model.SessionSnapshot{Version: e.Version, FetchedAt: e.UpdatedAt}
	switch {
	case !e.HasValue && e.Err != nil:
		snap.State = model.StateError
	case !e.HasValue:
		snap.State = model.StateLoading
		snap.IsLoading = true
	default:
		snap.Session = model.NewSession(e.Value.AuthToken, e.Value.CurrentUser)
		snap.State = model.StateUnauthenticated
		if snap.Authenticated() {
			snap.State = model.StateAuthenticated
		}
	}
	if e.Err != nil {
		snap.State = model.StateError
		snap.IsError = true
		snap.Err = e.Err
	}
	return snap
}
