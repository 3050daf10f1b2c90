// Package auth runs password sign-up and sign-in against a delegation
// authority and owns the resulting session until it is signed out, expires
// or goes idle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"icpassword/go-client/internal/agent"
	"icpassword/go-client/internal/authority"
	"icpassword/go-client/internal/config"
	"icpassword/go-client/internal/delegation"
	"icpassword/go-client/internal/idle"
	"icpassword/go-client/internal/identity"
	"icpassword/go-client/internal/kdf"
	"icpassword/go-client/internal/platform/metrics"
	"icpassword/go-client/internal/platform/privacylog"
	"icpassword/go-client/internal/principal"
	"icpassword/go-client/internal/scheduler"
	"icpassword/go-client/internal/session"
	"icpassword/go-client/internal/storage"
)

var (
	ErrAuthenticationInProgress = errors.New("authentication already in progress")
	ErrInvalidCredentials       = errors.New("username and password are required")
	ErrAttemptDiscarded         = errors.New("authentication attempt was superseded by sign-out")
	ErrSessionExpired           = errors.New("issued delegation is already expired")
	ErrClosed                   = errors.New("session manager is closed")
)

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Result describes a successful sign-up or sign-in.
type Result struct {
	Principal principal.Principal
	ExpiresAt time.Time
	IsNewUser bool
}

type activeSession struct {
	identity  *delegation.Identity
	expiresAt time.Time
	gen       uint64
}

// Manager holds at most one session. All methods are safe for concurrent
// use; at most one SignUp or SignIn runs at a time and a second one is
// rejected with ErrAuthenticationInProgress.
type Manager struct {
	cfg       config.Config
	targets   []principal.Principal
	logger    *slog.Logger
	clock     clock.Clock
	client    *authority.Client
	engine    kdf.Engine
	ownsKDF   bool
	backend   storage.Storage
	ownsStore bool
	store     *session.Store
	sched     *scheduler.Scheduler
	monitor   *idle.Monitor
	bus       *idle.Bus
	metrics   *metrics.Collector
	events    *hub
	agentOpts []agent.Option

	// persistMu orders writes and clears of the persisted record. It is
	// taken before mu.
	persistMu sync.Mutex

	mu         sync.Mutex
	state      State
	current    *activeSession
	sessionGen uint64
	cancelGen  uint64
	closed     bool
	// pendingClear records that a session ended while an attempt was in
	// flight; its record is cleared only if the attempt does not replace it.
	pendingClear bool
}

// New builds a Manager without touching persisted state. Use Create to also
// restore a previous session.
func New(cfg config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	targets, err := cfg.TargetPrincipals()
	if err != nil {
		return nil, err
	}
	o := options{history: 64}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:       cfg,
		targets:   targets,
		logger:    o.logger,
		clock:     o.clock,
		metrics:   o.metrics,
		agentOpts: o.agentOpts,
	}
	if m.logger == nil {
		m.logger = slog.New(privacylog.WrapHandler(slog.Default().Handler()))
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	m.events = newHub(o.history, m.clock.Now)

	peer := o.authority
	if peer == nil {
		httpAuth, err := authority.NewHTTPAuthority(cfg.Host, cfg.AuthorityID, authority.WithNow(m.clock.Now))
		if err != nil {
			return nil, err
		}
		peer = httpAuth
	}
	m.client = authority.NewClient(peer)

	m.backend = o.storage
	if m.backend == nil {
		backend, err := storage.Open(cfg.Storage, storage.WithLogger(m.logger))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		m.backend = backend
		m.ownsStore = true
	}
	m.store = session.NewStore(m.backend, m.logger)

	m.engine = o.kdf
	if m.engine == nil {
		w, err := kdf.NewWorker(kdf.DefaultParams())
		if err != nil {
			m.releaseOwned()
			return nil, err
		}
		m.engine = w
		m.ownsKDF = true
	}

	m.sched = scheduler.New(m.clock, m.onExpire)
	if !cfg.Idle.Disabled {
		src := o.activity
		if src == nil {
			m.bus = idle.NewBus()
			src = m.bus
		}
		m.monitor = idle.New(src, m.clock, idle.Config{
			Timeout:       cfg.Idle.Timeout,
			CaptureScroll: cfg.Idle.CaptureScroll,
		}, m.onIdle)
	}
	return m, nil
}

// Create builds a Manager and restores any persisted session.
func Create(ctx context.Context, cfg config.Config, opts ...Option) (*Manager, error) {
	m, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	m.Restore(ctx)
	return m, nil
}

func (m *Manager) SignUp(ctx context.Context, username, password string) (Result, error) {
	return m.authenticate(ctx, EventSignUp, username, password, true)
}

func (m *Manager) SignIn(ctx context.Context, username, password string) (Result, error) {
	return m.authenticate(ctx, EventSignIn, username, password, false)
}

func (m *Manager) authenticate(ctx context.Context, op EventName, username, password string, register bool) (Result, error) {
	corr := uuid.NewString()
	log := m.logger.With("component", "auth", "operation", string(op), "correlation_id", corr)

	if username == "" || password == "" {
		return Result{}, m.fail(log, op, corr, ErrInvalidCredentials)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Result{}, m.fail(log, op, corr, ErrClosed)
	}
	if m.state == StateAuthenticating {
		m.mu.Unlock()
		m.metrics.AuthAttempt(string(op), metrics.OutcomeRejected)
		log.Warn("authentication rejected", "reason", "attempt in flight")
		m.events.publish(ErrorEvent{Op: op, Err: ErrAuthenticationInProgress, CorrelationID: corr})
		return Result{}, ErrAuthenticationInProgress
	}
	m.state = StateAuthenticating
	cancelGen := m.cancelGen
	m.mu.Unlock()

	log.Info("authentication started", "username", username)
	sess, isNew, err := m.runAttempt(ctx, op, corr, username, password, register)

	m.persistMu.Lock()
	m.mu.Lock()
	discarded := err == nil && (m.closed || m.cancelGen != cancelGen)
	if discarded {
		err = ErrAttemptDiscarded
	}
	if err != nil {
		m.state = m.settledStateLocked()
		clearStore := !m.closed && (discarded || m.pendingClear)
		m.pendingClear = false
		m.mu.Unlock()
		if clearStore {
			if clearErr := m.store.Clear(ctx); clearErr != nil {
				log.Warn("clear discarded session failed", "error", clearErr.Error())
			}
		}
		m.persistMu.Unlock()
		return Result{}, m.fail(log, op, corr, err)
	}

	m.pendingClear = false
	m.sessionGen++
	sess.gen = m.sessionGen
	m.current = sess
	m.state = StateAuthenticated
	m.armLocked(sess)
	m.mu.Unlock()
	m.persistMu.Unlock()

	res := Result{Principal: sess.identity.Principal(), ExpiresAt: sess.expiresAt, IsNewUser: isNew}
	m.metrics.AuthAttempt(string(op), metrics.OutcomeSuccess)
	log.Info("authenticated",
		"principal", res.Principal.String(),
		"key_id", sess.identity.KeyID(),
		"expires_at", res.ExpiresAt,
		"is_new_user", isNew,
	)
	m.events.publish(AuthEvent{
		Event:     op,
		Reason:    ReasonManual,
		Principal: res.Principal.String(),
		ExpiresAt: res.ExpiresAt,
		IsNewUser: isNew,
	})
	return res, nil
}

// runAttempt performs derive, prepare, fetch, build and persist in order.
// The long-term key only lives for the duration of this call.
func (m *Manager) runAttempt(ctx context.Context, op EventName, corr, username, password string, register bool) (*activeSession, bool, error) {
	m.progress(op, StepDeriving, corr)
	started := time.Now()
	seed, err := m.engine.Derive(ctx, []byte(password), kdf.Salt(username))
	m.metrics.KeyDerivation(time.Since(started))
	if err != nil {
		return nil, false, fmt.Errorf("derive key: %w", err)
	}
	longTerm, err := identity.FromSeed(seed)
	clear(seed)
	if err != nil {
		return nil, false, err
	}
	defer longTerm.Wipe()

	ephemeral, err := identity.Random()
	if err != nil {
		return nil, false, fmt.Errorf("generate session key: %w", err)
	}

	m.progress(op, StepPreparing, corr)
	prepared, err := m.client.Prepare(ctx, longTerm, authority.PrepareParams{
		UserID:     authority.UserID(username),
		Register:   register,
		Origin:     m.cfg.Origin,
		SessionKey: ephemeral.PublicKeyDER(),
		TTL:        authority.SessionTTL,
		Targets:    m.targets,
	})
	if err != nil {
		return nil, false, err
	}

	m.progress(op, StepFetching, corr)
	fetched, err := m.client.Fetch(ctx, longTerm, authority.FetchParams{
		Origin:        m.cfg.Origin,
		SessionKey:    ephemeral.PublicKeyDER(),
		ExpireAt:      prepared.ExpireAt,
		Targets:       m.targets,
		UserPublicKey: prepared.UserPublicKey,
	})
	if err != nil {
		return nil, false, err
	}

	chain, err := delegation.Build(fetched.Delegations, fetched.UserPublicKey)
	if err != nil {
		return nil, false, err
	}
	id, err := delegation.NewIdentity(ephemeral, chain)
	if err != nil {
		return nil, false, err
	}
	expiresAt := chain.Expiration()
	if !m.clock.Now().Before(expiresAt) {
		return nil, false, ErrSessionExpired
	}

	m.progress(op, StepPersisting, corr)
	m.persistMu.Lock()
	err = m.store.Save(ctx, session.Record{Chain: chain, Principal: id.Principal(), ExpiresAt: expiresAt})
	m.persistMu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return &activeSession{identity: id, expiresAt: expiresAt}, prepared.IsNew, nil
}

// Restore loads the persisted session, if any. The session ends at the
// earlier of the recorded expiry and the chain's own expiration. Expired
// records are cleared and reported as an expired sign-out. Corrupt records are dropped by the
// store. It reports whether a session is now active.
func (m *Manager) Restore(ctx context.Context) bool {
	log := m.logger.With("component", "auth", "operation", string(EventRestore))

	m.mu.Lock()
	if m.closed || m.state != StateUnauthenticated {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	rec, err := m.store.Load(ctx)
	if err != nil {
		log.Warn("session restore failed", "error", err.Error())
		m.metrics.Restore("none")
		return false
	}
	if rec == nil {
		m.metrics.Restore("none")
		return false
	}
	expiresAt := rec.ExpiresAt
	if chainExp := rec.Chain.Expiration(); chainExp.Before(expiresAt) {
		expiresAt = chainExp
	}
	if !m.clock.Now().Before(expiresAt) {
		log.Info("persisted session expired", "expires_at", expiresAt)
		m.metrics.Restore("expired")
		_ = m.SignOut(ctx, ReasonExpired)
		return false
	}
	if !rec.Principal.Equal(rec.Chain.Principal()) {
		log.Warn("persisted session principal does not match chain, discarding")
		m.metrics.Restore("none")
		if err := m.store.Clear(ctx); err != nil {
			log.Warn("clear mismatched session failed", "error", err.Error())
		}
		return false
	}

	fresh, err := identity.Random()
	if err != nil {
		log.Warn("session restore failed", "error", err.Error())
		return false
	}
	sess := &activeSession{
		identity:  delegation.RestoredIdentity(fresh, rec.Chain),
		expiresAt: expiresAt,
	}

	m.mu.Lock()
	if m.closed || m.state != StateUnauthenticated {
		m.mu.Unlock()
		return false
	}
	m.sessionGen++
	sess.gen = m.sessionGen
	m.current = sess
	m.state = StateAuthenticated
	m.armLocked(sess)
	m.mu.Unlock()

	m.metrics.Restore("restored")
	log.Info("session restored", "principal", rec.Principal.String(), "expires_at", expiresAt)
	m.events.publish(AuthEvent{
		Event:     EventRestore,
		Principal: rec.Principal.String(),
		ExpiresAt: expiresAt,
	})
	return true
}

// SignOut ends the session, removes the persisted record and stops both
// monitors. It always emits a sign-out event, even without a session. An
// attempt in flight when SignOut is called is discarded.
func (m *Manager) SignOut(ctx context.Context, reason Reason) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancelGen++
	m.endLocked()
	m.mu.Unlock()

	m.persistMu.Lock()
	err := m.store.Clear(ctx)
	m.persistMu.Unlock()
	return m.finishSignOut(reason, err)
}

// endSession signs out only if gen still names the current session. The
// persisted record is left to an attempt in flight, which either replaces
// it or clears it when it fails.
func (m *Manager) endSession(reason Reason, gen uint64) {
	m.mu.Lock()
	if m.closed || m.current == nil || m.current.gen != gen {
		m.mu.Unlock()
		return
	}
	m.endLocked()
	m.mu.Unlock()

	m.persistMu.Lock()
	m.mu.Lock()
	keep := m.closed || m.current != nil || m.state == StateAuthenticating
	if m.state == StateAuthenticating {
		m.pendingClear = true
	}
	m.mu.Unlock()
	var err error
	if !keep {
		err = m.store.Clear(context.Background())
	}
	m.persistMu.Unlock()
	_ = m.finishSignOut(reason, err)
}

func (m *Manager) endLocked() {
	m.current = nil
	m.sessionGen++
	if m.state == StateAuthenticated {
		m.state = StateUnauthenticated
	}
	m.sched.Disarm()
	if m.monitor != nil {
		m.monitor.Stop()
	}
}

func (m *Manager) finishSignOut(reason Reason, err error) error {
	log := m.logger.With("component", "auth", "operation", string(EventSignOut))
	if err != nil {
		log.Warn("clear persisted session failed", "reason", string(reason), "error", err.Error())
	}
	m.metrics.SignOut(string(reason))
	log.Info("signed out", "reason", string(reason))
	m.events.publish(AuthEvent{Event: EventSignOut, Reason: reason})
	return err
}

func (m *Manager) onExpire(deadline time.Time) {
	m.mu.Lock()
	if m.current == nil || !m.current.expiresAt.Equal(deadline) {
		m.mu.Unlock()
		return
	}
	gen := m.current.gen
	m.mu.Unlock()
	m.endSession(ReasonExpired, gen)
}

func (m *Manager) onIdle() {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	gen := m.current.gen
	m.mu.Unlock()
	m.endSession(ReasonIdle, gen)
}

func (m *Manager) armLocked(sess *activeSession) {
	m.sched.Arm(sess.expiresAt)
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor.Start()
	}
}

func (m *Manager) settledStateLocked() State {
	if m.current != nil && m.clock.Now().Before(m.current.expiresAt) {
		return StateAuthenticated
	}
	return StateUnauthenticated
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.clock.Now().Before(m.current.expiresAt)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated && !m.clock.Now().Before(m.current.expiresAt) {
		return StateUnauthenticated
	}
	return m.state
}

// Principal returns the session principal, or nil when unauthenticated.
func (m *Manager) Principal() principal.Principal {
	id := m.Identity()
	if id == nil {
		return nil
	}
	return id.Principal()
}

func (m *Manager) ExpiresAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.clock.Now().Before(m.current.expiresAt) {
		return time.Time{}, false
	}
	return m.current.expiresAt, true
}

// Identity returns the delegated identity, or nil when unauthenticated.
func (m *Manager) Identity() *delegation.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.clock.Now().Before(m.current.expiresAt) {
		return nil
	}
	return m.current.identity
}

// CreateAgent returns an agent bound to the current identity, or nil
// without error when there is no session.
func (m *Manager) CreateAgent(ctx context.Context) (*agent.Agent, error) {
	id := m.Identity()
	if id == nil {
		return nil, nil
	}
	a, err := agent.New(m.cfg.Host, id, m.agentOpts...)
	if err != nil {
		return nil, err
	}
	if m.cfg.FetchRootKeyForLocalDev {
		if err := a.FetchRootKey(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ActivityBus is the internal activity source, or nil when one was supplied
// with WithActivitySource or idle handling is disabled.
func (m *Manager) ActivityBus() *idle.Bus {
	return m.bus
}

func (m *Manager) Subscribe(o Observer) (cancel func()) {
	return m.events.subscribe(o)
}

// SubscribeEvents replays buffered events after fromSeq and streams new ones.
func (m *Manager) SubscribeEvents(fromSeq int64) ([]Notification, <-chan Notification, func()) {
	return m.events.subscribeChan(fromSeq)
}

// Close stops timers and listeners and releases owned resources. The
// persisted session is kept so a later Create can restore it.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelGen++
	m.current = nil
	m.state = StateUnauthenticated
	m.sched.Disarm()
	if m.monitor != nil {
		m.monitor.Stop()
	}
	m.mu.Unlock()

	m.events.closeAll()
	return m.releaseOwned()
}

func (m *Manager) releaseOwned() error {
	var errs []error
	if m.ownsKDF {
		if c, ok := m.engine.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	if m.ownsStore {
		errs = append(errs, storage.Close(m.backend))
	}
	return errors.Join(errs...)
}

func (m *Manager) progress(op EventName, step Step, corr string) {
	m.events.publish(ProgressEvent{Op: op, Step: step, CorrelationID: corr})
}

func (m *Manager) fail(log *slog.Logger, op EventName, corr string, err error) error {
	m.metrics.AuthAttempt(string(op), metrics.OutcomeFailure)
	log.Warn("authentication failed", "error", err.Error())
	m.events.publish(ErrorEvent{Op: op, Err: err, CorrelationID: corr})
	return err
}
