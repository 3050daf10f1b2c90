package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"icpassword/go-client/internal/authority"
	"icpassword/go-client/internal/authority/authoritytest"
	"icpassword/go-client/internal/config"
	"icpassword/go-client/internal/idle"
	"icpassword/go-client/internal/kdf"
	"icpassword/go-client/internal/platform/metrics"
	"icpassword/go-client/internal/principal"
	"icpassword/go-client/internal/session"
	"icpassword/go-client/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.ch <- e:
	default:
	}
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) signOuts() []AuthEvent {
	var out []AuthEvent
	for _, e := range r.all() {
		if ae, ok := e.(AuthEvent); ok && ae.Event == EventSignOut {
			out = append(out, ae)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func isSignOut(reason Reason) func(Event) bool {
	return func(e Event) bool {
		ae, ok := e.(AuthEvent)
		return ok && ae.Event == EventSignOut && ae.Reason == reason
	}
}

func isStep(step Step) func(Event) bool {
	return func(e Event) bool {
		pe, ok := e.(ProgressEvent)
		return ok && pe.Step == step
	}
}

type harness struct {
	stub    *authoritytest.Stub
	clock   *clock.Mock
	backend *storage.Memory
	engine  kdf.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	stub := authoritytest.New()
	stub.SetNow(mock.Now)
	engine, err := kdf.NewInline(kdf.Params{Time: 1, MemoryKB: 64, Threads: 1, KeyLen: 32})
	if err != nil {
		t.Fatalf("kdf engine failed: %v", err)
	}
	return &harness{stub: stub, clock: mock, backend: storage.NewMemory(), engine: engine}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AuthorityID = "rdmx6-jaaaa-aaaaa-aaadq-cai"
	cfg.Origin = "https://app.example"
	cfg.Idle.Timeout = 10 * time.Minute
	return cfg
}

func (h *harness) manager(t *testing.T, cfg config.Config, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	base := []Option{
		WithAuthority(h.stub),
		WithKDF(h.engine),
		WithStorage(h.backend),
		WithClock(h.clock),
		WithLogger(quietLogger()),
	}
	m, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	rec := newRecorder()
	m.Subscribe(rec)
	return m, rec
}

func expectedPrincipal(username string) string {
	return principal.SelfAuthenticating(authoritytest.UserPublicKeyDER(authority.UserID(username))).String()
}

func TestSignUpEndToEnd(t *testing.T) {
	h := newHarness(t)
	m, rec := h.manager(t, testConfig())
	ctx := context.Background()

	res, err := m.SignUp(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if !res.IsNewUser {
		t.Fatal("first sign-up should report a new user")
	}
	if res.Principal.String() != expectedPrincipal("alice") {
		t.Fatalf("unexpected principal: %s", res.Principal)
	}
	if !res.ExpiresAt.Equal(h.clock.Now().Add(authority.SessionTTL)) {
		t.Fatalf("unexpected expiry: %v", res.ExpiresAt)
	}
	if !m.IsAuthenticated() || m.State() != StateAuthenticated {
		t.Fatalf("expected authenticated state, got %s", m.State())
	}
	if m.Principal().String() != res.Principal.String() {
		t.Fatal("Principal should match the sign-up result")
	}
	if exp, ok := m.ExpiresAt(); !ok || !exp.Equal(res.ExpiresAt) {
		t.Fatalf("unexpected ExpiresAt: %v %v", exp, ok)
	}
	if id := m.Identity(); id == nil || !id.CanSign() {
		t.Fatal("fresh session should be able to sign")
	}

	var steps []Step
	var auth *AuthEvent
	for _, e := range rec.all() {
		switch ev := e.(type) {
		case ProgressEvent:
			steps = append(steps, ev.Step)
		case AuthEvent:
			auth = &ev
		}
	}
	want := []Step{StepDeriving, StepPreparing, StepFetching, StepPersisting}
	if len(steps) != len(want) {
		t.Fatalf("unexpected progress steps: %v", steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("unexpected progress steps: %v", steps)
		}
	}
	if auth == nil || auth.Event != EventSignUp || auth.Reason != ReasonManual || !auth.IsNewUser || auth.Principal != res.Principal.String() {
		t.Fatalf("unexpected auth event: %+v", auth)
	}

	stored, err := session.NewStore(h.backend, nil).Load(ctx)
	if err != nil || stored == nil {
		t.Fatalf("session should be persisted: %v", err)
	}
	if !stored.Principal.Equal(res.Principal) {
		t.Fatal("persisted principal mismatch")
	}
}

func TestSignInIsDeterministicAcrossManagers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.manager(t, testConfig())
	up, err := first.SignUp(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if err := first.SignOut(ctx, ReasonManual); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}

	second, _ := h.manager(t, testConfig())
	in, err := second.SignIn(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	if in.IsNewUser {
		t.Fatal("sign-in must not report a new user")
	}
	if !in.Principal.Equal(up.Principal) {
		t.Fatalf("sign-in principal %s differs from sign-up principal %s", in.Principal, up.Principal)
	}

	again, err := second.SignUp(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("repeat sign up failed: %v", err)
	}
	if again.IsNewUser {
		t.Fatal("repeat sign-up should not report a new user")
	}
}

func TestSignInWithWrongPasswordFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, rec := h.manager(t, testConfig())
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if err := m.SignOut(ctx, ReasonManual); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}

	_, err := m.SignIn(ctx, "alice", "wrong-password")
	var derr *authority.DelegationError
	if !errors.As(err, &derr) || err.Error() != "account not found" {
		t.Fatalf("expected verbatim delegation error, got %v", err)
	}
	if m.IsAuthenticated() || m.State() != StateUnauthenticated {
		t.Fatalf("failed sign-in must leave the manager unauthenticated, got %s", m.State())
	}
	if m.Principal() != nil {
		t.Fatal("principal should be absent")
	}
	var errEvent *ErrorEvent
	for _, e := range rec.all() {
		if ev, ok := e.(ErrorEvent); ok {
			errEvent = &ev
		}
	}
	if errEvent == nil || errEvent.Op != EventSignIn || !errors.Is(errEvent.Err, authority.ErrDelegation) {
		t.Fatalf("expected error event, got %+v", errEvent)
	}
}

func TestFailedSignInKeepsExistingSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.manager(t, testConfig())
	up, err := m.SignUp(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if _, err := m.SignIn(ctx, "mallory", "guess"); err == nil {
		t.Fatal("expected sign-in failure")
	}
	if !m.IsAuthenticated() || !m.Principal().Equal(up.Principal) {
		t.Fatal("a failed attempt must not drop the active session")
	}
}

func TestInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	m, _ := h.manager(t, testConfig())
	if _, err := m.SignIn(context.Background(), "", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := m.SignUp(context.Background(), "alice", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignOutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, rec := h.manager(t, testConfig())
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if err := m.SignOut(ctx, ReasonManual); err != nil {
		t.Fatalf("first sign out failed: %v", err)
	}
	if err := m.SignOut(ctx, ReasonManual); err != nil {
		t.Fatalf("second sign out failed: %v", err)
	}
	if m.IsAuthenticated() {
		t.Fatal("expected unauthenticated after sign-out")
	}
	if got := len(rec.signOuts()); got != 2 {
		t.Fatalf("each sign-out should emit an event, got %d", got)
	}
	if _, ok, _ := h.backend.Get(ctx, session.Key); ok {
		t.Fatal("persisted session should be removed")
	}
	if agent, err := m.CreateAgent(ctx); agent != nil || err != nil {
		t.Fatalf("CreateAgent should signal absence: %v %v", agent, err)
	}
}

func TestRestoreValidSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.manager(t, testConfig())
	up, err := first.SignUp(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	h.clock.Add(10 * time.Minute)
	second, rec := h.manager(t, testConfig())
	if !second.Restore(ctx) {
		t.Fatal("expected the persisted session to be restored")
	}
	if !second.IsAuthenticated() || !second.Principal().Equal(up.Principal) {
		t.Fatal("restored session should carry the original principal")
	}
	id := second.Identity()
	if id == nil || !id.Restored() || id.CanSign() {
		t.Fatal("restored identity must not sign as the original session key")
	}
	if exp, _ := second.ExpiresAt(); !exp.Equal(time.UnixMilli(up.ExpiresAt.UnixMilli())) {
		t.Fatalf("unexpected restored expiry: %v", exp)
	}
	e := rec.waitFor(t, func(e Event) bool {
		ae, ok := e.(AuthEvent)
		return ok && ae.Event == EventRestore
	})
	if e.(AuthEvent).Principal != up.Principal.String() {
		t.Fatal("restore event should name the principal")
	}
	if second.Restore(ctx) {
		t.Fatal("restore on an authenticated manager should do nothing")
	}
}

func TestExpiredSessionIsClearedOnRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.manager(t, testConfig())
	if _, err := first.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	_ = first.Close()

	h.clock.Add(31 * time.Minute)
	second, rec := h.manager(t, testConfig())
	if second.Restore(ctx) {
		t.Fatal("expired session must not be restored")
	}
	if second.IsAuthenticated() {
		t.Fatal("expected unauthenticated")
	}
	outs := rec.signOuts()
	if len(outs) != 1 || outs[0].Reason != ReasonExpired {
		t.Fatalf("expected one expired sign-out event, got %+v", outs)
	}
	if _, ok, _ := h.backend.Get(ctx, session.Key); ok {
		t.Fatal("expired session should be removed from storage")
	}
}

// extendRecord rewrites the persisted record with a later expiry than its
// chain carries.
func extendRecord(t *testing.T, h *harness, expiresAt time.Time) *session.Record {
	t.Helper()
	ctx := context.Background()
	store := session.NewStore(h.backend, quietLogger())
	stored, err := store.Load(ctx)
	if err != nil || stored == nil {
		t.Fatalf("load persisted session failed: %v", err)
	}
	if err := store.Save(ctx, session.Record{Chain: stored.Chain, Principal: stored.Principal, ExpiresAt: expiresAt}); err != nil {
		t.Fatalf("rewrite persisted session failed: %v", err)
	}
	return stored
}

func TestRestoreHonorsChainExpiration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.manager(t, testConfig())
	if _, err := first.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	extendRecord(t, h, h.clock.Now().Add(6*time.Hour))
	_ = first.Close()

	h.clock.Add(time.Hour)
	second, rec := h.manager(t, testConfig())
	if second.Restore(ctx) {
		t.Fatal("a session whose chain has expired must not be restored")
	}
	if second.IsAuthenticated() {
		t.Fatal("expected unauthenticated")
	}
	outs := rec.signOuts()
	if len(outs) != 1 || outs[0].Reason != ReasonExpired {
		t.Fatalf("expected one expired sign-out event, got %+v", outs)
	}
	if _, ok, _ := h.backend.Get(ctx, session.Key); ok {
		t.Fatal("session with an expired chain should be removed from storage")
	}
}

func TestRestoreUsesEarlierChainExpiration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.manager(t, testConfig())
	if _, err := first.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	stored := extendRecord(t, h, h.clock.Now().Add(6*time.Hour))
	_ = first.Close()

	h.clock.Add(10 * time.Minute)
	second, _ := h.manager(t, testConfig())
	if !second.Restore(ctx) {
		t.Fatal("expected the persisted session to be restored")
	}
	exp, ok := second.ExpiresAt()
	if !ok || !exp.Equal(stored.Chain.Expiration()) {
		t.Fatalf("restored expiry should follow the chain: got %v want %v", exp, stored.Chain.Expiration())
	}
	h.clock.Add(21 * time.Minute)
	if second.IsAuthenticated() {
		t.Fatal("session should end with its chain")
	}
}

func TestUsernameIsNotTrimmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.manager(t, testConfig())
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if err := m.SignOut(ctx, ReasonManual); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	res, err := m.SignUp(ctx, " alice", "secret123")
	if err != nil {
		t.Fatalf("sign up with leading space failed: %v", err)
	}
	if !res.IsNewUser {
		t.Fatal("a padded username is a separate account")
	}
	if got := res.Principal.String(); got != expectedPrincipal(" alice") {
		t.Fatalf("unexpected principal %s", got)
	}
}

// clockAdvancingStorage runs onSet once, after the next successful Set.
type clockAdvancingStorage struct {
	storage.Storage
	mu    sync.Mutex
	onSet func()
}

func (s *clockAdvancingStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := s.Storage.Set(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onSet
	s.onSet = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// waitSessionEnded blocks until the timer goroutine has ended the current
// session.
func waitSessionEnded(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		ended := m.current == nil
		m.mu.Unlock()
		if ended {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for the session to end")
}

func TestOldSessionExpiryKeepsNewRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Idle.Disabled = true
	backend := &clockAdvancingStorage{Storage: h.backend}
	m, rec := h.manager(t, cfg, WithStorage(backend))
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}

	h.clock.Add(29 * time.Minute)
	backend.mu.Lock()
	backend.onSet = func() {
		h.clock.Add(2 * time.Minute)
		waitSessionEnded(t, m)
	}
	backend.mu.Unlock()

	res, err := m.SignIn(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	rec.waitFor(t, isSignOut(ReasonExpired))
	if !m.IsAuthenticated() {
		t.Fatal("the new session should survive the old one expiring")
	}
	stored, err := session.NewStore(h.backend, quietLogger()).Load(ctx)
	if err != nil {
		t.Fatalf("load persisted session failed: %v", err)
	}
	if stored == nil {
		t.Fatal("the new session record should still be persisted")
	}
	if stored.ExpiresAt.UnixMilli() != res.ExpiresAt.UnixMilli() {
		t.Fatalf("persisted expiry %v should match the new session %v", stored.ExpiresAt, res.ExpiresAt)
	}
}

func TestOldSessionExpiryClearsWhenAttemptFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Idle.Disabled = true
	m, rec := h.manager(t, cfg)
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	h.clock.Add(29 * time.Minute)

	h.stub.PrepareGate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := m.SignIn(ctx, "alice", "wrong-password")
		done <- err
	}()
	rec.waitFor(t, isStep(StepPreparing))
	h.clock.Add(2 * time.Minute)
	rec.waitFor(t, isSignOut(ReasonExpired))
	if _, ok, _ := h.backend.Get(ctx, session.Key); !ok {
		t.Fatal("the record should be kept while an attempt is in flight")
	}
	close(h.stub.PrepareGate)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("sign in with a wrong password should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sign in did not finish")
	}
	if m.IsAuthenticated() {
		t.Fatal("expected unauthenticated")
	}
	if _, ok, _ := h.backend.Get(ctx, session.Key); ok {
		t.Fatal("the expired record should be cleared once the attempt fails")
	}
}

func TestCorruptSessionFileDoesNotBlockSignUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("not json at all"), 0o600); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	file := storage.NewFile(path, "", storage.WithLogger(quietLogger()))
	m, err := Create(ctx, testConfig(),
		WithAuthority(h.stub), WithKDF(h.engine), WithStorage(file), WithClock(h.clock), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("create must not fail on a corrupt file: %v", err)
	}
	defer m.Close()
	if m.IsAuthenticated() {
		t.Fatal("corrupt file must not authenticate")
	}
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up over a corrupt file failed: %v", err)
	}
	if _, ok, err := storage.NewFile(path, "").Get(ctx, session.Key); err != nil || !ok {
		t.Fatalf("session should be persisted over the corrupt file: ok=%v err=%v", ok, err)
	}
}

func TestCorruptStorageIsTreatedAsNoSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.backend.Set(ctx, session.Key, []byte("not json at all")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	m, err := Create(ctx, testConfig(),
		WithAuthority(h.stub), WithKDF(h.engine), WithStorage(h.backend), WithClock(h.clock), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("create must not fail on corrupt storage: %v", err)
	}
	defer m.Close()
	if m.IsAuthenticated() {
		t.Fatal("corrupt session must not authenticate")
	}
	if _, ok, _ := h.backend.Get(ctx, session.Key); ok {
		t.Fatal("corrupt session should be cleared")
	}
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up after corruption failed: %v", err)
	}
}

func TestIdleTimeoutSignsOutExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Idle.Timeout = time.Minute
	m, rec := h.manager(t, cfg)
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	bus := m.ActivityBus()
	if bus == nil {
		t.Fatal("expected an internal activity bus")
	}

	h.clock.Add(50 * time.Second)
	bus.Emit(idle.SignalPointer)
	h.clock.Add(50 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if !m.IsAuthenticated() {
		t.Fatal("activity should have postponed the idle sign-out")
	}

	h.clock.Add(10 * time.Second)
	rec.waitFor(t, isSignOut(ReasonIdle))
	if m.IsAuthenticated() {
		t.Fatal("idle sign-out should clear the session")
	}
	if bus.ListenerCount() != 0 {
		t.Fatalf("idle sign-out should detach listeners, got %d", bus.ListenerCount())
	}

	h.clock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.signOuts()); got != 1 {
		t.Fatalf("expected exactly one sign-out, got %d", got)
	}
}

func TestExpirySignsOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Idle.Disabled = true
	m, rec := h.manager(t, cfg)
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if m.ActivityBus() != nil {
		t.Fatal("disabled idle handling should not create a bus")
	}
	h.clock.Add(29 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if !m.IsAuthenticated() {
		t.Fatal("session should still be valid")
	}
	h.clock.Add(time.Minute)
	rec.waitFor(t, isSignOut(ReasonExpired))
	if m.IsAuthenticated() {
		t.Fatal("expired session should be cleared")
	}
	if _, ok, _ := h.backend.Get(ctx, session.Key); ok {
		t.Fatal("expired session should be removed from storage")
	}
}

func TestConcurrentAttemptIsRejected(t *testing.T) {
	h := newHarness(t)
	h.stub.PrepareGate = make(chan struct{})
	ctx := context.Background()
	m, rec := h.manager(t, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := m.SignUp(ctx, "alice", "secret123")
		done <- err
	}()
	rec.waitFor(t, isStep(StepPreparing))
	if m.State() != StateAuthenticating {
		t.Fatalf("expected authenticating state, got %s", m.State())
	}

	if _, err := m.SignIn(ctx, "alice", "secret123"); !errors.Is(err, ErrAuthenticationInProgress) {
		t.Fatalf("expected ErrAuthenticationInProgress, got %v", err)
	}
	close(h.stub.PrepareGate)
	if err := <-done; err != nil {
		t.Fatalf("first attempt should succeed: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected authenticated after first attempt")
	}
	prepares, _ := h.stub.Calls()
	if prepares != 1 {
		t.Fatalf("rejected attempt must not reach the authority, got %d prepares", prepares)
	}
}

func TestSignOutDiscardsAttemptInFlight(t *testing.T) {
	h := newHarness(t)
	h.stub.PrepareGate = make(chan struct{})
	ctx := context.Background()
	m, rec := h.manager(t, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := m.SignUp(ctx, "alice", "secret123")
		done <- err
	}()
	rec.waitFor(t, isStep(StepPreparing))
	if err := m.SignOut(ctx, ReasonManual); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	close(h.stub.PrepareGate)
	if err := <-done; !errors.Is(err, ErrAttemptDiscarded) {
		t.Fatalf("expected ErrAttemptDiscarded, got %v", err)
	}
	if m.IsAuthenticated() || m.State() != StateUnauthenticated {
		t.Fatalf("discarded attempt must not authenticate, state %s", m.State())
	}
	if _, ok, _ := h.backend.Get(ctx, session.Key); ok {
		t.Fatal("discarded attempt must not leave a persisted session")
	}
}

func TestSupersedingSignIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.manager(t, testConfig())
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up alice failed: %v", err)
	}
	bob, err := m.SignUp(ctx, "bob", "hunter22")
	if err != nil {
		t.Fatalf("sign up bob failed: %v", err)
	}
	if m.Principal().String() != expectedPrincipal("bob") || !m.Principal().Equal(bob.Principal) {
		t.Fatal("second sign-up should replace the session")
	}
	stored, _ := session.NewStore(h.backend, nil).Load(ctx)
	if stored == nil || !stored.Principal.Equal(bob.Principal) {
		t.Fatal("persisted session should be replaced")
	}
}

func TestCreateAgentUsesSessionIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.manager(t, testConfig())
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	a, err := m.CreateAgent(ctx)
	if err != nil || a == nil {
		t.Fatalf("create agent failed: %v", err)
	}
	if !a.Principal().Equal(m.Principal()) {
		t.Fatal("agent principal should match the session")
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.manager(t, testConfig())
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	_, ch, _ := m.SubscribeEvents(0)
	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("event channel should be closed")
	}
	if m.IsAuthenticated() {
		t.Fatal("closed manager should not report a session")
	}
	if _, err := m.SignIn(ctx, "alice", "secret123"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.SignOut(ctx, ReasonManual); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok, _ := h.backend.Get(ctx, session.Key); !ok {
		t.Fatal("close must keep the persisted session")
	}
}

func TestSubscribeEventsReplaysHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.manager(t, testConfig())
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	replay, _, cancel := m.SubscribeEvents(0)
	defer cancel()
	if len(replay) != 5 {
		t.Fatalf("expected 4 progress events and 1 auth event, got %d", len(replay))
	}
	for i, n := range replay {
		if n.Seq != int64(i+1) {
			t.Fatalf("unexpected sequence %d at %d", n.Seq, i)
		}
	}
	if _, ok := replay[4].Event.(AuthEvent); !ok {
		t.Fatalf("last replayed event should be the auth event, got %T", replay[4].Event)
	}

	tail, _, cancelTail := m.SubscribeEvents(4)
	defer cancelTail()
	if len(tail) != 1 {
		t.Fatalf("expected one event after seq 4, got %d", len(tail))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.manager(t, testConfig())
	var count int
	var mu sync.Mutex
	cancel := m.Subscribe(ObserverFunc(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	_ = m.SignOut(ctx, ReasonManual)
	cancel()
	_ = m.SignOut(ctx, ReasonManual)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 delivered event, got %d", count)
	}
}

func TestMetricsRecordOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	m, _ := h.manager(t, testConfig(), WithMetrics(collector))
	if _, err := m.SignUp(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	_, _ = m.SignIn(ctx, "alice", "wrong")
	_ = m.SignOut(ctx, ReasonManual)

	expected := `
# HELP icpassword_auth_attempts_total Sign-up and sign-in attempts by outcome.
# TYPE icpassword_auth_attempts_total counter
icpassword_auth_attempts_total{event="signIn",outcome="failure"} 1
icpassword_auth_attempts_total{event="signUp",outcome="success"} 1
# HELP icpassword_signouts_total Session terminations by reason.
# TYPE icpassword_signouts_total counter
icpassword_signouts_total{reason="manual"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"icpassword_auth_attempts_total", "icpassword_signouts_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
	if got, err := testutil.GatherAndCount(reg, "icpassword_key_derivation_seconds"); err != nil || got != 1 {
		t.Fatalf("expected derivation histogram, got %d series: %v", got, err)
	}
}
