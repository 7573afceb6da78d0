package session

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"shopfloor-api/domain"
)

type fakeProvider struct {
	currentSessionFn func(ctx context.Context) (*Session, error)
	signInFn         func(ctx context.Context, email, password string) (*Session, error)
	signUpErr        error
	signOutErr       error
	magicLinks       []string
	resets           []string
	signOuts         int
}

func (f *fakeProvider) CurrentSession(ctx context.Context) (*Session, error) {
	if f.currentSessionFn == nil {
		return nil, nil
	}
	return f.currentSessionFn(ctx)
}

func (f *fakeProvider) SignUp(context.Context, string, string, map[string]string) error {
	return f.signUpErr
}

func (f *fakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	if f.signInFn == nil {
		return nil, errors.New("unexpected sign in")
	}
	return f.signInFn(ctx, email, password)
}

func (f *fakeProvider) SendMagicLink(_ context.Context, email, _ string) error {
	f.magicLinks = append(f.magicLinks, email)
	return nil
}

func (f *fakeProvider) SendPasswordReset(_ context.Context, email, _ string) error {
	f.resets = append(f.resets, email)
	return nil
}

func (f *fakeProvider) SignOut(context.Context) error {
	f.signOuts++
	return f.signOutErr
}

type fakeProfiles struct {
	profileFn func(ctx context.Context, id string) (domain.Profile, error)
}

func (f *fakeProfiles) ProfileByID(ctx context.Context, id string) (domain.Profile, error) {
	if f.profileFn == nil {
		return domain.Profile{}, errors.New("unexpected profile fetch")
	}
	return f.profileFn(ctx, id)
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func newTestManager(p Provider, ps ProfileStore, cfg Config) *Manager {
	return NewManager(p, ps, cfg, quietLogger())
}

func staticProfiles(p domain.Profile) *fakeProfiles {
	return &fakeProfiles{profileFn: func(context.Context, string) (domain.Profile, error) {
		return p, nil
	}}
}

func TestResolveInitialSessionProfileBacked(t *testing.T) {
	provider := &fakeProvider{currentSessionFn: func(context.Context) (*Session, error) {
		return &Session{UserID: "u-1", Email: "ada@plant.example"}, nil
	}}
	profiles := staticProfiles(domain.Profile{
		ID: "u-1", Email: "ada@plant.example", FirstName: "Ada", LastName: "Lovelace", Role: domain.RoleAdmin,
	})
	m := newTestManager(provider, profiles, Config{})

	if got := m.Snapshot().State; got != StateUninitialized {
		t.Fatalf("expected uninitialized before first resolution, got %q", got)
	}
	select {
	case <-m.Initialized():
		t.Fatal("initialized gate open before first resolution")
	default:
	}

	if got := m.ResolveInitialSession(context.Background()); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %q", got)
	}
	snap := m.Snapshot()
	if snap.Identity == nil || snap.Identity.DisplayName != "Ada Lovelace" || snap.Identity.Role != domain.RoleAdmin {
		t.Fatalf("unexpected identity %+v", snap.Identity)
	}
	if snap.Identity.Source != domain.SourceProfile {
		t.Fatalf("unexpected source %q", snap.Identity.Source)
	}
	select {
	case <-m.Initialized():
	default:
		t.Fatal("initialized gate still closed after resolution")
	}
}

func TestResolveInitialSessionNoSession(t *testing.T) {
	m := newTestManager(&fakeProvider{}, &fakeProfiles{}, Config{})
	if got := m.ResolveInitialSession(context.Background()); got != StateAnonymous {
		t.Fatalf("expected anonymous, got %q", got)
	}
	if snap := m.Snapshot(); snap.Identity != nil {
		t.Fatalf("expected empty slot, got %+v", snap.Identity)
	}
}

func TestResolveInitialSessionProfileFetchFailsUsesFallback(t *testing.T) {
	provider := &fakeProvider{currentSessionFn: func(context.Context) (*Session, error) {
		return &Session{UserID: "u-1", Email: "ada@plant.example", Metadata: map[string]string{"avatar_url": "https://img/a.png"}}, nil
	}}
	profiles := &fakeProfiles{profileFn: func(context.Context, string) (domain.Profile, error) {
		return domain.Profile{}, errors.New("profile table unreachable")
	}}
	m := newTestManager(provider, profiles, Config{ResolveTimeout: time.Second})

	start := time.Now()
	state := m.ResolveInitialSession(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("resolution exceeded the timeout ceiling: %v", elapsed)
	}
	if state != StateAuthenticated {
		t.Fatalf("expected authenticated with fallback identity, got %q", state)
	}
	id := m.Snapshot().Identity
	if id == nil {
		t.Fatal("expected a fallback identity")
	}
	if id.Role != domain.RoleViewer {
		t.Fatalf("fallback role must be viewer, got %q", id.Role)
	}
	if id.DisplayName != "ada" {
		t.Fatalf("expected email local part as display name, got %q", id.DisplayName)
	}
	if id.AvatarURL != "https://img/a.png" {
		t.Fatalf("expected avatar from session metadata, got %q", id.AvatarURL)
	}
	if id.Source != domain.SourceFallback {
		t.Fatalf("unexpected source %q", id.Source)
	}
}

func TestResolveInitialSessionTimeout(t *testing.T) {
	provider := &fakeProvider{currentSessionFn: func(ctx context.Context) (*Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := newTestManager(provider, &fakeProfiles{}, Config{ResolveTimeout: 50 * time.Millisecond})

	start := time.Now()
	state := m.ResolveInitialSession(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("resolution hung past the ceiling: %v", elapsed)
	}
	if state != StateAnonymous {
		t.Fatalf("expected anonymous on timeout, got %q", state)
	}
	select {
	case <-m.Initialized():
	default:
		t.Fatal("timeout must still open the initialized gate")
	}
}

func TestSignInPopulatesSlotBeforeReturn(t *testing.T) {
	provider := &fakeProvider{signInFn: func(_ context.Context, email, _ string) (*Session, error) {
		return &Session{UserID: "u-9", Email: email}, nil
	}}
	m := newTestManager(provider, staticProfiles(domain.Profile{ID: "u-9", Email: "ops@plant.example", FirstName: "Ops", Role: domain.RoleManager}), Config{})

	if err := m.SignIn(context.Background(), "ops@plant.example", "secret"); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	snap := m.Snapshot()
	if snap.State != StateAuthenticated || snap.Identity == nil {
		t.Fatalf("slot must be populated when SignIn returns, got %+v", snap)
	}
}

func TestSignInBadCredentials(t *testing.T) {
	provider := &fakeProvider{signInFn: func(context.Context, string, string) (*Session, error) {
		return nil, errors.New("invalid login credentials")
	}}
	m := newTestManager(provider, &fakeProfiles{}, Config{})

	err := m.SignIn(context.Background(), "x@plant.example", "wrong")
	if err == nil {
		t.Fatal("expected an error")
	}
	if m.Snapshot().State == StateAuthenticated {
		t.Fatal("failed sign in must not authenticate")
	}
}

func TestOnExternalAuthChangeSignedOut(t *testing.T) {
	provider := &fakeProvider{signInFn: func(context.Context, string, string) (*Session, error) {
		return &Session{UserID: "u-1", Email: "a@plant.example"}, nil
	}}
	m := newTestManager(provider, staticProfiles(domain.Profile{ID: "u-1", Email: "a@plant.example", Role: domain.RoleViewer}), Config{})
	if err := m.SignIn(context.Background(), "a@plant.example", "s"); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	m.OnExternalAuthChange(context.Background(), EventSignedOut, nil)
	snap := m.Snapshot()
	if snap.State != StateAnonymous || snap.Identity != nil {
		t.Fatalf("expected cleared slot, got %+v", snap)
	}
}

func TestSignOutClearsSlotOnProviderError(t *testing.T) {
	provider := &fakeProvider{
		signInFn: func(context.Context, string, string) (*Session, error) {
			return &Session{UserID: "u-1", Email: "a@plant.example"}, nil
		},
		signOutErr: errors.New("provider unavailable"),
	}
	m := newTestManager(provider, staticProfiles(domain.Profile{ID: "u-1", Email: "a@plant.example"}), Config{})
	if err := m.SignIn(context.Background(), "a@plant.example", "s"); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	if err := m.SignOut(context.Background()); err == nil {
		t.Fatal("expected the provider error to surface")
	}
	snap := m.Snapshot()
	if snap.State != StateAnonymous || snap.Identity != nil {
		t.Fatalf("sign out must clear the slot on any outcome, got %+v", snap)
	}
}

func TestClearStaleTokensSwallowsProviderError(t *testing.T) {
	provider := &fakeProvider{signOutErr: errors.New("bad token")}
	m := newTestManager(provider, &fakeProfiles{}, Config{})

	m.ClearStaleTokens(context.Background())
	if snap := m.Snapshot(); snap.State != StateAnonymous {
		t.Fatalf("expected anonymous, got %+v", snap)
	}
	if provider.signOuts != 1 {
		t.Fatalf("expected provider sign-out call, got %d", provider.signOuts)
	}
}

// A resolution that started before a sign-out must not resurrect the
// cleared slot when it finally completes.
func TestSignOutFencesInFlightResolution(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	profiles := &fakeProfiles{profileFn: func(_ context.Context, id string) (domain.Profile, error) {
		close(entered)
		<-release
		return domain.Profile{ID: id, Email: "late@plant.example", Role: domain.RoleAdmin}, nil
	}}
	m := newTestManager(&fakeProvider{}, profiles, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.OnExternalAuthChange(context.Background(), EventSignedIn, &Session{UserID: "u-1", Email: "late@plant.example"})
	}()

	<-entered
	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	close(release)
	<-done

	snap := m.Snapshot()
	if snap.State != StateAnonymous || snap.Identity != nil {
		t.Fatalf("stale resolution overwrote the cleared slot: %+v", snap)
	}
}

// When resolutions overlap, the newest one owns the slot even if an
// older one completes later.
func TestNewerResolutionSupersedesOlder(t *testing.T) {
	type call struct {
		id      string
		release chan struct{}
	}
	calls := make(chan call, 2)
	profiles := &fakeProfiles{profileFn: func(_ context.Context, id string) (domain.Profile, error) {
		c := call{id: id, release: make(chan struct{})}
		calls <- c
		<-c.release
		return domain.Profile{ID: id, Email: id + "@plant.example", FirstName: id, Role: domain.RoleViewer}, nil
	}}
	m := newTestManager(&fakeProvider{}, profiles, Config{})

	first := make(chan struct{})
	go func() {
		defer close(first)
		m.OnExternalAuthChange(context.Background(), EventSignedIn, &Session{UserID: "old", Email: "old@plant.example"})
	}()
	oldCall := <-calls

	second := make(chan struct{})
	go func() {
		defer close(second)
		m.OnExternalAuthChange(context.Background(), EventTokenRefreshed, &Session{UserID: "new", Email: "new@plant.example"})
	}()
	newCall := <-calls

	close(newCall.release)
	<-second
	close(oldCall.release)
	<-first

	snap := m.Snapshot()
	if snap.Identity == nil || snap.Identity.ID != "new" {
		t.Fatalf("expected the newest resolution to win, got %+v", snap.Identity)
	}
	if snap.State != StateAuthenticated {
		t.Fatalf("unexpected state %q", snap.State)
	}
}

func TestMagicLinkAndResetLeaveSlotAlone(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(provider, &fakeProfiles{}, Config{RedirectTo: "https://board.plant.example/auth"})

	if err := m.SignInWithMagicLink(context.Background(), "a@plant.example"); err != nil {
		t.Fatalf("magic link: %v", err)
	}
	if err := m.ResetPassword(context.Background(), "a@plant.example"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(provider.magicLinks) != 1 || len(provider.resets) != 1 {
		t.Fatalf("expected one delegation each, got %d/%d", len(provider.magicLinks), len(provider.resets))
	}
	if got := m.Snapshot().State; got != StateUninitialized {
		t.Fatalf("fire-and-report flows must not touch the slot, got %q", got)
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	m := newTestManager(&fakeProvider{}, &fakeProfiles{}, Config{})
	ch, cancel := m.Subscribe()
	defer cancel()

	m.ResolveInitialSession(context.Background())

	var states []State
	for len(states) < 2 {
		select {
		case snap := <-ch:
			states = append(states, snap.State)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for snapshots, got %v", states)
		}
	}
	if states[0] != StateResolving || states[1] != StateAnonymous {
		t.Fatalf("unexpected transition order %v", states)
	}
}
