// Package session owns the identity lifecycle: it turns provider
// sessions into application identities, degrades to a fallback
// identity when the profile store is unreachable, and guarantees the
// slot never reflects a resolution that a later sign-out superseded.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"shopfloor-api/domain"
)

// State is the lifecycle state of the identity slot.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateResolving     State = "resolving"
	StateAuthenticated State = "authenticated"
	StateAnonymous     State = "anonymous"
)

const defaultResolveTimeout = 10 * time.Second

// Config tunes a Manager. Zero values pick the defaults.
type Config struct {
	// ResolveTimeout bounds the initial session resolution. The
	// manager never blocks callers past this ceiling; on expiry it
	// degrades to StateAnonymous and logs a diagnostic.
	ResolveTimeout time.Duration
	// RedirectTo is the navigation target appended to magic-link and
	// password-reset emails.
	RedirectTo string
}

// Snapshot is an observable view of the identity slot.
type Snapshot struct {
	State    State            `json:"state"`
	Identity *domain.Identity `json:"identity,omitempty"`
}

// Manager holds the single authoritative identity slot for one
// principal. All credential mutations go through it.
type Manager struct {
	provider Provider
	profiles ProfileStore
	cfg      Config
	logger   *log.Logger

	mu       sync.Mutex
	state    State
	identity *domain.Identity
	// epoch fences resolutions: a resolution may only publish its
	// result while the epoch it started under is still current.
	epoch  uint64
	subs   map[int]chan Snapshot
	nextID int

	initOnce    sync.Once
	initialized chan struct{}
}

// NewManager creates a Manager in StateUninitialized.
func NewManager(provider Provider, profiles ProfileStore, cfg Config, logger *log.Logger) *Manager {
	if provider == nil {
		panic("session: provider is required")
	}
	if profiles == nil {
		panic("session: profile store is required")
	}
	if logger == nil {
		logger = log.New()
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	return &Manager{
		provider:    provider,
		profiles:    profiles,
		cfg:         cfg,
		logger:      logger,
		state:       StateUninitialized,
		subs:        make(map[int]chan Snapshot),
		initialized: make(chan struct{}),
	}
}

// Snapshot returns the current state and identity.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Identity: m.identity}
}

// Initialized closes after the first resolution completes, successfully
// or not. Consumers gate identity-dependent output on it so they never
// act on the pre-resolution state.
func (m *Manager) Initialized() <-chan struct{} {
	return m.initialized
}

// Subscribe registers an observer of slot transitions. Slow observers
// miss intermediate snapshots rather than blocking the manager. The
// returned func unsubscribes.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Snapshot, 8)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// beginResolution opens a new resolution epoch and moves the slot to
// StateResolving. Any resolution started under an earlier epoch is now
// stale and will be discarded when it completes.
func (m *Manager) beginResolution() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.state = StateResolving
	m.notifyLocked()
	return m.epoch
}

// completeResolution publishes the result of a resolution that started
// under the given epoch. It reports whether the result was accepted;
// stale resolutions are dropped without touching the slot.
func (m *Manager) completeResolution(epoch uint64, identity *domain.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return false
	}
	m.identity = identity
	if identity != nil {
		m.state = StateAuthenticated
	} else {
		m.state = StateAnonymous
	}
	m.notifyLocked()
	m.markInitialized()
	return true
}

// forceAnonymous clears the slot unconditionally and bumps the epoch so
// in-flight resolutions cannot resurrect the cleared state.
func (m *Manager) forceAnonymous() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.identity = nil
	m.state = StateAnonymous
	m.notifyLocked()
	m.markInitialized()
}

func (m *Manager) markInitialized() {
	m.initOnce.Do(func() { close(m.initialized) })
}

func (m *Manager) notifyLocked() {
	snap := Snapshot{State: m.state, Identity: m.identity}
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// resolveWithFallback turns a session into an identity and publishes it
// under the given epoch. A profile-fetch failure is a degraded-data
// condition, not an error: the slot gets a synthesized identity so
// consumers are never stuck waiting on a broken profile store.
func (m *Manager) resolveWithFallback(ctx context.Context, epoch uint64, sess *Session) {
	profile, err := m.profiles.ProfileByID(ctx, sess.UserID)
	var identity domain.Identity
	if err != nil {
		m.logger.WithError(err).WithField("user_id", sess.UserID).
			Warn("profile fetch failed, using fallback identity")
		identity = domain.FallbackIdentity(sess.UserID, sess.Email)
		if name := sess.Metadata["name"]; name != "" {
			identity.DisplayName = name
		}
		if avatar := sess.Metadata["avatar_url"]; avatar != "" {
			identity.AvatarURL = avatar
		}
	} else {
		identity = profile.Identity()
	}
	m.completeResolution(epoch, &identity)
}

// ResolveInitialSession resolves the identity at startup. It returns
// the state the slot reached. The call is bounded by ResolveTimeout;
// on expiry or provider failure the slot degrades to StateAnonymous
// instead of hanging.
func (m *Manager) ResolveInitialSession(ctx context.Context) State {
	epoch := m.beginResolution()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ResolveTimeout)
	defer cancel()

	sess, err := m.provider.CurrentSession(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("initial session resolution failed, degrading to anonymous")
		m.completeResolution(epoch, nil)
		return m.Snapshot().State
	}
	if sess == nil {
		m.completeResolution(epoch, nil)
		return m.Snapshot().State
	}
	m.resolveWithFallback(ctx, epoch, sess)
	return m.Snapshot().State
}

// OnExternalAuthChange handles a provider notification. It is
// idempotent and safe to invoke while a prior resolution is still in
// flight; the newest resolution is the one that lands in the slot.
func (m *Manager) OnExternalAuthChange(ctx context.Context, event AuthEvent, sess *Session) {
	epoch := m.beginResolution()
	if event == EventSignedOut || sess == nil {
		m.completeResolution(epoch, nil)
		return
	}
	m.resolveWithFallback(ctx, epoch, sess)
}

// SignUp delegates credential creation to the provider. The profile
// row is created elsewhere, by the profile endpoint or a provider
// trigger. Local state is untouched.
func (m *Manager) SignUp(ctx context.Context, email, password string, metadata map[string]string) error {
	if err := m.provider.SignUp(ctx, email, password, metadata); err != nil {
		return fmt.Errorf("sign up: %w", err)
	}
	return nil
}

// SignIn verifies credentials and resolves the identity before
// returning. Callers that observe the call completing may rely on the
// slot being populated, with a fallback identity at worst.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	sess, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	epoch := m.beginResolution()
	m.resolveWithFallback(ctx, epoch, sess)
	return nil
}

// SignInWithMagicLink asks the provider to send a login link. The
// redirect target completes the flow in a separate navigation, so the
// slot is left alone.
func (m *Manager) SignInWithMagicLink(ctx context.Context, email string) error {
	if err := m.provider.SendMagicLink(ctx, email, m.cfg.RedirectTo); err != nil {
		return fmt.Errorf("magic link: %w", err)
	}
	return nil
}

// ResetPassword asks the provider to send a reset email. Local state
// is untouched.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	if err := m.provider.SendPasswordReset(ctx, email, m.cfg.RedirectTo); err != nil {
		return fmt.Errorf("password reset: %w", err)
	}
	return nil
}

// SignOut delegates to the provider and clears the slot on any
// outcome. A stale authenticated identity never survives this call.
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.provider.SignOut(ctx)
	m.forceAnonymous()
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// ClearStaleTokens is the forceful sign-out used to recover from
// corrupted session state. Provider errors are logged and swallowed;
// the postcondition is the same as SignOut.
func (m *Manager) ClearStaleTokens(ctx context.Context) {
	if err := m.provider.SignOut(ctx); err != nil {
		m.logger.WithError(err).Debug("clearing stale tokens, provider sign-out failed")
	}
	m.forceAnonymous()
}
