package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-reconciler/gateway"
	"github.com/jrsteele09/go-session-reconciler/profiles"
	"github.com/jrsteele09/go-session-reconciler/session"
	"github.com/jrsteele09/go-session-reconciler/sessionstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var NotAuthenticatedErr = errors.New("no authenticated user")

const (
	defaultProfileFetchTimeout = 5 * time.Second
	defaultSafetyTimeout       = 10 * time.Second
)

// Config parameterizes one reconciler. All bootstrap-flow variants collapse
// into these three knobs.
type Config struct {
	// ProfileFetchTimeout bounds profile resolution on sign-in and
	// auth-change events. On expiry the session is kept and the profile is
	// left as it was.
	ProfileFetchTimeout time.Duration
	// SafetyTimeout bounds the whole bootstrap pass so a caller is never
	// stuck in the initializing state.
	SafetyTimeout time.Duration
	// EnableFallbackProfile controls whether a synthesized stand-in profile
	// is surfaced during a profile-store outage. When false the profile is
	// simply omitted.
	EnableFallbackProfile bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProfileFetchTimeout:   defaultProfileFetchTimeout,
		SafetyTimeout:         defaultSafetyTimeout,
		EnableFallbackProfile: true,
	}
}

// Deps holds all collaborator dependencies for the Reconciler.
type Deps struct {
	Gateway  gateway.Gateway
	Resolver *profiles.Resolver
	Store    sessionstore.Store
}

// Snapshot is a point-in-time copy of the reconciler's observable state.
type Snapshot struct {
	State   State
	Session *session.Session
	Profile *profiles.Profile
	Loading bool
}

// Option defines a function type to modify the Reconciler instance.
type Option func(*Reconciler)

// WithLogger sets the reconciler's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithMetrics attaches reconciliation counters.
func WithMetrics(metrics *Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = metrics
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(r *Reconciler) {
		r.nowTime = nowFunc
	}
}

// Reconciler keeps local session/profile state in agreement with the
// gateway's authoritative state. Profile-layer failures degrade the state
// but never drop a valid session; only session-validity failures (failed
// refresh, sign-out events, stale tokens with no remote session) force a
// sign-out.
type Reconciler struct {
	deps    Deps
	config  Config
	logger  zerolog.Logger
	metrics *Metrics
	nowTime func() time.Time

	mu          sync.Mutex
	state       State
	session     *session.Session
	profile     *profiles.Profile
	loading     bool
	generation  uint64
	unsubscribe func()
}

// New initializes a Reconciler and registers its auth-change listener. The
// listener is live before Bootstrap runs, so both may race to set state;
// every write is guarded by a generation counter and the newest pass wins.
func New(deps Deps, config Config, options ...Option) (*Reconciler, error) {
	if deps.Gateway == nil {
		return nil, errors.New("[reconciler.New] Gateway is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("[reconciler.New] Resolver is required")
	}
	if deps.Store == nil {
		return nil, errors.New("[reconciler.New] Store is required")
	}

	if config.ProfileFetchTimeout <= 0 {
		config.ProfileFetchTimeout = defaultProfileFetchTimeout
	}
	if config.SafetyTimeout <= 0 {
		config.SafetyTimeout = defaultSafetyTimeout
	}

	r := &Reconciler{
		deps:    deps,
		config:  config,
		logger:  zerolog.Nop(),
		nowTime: time.Now,
		state:   StateUninitialized,
	}
	for _, opt := range options {
		opt(r)
	}

	r.unsubscribe = deps.Gateway.Subscribe(r.handleAuthChange)
	return r, nil
}

// Snapshot returns a copy of the current state. The session and profile are
// copied so callers cannot mutate reconciler state through them.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{State: r.state, Loading: r.loading}
	if r.session != nil {
		sess := *r.session
		snap.Session = &sess
	}
	if r.profile != nil {
		profile := *r.profile
		snap.Profile = &profile
	}
	return snap
}

// Bootstrap reconciles persisted tokens with the gateway's view of the
// session. It always completes within the configured safety timeout: if the
// pass is still in flight at that point, the in-flight resolution is treated
// as failed and the state settles on whatever session data is already known,
// profile omitted.
func (r *Reconciler) Bootstrap(ctx context.Context) (Outcome, error) {
	gen := r.nextGeneration()
	r.enterInitializing(gen)

	type bootResult struct {
		outcome Outcome
		err     error
	}
	done := make(chan bootResult, 1)
	go func() {
		outcome, err := r.bootstrap(ctx, gen)
		done <- bootResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		r.metrics.recordOutcome(res.outcome)
		return res.outcome, res.err
	case <-time.After(r.config.SafetyTimeout):
		r.forceOutOfInitializing(gen)
		r.logger.Warn().Dur("safety_timeout", r.config.SafetyTimeout).Msg("bootstrap exceeded safety timeout")
		r.metrics.recordOutcome(OutcomeNoneNeeded)
		return OutcomeNoneNeeded, nil
	}
}

func (r *Reconciler) bootstrap(ctx context.Context, gen uint64) (Outcome, error) {
	hadTokens := sessionstore.HasSessionTokens(r.deps.Store)

	sess, err := r.deps.Gateway.CurrentSession(ctx)
	if err != nil {
		if !hadTokens {
			r.applyUnauthenticated(gen, false)
			return OutcomeNoneNeeded, errors.Wrap(err, "[Reconciler.Bootstrap] CurrentSession")
		}
		// The gateway could not answer but tokens exist locally: one refresh
		// attempt decides whether the session survives.
		refreshed, refreshErr := r.deps.Gateway.RefreshSession(ctx)
		if refreshErr != nil {
			r.logger.Warn().Err(refreshErr).Msg("session invalid and refresh failed, purging tokens")
			r.applyUnauthenticated(gen, true)
			return OutcomeCleanedInvalidSession, nil
		}
		return r.establish(ctx, gen, refreshed, OutcomeRefreshedSession)
	}

	if sess == nil {
		if !hadTokens {
			r.applyUnauthenticated(gen, false)
			return OutcomeNoneNeeded, nil
		}
		// Stale tokens: local credentials with no matching remote session.
		refreshed, refreshErr := r.deps.Gateway.RefreshSession(ctx)
		if refreshErr != nil {
			r.logger.Info().Msg("stale tokens could not be refreshed, purging")
			r.applyUnauthenticated(gen, true)
			return OutcomeCleanedStaleTokens, nil
		}
		return r.establish(ctx, gen, refreshed, OutcomeRefreshedSession)
	}

	return r.establish(ctx, gen, sess, OutcomeNoneNeeded)
}

// establish records the session, resolves its profile and settles the state.
func (r *Reconciler) establish(ctx context.Context, gen uint64, sess *session.Session, outcome Outcome) (Outcome, error) {
	// The session is visible before resolution starts so a safety-timeout
	// exit still knows about it.
	r.applySession(gen, sess)
	res := r.resolve(ctx, sess)
	r.applyAuthenticated(gen, sess, res)
	return outcome, nil
}

// SignIn authenticates with the gateway. Profile resolution failures do not
// fail the sign-in: the session is kept even when the profile comes back
// degraded or not at all. Credential errors are returned for display.
func (r *Reconciler) SignIn(ctx context.Context, email, password string) error {
	sess, err := r.deps.Gateway.SignIn(ctx, email, password)
	if err != nil {
		return errors.Wrap(err, "[Reconciler.SignIn]")
	}

	gen := r.nextGeneration()
	r.applySession(gen, sess)
	r.setLoading(gen, true)

	res := r.resolveWithTimeout(ctx, sess)
	if res == nil {
		r.forceLoadingOff(gen)
		return nil
	}
	r.applyAuthenticated(gen, sess, res)
	return nil
}

// SignUp registers a new account. Local session state is untouched: there is
// no auto-login in this flow.
func (r *Reconciler) SignUp(ctx context.Context, email, password string, metadata gateway.Metadata) error {
	if err := r.deps.Gateway.SignUp(ctx, email, password, metadata); err != nil {
		return errors.Wrap(err, "[Reconciler.SignUp]")
	}
	return nil
}

// SignOut revokes the session with the gateway, then clears local tokens and
// in-memory state regardless of what the gateway said.
func (r *Reconciler) SignOut(ctx context.Context) error {
	gatewayErr := r.deps.Gateway.SignOut(ctx)

	gen := r.nextGeneration()
	r.applyUnauthenticated(gen, true)
	r.metrics.recordOutcome(OutcomePreventiveCleanup)

	if gatewayErr != nil {
		return errors.Wrap(gatewayErr, "[Reconciler.SignOut] gateway sign-out")
	}
	return nil
}

// ResetPassword asks the gateway to send a reset link. Side-channel only:
// session and profile state are untouched.
func (r *Reconciler) ResetPassword(ctx context.Context, email string) error {
	if err := r.deps.Gateway.ResetPassword(ctx, email); err != nil {
		return errors.Wrap(err, "[Reconciler.ResetPassword]")
	}
	return nil
}

// UpdateProfile applies a sparse update to the authenticated user's remote
// profile, then merges it into local state optimistically. Unlike profile
// reads, mutation errors are surfaced to the caller.
func (r *Reconciler) UpdateProfile(ctx context.Context, partial profiles.Partial) error {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()

	if !sess.Valid() {
		return NotAuthenticatedErr
	}

	if err := r.deps.Resolver.Update(ctx, sess.UserID, partial); err != nil {
		return errors.Wrap(err, "[Reconciler.UpdateProfile]")
	}

	r.mu.Lock()
	if r.session != nil && r.session.UserID == sess.UserID && r.profile != nil {
		r.profile.Merge(partial, r.nowTime())
	}
	r.mu.Unlock()
	return nil
}

// Close unsubscribes from auth-change events and invalidates any in-flight
// passes so late results cannot mutate state after shutdown.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.generation++
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// handleAuthChange reacts to gateway events. It is idempotent with respect
// to state already set by a concurrent bootstrap: both compute from the same
// gateway-provided session and the newest generation wins.
func (r *Reconciler) handleAuthChange(event gateway.Event, sess *session.Session) {
	r.metrics.recordEvent(string(event))

	switch {
	case event == gateway.EventSignedOut:
		r.logger.Info().Msg("sign-out event, clearing session state")
		r.applyUnauthenticated(r.nextGeneration(), true)

	case event == gateway.EventTokenRefreshed && sess == nil:
		// A refresh event with no session payload means the refresh failed
		// and the session is gone.
		r.logger.Warn().Msg("token refresh failed, clearing session state")
		r.applyUnauthenticated(r.nextGeneration(), true)
		r.metrics.recordOutcome(OutcomeCleanedInvalidSession)

	case sess.Valid():
		gen := r.nextGeneration()
		r.applySession(gen, sess)
		r.setLoading(gen, true)

		res := r.resolveWithTimeout(context.Background(), sess)
		if res == nil {
			// Resolution overran its bound: keep the session, stop loading.
			r.forceLoadingOff(gen)
			return
		}
		r.applyAuthenticated(gen, sess, res)
	}
}

// resolve runs a full profile resolution. The resolver never fails; when it
// degrades and fallback profiles are disabled, the profile is omitted.
func (r *Reconciler) resolve(ctx context.Context, sess *session.Session) *profiles.Resolution {
	res := r.deps.Resolver.Resolve(ctx, identityFromSession(sess))
	if res.Degraded {
		r.metrics.recordFallback()
		if !r.config.EnableFallbackProfile {
			return &profiles.Resolution{Degraded: true}
		}
	}
	return &res
}

// resolveWithTimeout races resolution against ProfileFetchTimeout. A nil
// result means the bound expired; the underlying resolution is not cancelled
// but its result is discarded.
func (r *Reconciler) resolveWithTimeout(ctx context.Context, sess *session.Session) *profiles.Resolution {
	resultCh := make(chan *profiles.Resolution, 1)
	go func() {
		resultCh <- r.resolve(ctx, sess)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-time.After(r.config.ProfileFetchTimeout):
		return nil
	}
}

func identityFromSession(sess *session.Session) profiles.Identity {
	identity := profiles.Identity{
		UserID: sess.UserID,
		Email:  sess.Email,
	}
	if claims, err := session.ParseClaims(sess.AccessToken); err == nil {
		identity.FirstName = claims.FirstName
		identity.LastName = claims.LastName
		if identity.Email == "" {
			identity.Email = claims.Email
		}
	}
	return identity
}

func (r *Reconciler) nextGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	return r.generation
}

func (r *Reconciler) enterInitializing(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}
	r.state = StateInitializing
	r.loading = true
}

// forceOutOfInitializing settles the state from whatever session data is
// already known and invalidates the in-flight pass.
func (r *Reconciler) forceOutOfInitializing(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}
	r.generation++
	r.loading = false
	r.profile = nil
	if r.session.Valid() {
		r.state = StateAuthenticated
	} else {
		r.session = nil
		r.state = StateUnauthenticated
	}
}

// applySession records the incoming session. A profile left over from a
// different user is dropped here, so a later timeout exit can never pair the
// new session with the previous user's profile.
func (r *Reconciler) applySession(gen uint64, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}
	if r.profile != nil && r.profile.ID != sess.UserID {
		r.profile = nil
	}
	r.session = sess
}

func (r *Reconciler) setLoading(gen uint64, loading bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}
	r.loading = loading
}

func (r *Reconciler) forceLoadingOff(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}
	r.loading = false
	if r.session.Valid() {
		r.state = stateForProfile(r.profile)
	}
}

func (r *Reconciler) applyAuthenticated(gen uint64, sess *session.Session, res *profiles.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		// A newer pass owns the state; this result arrived too late.
		return
	}
	r.session = sess
	if res == nil || res.Profile == nil {
		r.profile = nil
		r.state = StateAuthenticated
	} else {
		r.profile = res.Profile
		r.state = stateForProfile(res.Profile)
	}
	r.loading = false
}

// applyUnauthenticated clears in-memory state and, when purge is set, the
// persisted auth keys. Key purging happens even for a superseded generation:
// cleanup decisions come from session-validity failures and removing dead
// keys is always safe.
func (r *Reconciler) applyUnauthenticated(gen uint64, purge bool) {
	if purge {
		removed := sessionstore.ClearAuthKeys(r.deps.Store)
		if len(removed) > 0 {
			r.logger.Info().Int("removed_keys", len(removed)).Msg("cleared persisted auth keys")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}
	r.session = nil
	r.profile = nil
	r.loading = false
	r.state = StateUnauthenticated
}

func stateForProfile(profile *profiles.Profile) State {
	if profile != nil && profile.Fallback {
		return StateAuthenticatedDegraded
	}
	return StateAuthenticated
}
