package profiles

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	defaultFetchTimeout  = 15 * time.Second
	defaultHealthTimeout = 2 * time.Second
	breakerOpenDuration  = 30 * time.Second
	breakerTripThreshold = 3
)

// Identity carries the gateway-provided metadata used to synthesize or
// create a profile when the store has no row yet.
type Identity struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
}

// Resolution is the typed outcome of a resolve pass. Profile is never nil:
// when the store is unreachable a fallback profile is synthesized and
// Degraded is set. Created reports that a new remote row was inserted.
type Resolution struct {
	Profile  *Profile
	Degraded bool
	Created  bool
}

// path is one access route to the profile store with its own breaker, so a
// flapping primary cannot poison the elevated path's health.
type path struct {
	name    string
	repo    Repo
	breaker *gobreaker.CircuitBreaker
}

// Resolver produces a Profile for a user id, masking transient store
// failures. Healthy paths are attempted in order, primary (standard) before
// secondary (elevated), never concurrently, so profile creation cannot race
// itself across paths.
type Resolver struct {
	primary       path
	secondary     *path
	fetchTimeout  time.Duration
	healthTimeout time.Duration
	nowTime       func() time.Time
	logger        zerolog.Logger
}

// ResolverOption defines a function type to modify the Resolver instance.
type ResolverOption func(*Resolver)

// WithFetchTimeout overrides the per-path fetch/create timeout.
func WithFetchTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.fetchTimeout = timeout
	}
}

// WithHealthTimeout overrides the connection probe timeout.
func WithHealthTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.healthTimeout = timeout
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.nowTime = nowFunc
	}
}

// WithLogger sets the resolver's logger.
func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver initializes a Resolver with explicit injected store handles.
// secondary may be nil, in which case the retry policy collapses to a single
// path.
func NewResolver(primary, secondary Repo, options ...ResolverOption) (*Resolver, error) {
	if primary == nil {
		return nil, errors.New("[NewResolver] primary repo is required")
	}

	resolver := &Resolver{
		primary:       path{name: "primary", repo: primary, breaker: newBreaker("profiles-primary")},
		fetchTimeout:  defaultFetchTimeout,
		healthTimeout: defaultHealthTimeout,
		nowTime:       time.Now,
		logger:        zerolog.Nop(),
	}
	if secondary != nil {
		resolver.secondary = &path{name: "secondary", repo: secondary, breaker: newBreaker("profiles-secondary")}
	}

	for _, opt := range options {
		opt(resolver)
	}

	return resolver, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
	})
}

func (r *Resolver) paths() []path {
	paths := []path{r.primary}
	if r.secondary != nil {
		paths = append(paths, *r.secondary)
	}
	return paths
}

// Resolve produces a usable Profile for the identity. It never returns a nil
// profile and never fails: transient store errors degrade to a fallback
// profile instead. May create a remote row when the store has none.
func (r *Resolver) Resolve(ctx context.Context, identity Identity) Resolution {
	// Only paths whose probe answered are worth a fetch: spending a full
	// fetch timeout on a path that just failed its health check starves the
	// healthy one. Order is preserved, so primary still wins when both are up.
	paths := r.healthyPaths(ctx, r.paths())
	if len(paths) == 0 {
		return r.fallback(identity)
	}

	profile, err := r.fetch(ctx, paths[0], identity.UserID)
	if err == nil {
		return Resolution{Profile: profile}
	}
	if errors.Is(err, ProfileNotFoundErr) {
		return r.create(ctx, paths, identity)
	}

	// Transient primary failure: retry exactly once on the secondary path.
	r.logger.Warn().Err(err).Msg("primary profile fetch failed, retrying on secondary path")
	if len(paths) > 1 {
		profile, err = r.fetch(ctx, paths[1], identity.UserID)
		if err == nil {
			return Resolution{Profile: profile}
		}
		if errors.Is(err, ProfileNotFoundErr) {
			return r.create(ctx, paths[1:], identity)
		}
	}

	return r.fallback(identity)
}

// Update applies a sparse update, primary path first, surfacing the error if
// every path fails. Mutation errors are the caller's to handle; they are
// never masked by a fallback.
func (r *Resolver) Update(ctx context.Context, userID string, partial Partial) error {
	if partial.IsEmpty() {
		return nil
	}

	var lastErr error
	for _, p := range r.paths() {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.repo.Update(ctx, userID, partial)
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return errors.Wrap(lastErr, "[Resolver.Update] all paths failed")
}

func (r *Resolver) create(ctx context.Context, paths []path, identity Identity) Resolution {
	now := r.nowTime()
	newProfile := &Profile{
		ID:        identity.UserID,
		Email:     identity.Email,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Role:      RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, p := range paths {
		stored, err := r.race(ctx, p, func(repo Repo) (*Profile, error) {
			return repo.Insert(ctx, newProfile)
		})
		if err == nil {
			r.logger.Info().Str("user_id", stored.ID).Str("path", p.name).Msg("created profile row")
			return Resolution{Profile: stored, Created: true}
		}
		r.logger.Warn().Err(err).Str("path", p.name).Msg("profile insert failed")
	}

	return r.fallback(identity)
}

func (r *Resolver) fetch(ctx context.Context, p path, userID string) (*Profile, error) {
	return r.race(ctx, p, func(repo Repo) (*Profile, error) {
		return repo.Get(ctx, userID)
	})
}

// race runs the operation through the path's breaker with a wall-clock
// timeout. A timeout does not cancel the underlying request; it stops
// waiting, and the late result is dropped on the floor (the result channel
// is buffered so the goroutine can still complete).
func (r *Resolver) race(ctx context.Context, p path, op func(Repo) (*Profile, error)) (*Profile, error) {
	type opResult struct {
		profile *Profile
		err     error
	}
	resultCh := make(chan opResult, 1)

	go func() {
		var notFound bool
		row, err := p.breaker.Execute(func() (interface{}, error) {
			profile, opErr := op(p.repo)
			if errors.Is(opErr, ProfileNotFoundErr) {
				// Absence is an answer, not a path failure.
				notFound = true
				return nil, nil
			}
			return profile, opErr
		})
		if notFound {
			resultCh <- opResult{err: ProfileNotFoundErr}
			return
		}
		if err != nil {
			resultCh <- opResult{err: err}
			return
		}
		profile, _ := row.(*Profile)
		resultCh <- opResult{profile: profile}
	}()

	select {
	case res := <-resultCh:
		return res.profile, res.err
	case <-time.After(r.fetchTimeout):
		return nil, errors.Errorf("[Resolver.race] %s path timed out after %s", p.name, r.fetchTimeout)
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "[Resolver.race] context done")
	}
}

func (r *Resolver) healthyPaths(ctx context.Context, paths []path) []path {
	healthy := make([]path, 0, len(paths))
	for _, p := range paths {
		if r.healthy(ctx, p) {
			healthy = append(healthy, p)
		}
	}
	return healthy
}

func (r *Resolver) healthy(ctx context.Context, p path) bool {
	if p.breaker.State() == gobreaker.StateOpen {
		return false
	}
	healthCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.repo.Health(healthCtx)
	})
	return err == nil
}

// fallback synthesizes an in-memory stand-in profile. The explicit Fallback
// flag is the signal to callers that data may be stale.
func (r *Resolver) fallback(identity Identity) Resolution {
	now := r.nowTime()
	userID := identity.UserID
	if userID == "" {
		userID = uuid.New().String()
	}
	r.logger.Warn().Str("user_id", userID).Msg("profile store unreachable, synthesizing fallback profile")

	return Resolution{
		Profile: &Profile{
			ID:        userID,
			Email:     identity.Email,
			FirstName: identity.FirstName,
			LastName:  identity.LastName,
			Role:      RoleUser,
			CreatedAt: now,
			UpdatedAt: now,
			Fallback:  true,
		},
		Degraded: true,
	}
}
