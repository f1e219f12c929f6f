package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-reconciler/gateway"
	"github.com/jrsteele09/go-session-reconciler/gateway/gatewayfake"
	"github.com/jrsteele09/go-session-reconciler/internal/utils"
	"github.com/jrsteele09/go-session-reconciler/profiles"
	fakeprofilerepo "github.com/jrsteele09/go-session-reconciler/profiles/repofake"
	"github.com/jrsteele09/go-session-reconciler/reconciler"
	"github.com/jrsteele09/go-session-reconciler/sessionstore"
	"github.com/jrsteele09/go-session-reconciler/sessionstore/storefake"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	testUserEmail    = "john.doe@example.com"
	testUserPassword = "Password123"
)

type testFixture struct {
	store     *storefake.FakeStore
	gw        *gatewayfake.FakeGateway
	primary   *fakeprofilerepo.FakeProfileRepo
	secondary *fakeprofilerepo.FakeProfileRepo
	rec       *reconciler.Reconciler
	userID    string
}

func testConfig() reconciler.Config {
	return reconciler.Config{
		ProfileFetchTimeout:   500 * time.Millisecond,
		SafetyTimeout:         2 * time.Second,
		EnableFallbackProfile: true,
	}
}

func setupTestFixture(t *testing.T, config reconciler.Config) *testFixture {
	t.Helper()

	store := storefake.NewFakeStore()
	gw := gatewayfake.NewFakeGateway(store)
	userID, err := gw.Register(testUserEmail, testUserPassword, gateway.Metadata{FirstName: "John", LastName: "Doe"})
	require.NoError(t, err)

	primary := fakeprofilerepo.NewFakeProfileRepo()
	secondary := fakeprofilerepo.NewFakeProfileRepo()
	resolver, err := profiles.NewResolver(primary, secondary,
		profiles.WithFetchTimeout(100*time.Millisecond),
		profiles.WithHealthTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)

	rec, err := reconciler.New(
		reconciler.Deps{Gateway: gw, Resolver: resolver, Store: store},
		config,
	)
	require.NoError(t, err)
	t.Cleanup(rec.Close)

	return &testFixture{
		store:     store,
		gw:        gw,
		primary:   primary,
		secondary: secondary,
		rec:       rec,
		userID:    userID,
	}
}

func (f *testFixture) seedStaleTokens() {
	f.store.Set(sessionstore.AuthKeyPrefix+"access-token", "stale")
}

func TestBootstrapWithNoSession(t *testing.T) {
	f := setupTestFixture(t, testConfig())

	outcome, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, reconciler.OutcomeNoneNeeded, outcome)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Nil(t, snap.Session)
	require.Nil(t, snap.Profile)
	require.False(t, snap.Loading)
}

func TestSignInCreatesMissingProfile(t *testing.T) {
	f := setupTestFixture(t, testConfig())

	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateAuthenticated, snap.State)
	require.Equal(t, f.userID, snap.Session.UserID)
	require.NotNil(t, snap.Profile)
	require.Equal(t, f.userID, snap.Profile.ID)
	require.Equal(t, profiles.RoleUser, snap.Profile.Role)
	require.False(t, snap.Profile.Fallback)
	require.True(t, sessionstore.HasSessionTokens(f.store))
}

func TestSignInWithBadCredentials(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	_, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)

	err = f.rec.SignIn(context.Background(), testUserEmail, "wrong-password")
	require.True(t, errors.Is(err, gateway.InvalidCredentialsErr))

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Nil(t, snap.Session)
}

func TestSignInDegradedWhenProfileStoreDown(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	f.primary.HealthErr = profiles.StoreUnhealthyErr
	f.secondary.HealthErr = profiles.StoreUnhealthyErr

	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateAuthenticatedDegraded, snap.State)
	require.Equal(t, f.userID, snap.Session.UserID)
	require.NotNil(t, snap.Profile)
	require.True(t, snap.Profile.Fallback)
	require.Equal(t, f.userID, snap.Profile.ID)
}

func TestSignInKeepsSessionWhenFallbackDisabled(t *testing.T) {
	config := testConfig()
	config.EnableFallbackProfile = false
	f := setupTestFixture(t, config)
	f.primary.HealthErr = profiles.StoreUnhealthyErr
	f.secondary.HealthErr = profiles.StoreUnhealthyErr

	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateAuthenticated, snap.State)
	require.NotNil(t, snap.Session)
	require.Nil(t, snap.Profile)
}

func TestSignOutClearsEverything(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))
	require.True(t, sessionstore.HasSessionTokens(f.store))

	require.NoError(t, f.rec.SignOut(context.Background()))

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Nil(t, snap.Session)
	require.Nil(t, snap.Profile)
	require.Empty(t, f.store.ListKeys(sessionstore.AuthKeyPrefix))
}

func TestSignOutClearsStateEvenWhenGatewayFails(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))
	f.gw.SignOutErr = errors.New("gateway exploded")

	err := f.rec.SignOut(context.Background())
	require.Error(t, err)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Empty(t, f.store.ListKeys(sessionstore.AuthKeyPrefix))
}

func TestSignOutEventClearsEverything(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))

	// Sign-out happened elsewhere, e.g. on another device.
	f.gw.EmitEvent(gateway.EventSignedOut, nil)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Nil(t, snap.Session)
	require.Empty(t, f.store.ListKeys(sessionstore.AuthKeyPrefix))
}

func TestTokenRefreshFailedEventClearsEverything(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))

	// A refresh event with no session payload means the refresh failed.
	f.gw.EmitEvent(gateway.EventTokenRefreshed, nil)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Nil(t, snap.Session)
	require.Empty(t, f.store.ListKeys(sessionstore.AuthKeyPrefix))
}

func TestTokenRefreshedEventUpdatesSession(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	sess, err := f.gw.SeedRefreshableSession(testUserEmail)
	require.NoError(t, err)

	f.gw.EmitEvent(gateway.EventTokenRefreshed, sess)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateAuthenticated, snap.State)
	require.Equal(t, sess.UserID, snap.Session.UserID)
	require.NotNil(t, snap.Profile)
}

func TestBootstrapRefreshesStaleTokens(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	f.seedStaleTokens()
	_, err := f.gw.SeedRefreshableSession(testUserEmail)
	require.NoError(t, err)

	outcome, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, reconciler.OutcomeRefreshedSession, outcome)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateAuthenticated, snap.State)
	require.Equal(t, f.userID, snap.Session.UserID)
	require.True(t, sessionstore.HasSessionTokens(f.store))
}

func TestBootstrapCleansStaleTokensWhenRefreshFails(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	f.seedStaleTokens()
	f.gw.RefreshErr = gateway.RefreshFailedErr

	outcome, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, reconciler.OutcomeCleanedStaleTokens, outcome)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Empty(t, f.store.ListKeys(sessionstore.AuthKeyPrefix))
}

func TestBootstrapCleansInvalidSessionWhenGatewayErrors(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	f.seedStaleTokens()
	f.gw.CurrentSessionErr = errors.New("gateway exploded")
	f.gw.RefreshErr = gateway.RefreshFailedErr

	outcome, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, reconciler.OutcomeCleanedInvalidSession, outcome)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Empty(t, f.store.ListKeys(sessionstore.AuthKeyPrefix))
}

func TestBootstrapRecoversFromGatewayErrorViaRefresh(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	f.seedStaleTokens()
	f.gw.CurrentSessionErr = errors.New("gateway exploded")
	_, err := f.gw.SeedRefreshableSession(testUserEmail)
	require.NoError(t, err)

	outcome, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, reconciler.OutcomeRefreshedSession, outcome)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateAuthenticated, snap.State)
	require.Equal(t, f.userID, snap.Session.UserID)
}

func TestBootstrapSafetyTimeout(t *testing.T) {
	config := testConfig()
	config.SafetyTimeout = 100 * time.Millisecond
	f := setupTestFixture(t, config)
	f.gw.CurrentSessionDelay = 2 * time.Second

	start := time.Now()
	_, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.False(t, snap.Loading)
}

func TestProfileResolutionTimeoutKeepsSession(t *testing.T) {
	config := testConfig()
	config.ProfileFetchTimeout = 50 * time.Millisecond
	f := setupTestFixture(t, config)
	f.primary.Latency = 400 * time.Millisecond
	f.secondary.Latency = 400 * time.Millisecond

	sess, err := f.gw.SeedRefreshableSession(testUserEmail)
	require.NoError(t, err)
	f.gw.EmitEvent(gateway.EventTokenRefreshed, sess)

	snap := f.rec.Snapshot()
	require.Equal(t, sess.UserID, snap.Session.UserID)
	require.Equal(t, reconciler.StateAuthenticated, snap.State)
	require.Nil(t, snap.Profile)
	require.False(t, snap.Loading)
}

func TestSignInAsDifferentUserDropsPreviousProfile(t *testing.T) {
	store := storefake.NewFakeStore()
	gw := gatewayfake.NewFakeGateway(store)
	_, err := gw.Register(testUserEmail, testUserPassword, gateway.Metadata{FirstName: "John"})
	require.NoError(t, err)
	janeID, err := gw.Register("jane.doe@example.com", "Password456", gateway.Metadata{FirstName: "Jane"})
	require.NoError(t, err)

	primary := fakeprofilerepo.NewFakeProfileRepo()
	secondary := fakeprofilerepo.NewFakeProfileRepo()
	// Per-path timeout sits above the reconciler's resolution bound, so a
	// slow store overruns the bound instead of degrading to a fallback.
	resolver, err := profiles.NewResolver(primary, secondary,
		profiles.WithFetchTimeout(2*time.Second),
		profiles.WithHealthTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)

	config := testConfig()
	config.ProfileFetchTimeout = 300 * time.Millisecond
	rec, err := reconciler.New(reconciler.Deps{Gateway: gw, Resolver: resolver, Store: store}, config)
	require.NoError(t, err)
	t.Cleanup(rec.Close)

	require.NoError(t, rec.SignIn(context.Background(), testUserEmail, testUserPassword))
	require.NotNil(t, rec.Snapshot().Profile)

	// The store turns slow, then another user signs in on the same device.
	primary.Latency = time.Second
	secondary.Latency = time.Second
	require.NoError(t, rec.SignIn(context.Background(), "jane.doe@example.com", "Password456"))

	snap := rec.Snapshot()
	require.Equal(t, janeID, snap.Session.UserID)
	require.Nil(t, snap.Profile)
	require.Equal(t, reconciler.StateAuthenticated, snap.State)
	require.False(t, snap.Loading)
}

func TestSignUpDoesNotChangeState(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	_, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)

	err = f.rec.SignUp(context.Background(), "jane.doe@example.com", "Password456", gateway.Metadata{FirstName: "Jane"})
	require.NoError(t, err)

	snap := f.rec.Snapshot()
	require.Equal(t, reconciler.StateUnauthenticated, snap.State)
	require.Nil(t, snap.Session)
	require.False(t, sessionstore.HasSessionTokens(f.store))

	// The account exists and can sign in afterwards.
	require.NoError(t, f.rec.SignIn(context.Background(), "jane.doe@example.com", "Password456"))
	require.Equal(t, reconciler.StateAuthenticated, f.rec.Snapshot().State)
}

func TestSignUpWithExistingEmail(t *testing.T) {
	f := setupTestFixture(t, testConfig())

	err := f.rec.SignUp(context.Background(), testUserEmail, testUserPassword, gateway.Metadata{})
	require.True(t, errors.Is(err, gateway.UserExistsErr))
}

func TestResetPasswordLeavesStateUntouched(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))

	require.NoError(t, f.rec.ResetPassword(context.Background(), testUserEmail))

	require.Equal(t, reconciler.StateAuthenticated, f.rec.Snapshot().State)
	require.Equal(t, []string{testUserEmail}, f.gw.ResetRequests)
}

func TestUpdateProfileRequiresAuthentication(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	_, err := f.rec.Bootstrap(context.Background())
	require.NoError(t, err)

	err = f.rec.UpdateProfile(context.Background(), profiles.Partial{FirstName: utils.Ptr("Jane")})
	require.True(t, errors.Is(err, reconciler.NotAuthenticatedErr))
}

func TestUpdateProfileMergesOptimistically(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))

	err := f.rec.UpdateProfile(context.Background(), profiles.Partial{
		FirstName:   utils.Ptr("Jane"),
		PhoneNumber: utils.Ptr("+44 1234 567890"),
	})
	require.NoError(t, err)

	snap := f.rec.Snapshot()
	require.Equal(t, "Jane", snap.Profile.FirstName)
	require.Equal(t, "+44 1234 567890", snap.Profile.PhoneNumber)

	stored, err := f.primary.Get(context.Background(), f.userID)
	require.NoError(t, err)
	require.Equal(t, "Jane", stored.FirstName)
}

func TestUpdateProfileSurfacesMutationError(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))
	f.primary.UpdateErr = errors.New("boom")
	f.secondary.UpdateErr = errors.New("boom")

	err := f.rec.UpdateProfile(context.Background(), profiles.Partial{FirstName: utils.Ptr("Jane")})
	require.Error(t, err)

	// Mutation failures never cost the session.
	require.Equal(t, reconciler.StateAuthenticated, f.rec.Snapshot().State)
}

func TestCloseStopsListening(t *testing.T) {
	f := setupTestFixture(t, testConfig())
	require.NoError(t, f.rec.SignIn(context.Background(), testUserEmail, testUserPassword))

	f.rec.Close()
	f.gw.EmitEvent(gateway.EventSignedOut, nil)

	// The event arrived after Close, so in-memory state is untouched.
	require.Equal(t, reconciler.StateAuthenticated, f.rec.Snapshot().State)
}
