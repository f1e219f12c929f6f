package gatewayfake

import (
	"context"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-reconciler/gateway"
	"github.com/jrsteele09/go-session-reconciler/session"
	"github.com/jrsteele09/go-session-reconciler/sessionstore"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

const accessTokenExpiry = time.Hour

var _ gateway.Gateway = (*FakeGateway)(nil)

type account struct {
	id           string
	email        string
	passwordHash string
	metadata     gateway.Metadata
}

// FakeGateway is an in-memory auth gateway for tests and the demo binary.
// It mints real (HS256-signed) JWT access tokens, hashes passwords with
// bcrypt, mirrors tokens into the session store, and fans auth-change events
// out to subscribers. Failure switches let tests force the error paths.
type FakeGateway struct {
	store       sessionstore.Store
	signingKey  []byte
	accounts    map[string]*account
	current     *session.Session
	refreshable *session.Session
	listeners   map[int]gateway.Listener
	nextID      int
	lock        sync.Mutex

	// Failure switches.
	CurrentSessionErr error
	RefreshErr        error
	SignOutErr        error

	// CurrentSessionDelay stalls CurrentSession, for safety-timeout tests.
	CurrentSessionDelay time.Duration

	// ResetRequests records emails passed to ResetPassword.
	ResetRequests []string
}

func NewFakeGateway(store sessionstore.Store) *FakeGateway {
	return &FakeGateway{
		store:      store,
		signingKey: []byte("fake-gateway-signing-key"),
		accounts:   make(map[string]*account),
		listeners:  make(map[int]gateway.Listener),
	}
}

// Register creates an account directly and returns its user id.
func (fg *FakeGateway) Register(email, password string, metadata gateway.Metadata) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", errors.Wrap(err, "[FakeGateway.Register] bcrypt.GenerateFromPassword")
	}

	fg.lock.Lock()
	defer fg.lock.Unlock()
	if _, ok := fg.accounts[email]; ok {
		return "", gateway.UserExistsErr
	}
	acc := &account{
		id:           uuid.New().String(),
		email:        email,
		passwordHash: string(hash),
		metadata:     metadata,
	}
	fg.accounts[email] = acc
	return acc.id, nil
}

// SeedRefreshableSession arranges for the next RefreshSession call to
// succeed with a session for the given account.
func (fg *FakeGateway) SeedRefreshableSession(email string) (*session.Session, error) {
	fg.lock.Lock()
	acc, ok := fg.accounts[email]
	fg.lock.Unlock()
	if !ok {
		return nil, gateway.UserNotFoundErr
	}

	sess, err := fg.mintSession(acc)
	if err != nil {
		return nil, err
	}
	fg.lock.Lock()
	fg.refreshable = sess
	fg.lock.Unlock()
	return sess, nil
}

func (fg *FakeGateway) CurrentSession(ctx context.Context) (*session.Session, error) {
	fg.lock.Lock()
	delay := fg.CurrentSessionDelay
	fg.lock.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	fg.lock.Lock()
	defer fg.lock.Unlock()
	if fg.CurrentSessionErr != nil {
		return nil, fg.CurrentSessionErr
	}
	return fg.current, nil
}

func (fg *FakeGateway) RefreshSession(ctx context.Context) (*session.Session, error) {
	fg.lock.Lock()
	if fg.RefreshErr != nil {
		err := fg.RefreshErr
		fg.lock.Unlock()
		fg.emit(gateway.EventTokenRefreshed, nil)
		return nil, err
	}
	refreshed := fg.refreshable
	fg.lock.Unlock()

	if refreshed == nil {
		return nil, gateway.RefreshFailedErr
	}
	fg.setSession(refreshed)
	fg.emit(gateway.EventTokenRefreshed, refreshed)
	return refreshed, nil
}

func (fg *FakeGateway) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	fg.lock.Lock()
	acc, ok := fg.accounts[email]
	fg.lock.Unlock()
	if !ok {
		return nil, gateway.InvalidCredentialsErr
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.passwordHash), []byte(password)) != nil {
		return nil, gateway.InvalidCredentialsErr
	}

	sess, err := fg.mintSession(acc)
	if err != nil {
		return nil, err
	}
	fg.setSession(sess)
	fg.emit(gateway.EventSignedIn, sess)
	return sess, nil
}

// SignUp registers the account. No session is established: there is no
// auto-login in this flow.
func (fg *FakeGateway) SignUp(ctx context.Context, email, password string, metadata gateway.Metadata) error {
	_, err := fg.Register(email, password, metadata)
	return err
}

func (fg *FakeGateway) SignOut(ctx context.Context) error {
	fg.lock.Lock()
	fg.current = nil
	err := fg.SignOutErr
	fg.lock.Unlock()

	sessionstore.ClearAuthKeys(fg.store)
	fg.emit(gateway.EventSignedOut, nil)
	return err
}

func (fg *FakeGateway) ResetPassword(ctx context.Context, email string) error {
	fg.lock.Lock()
	defer fg.lock.Unlock()
	// Recorded regardless of whether the account exists: a real gateway does
	// not leak which emails are registered.
	fg.ResetRequests = append(fg.ResetRequests, email)
	return nil
}

func (fg *FakeGateway) Subscribe(listener gateway.Listener) func() {
	fg.lock.Lock()
	defer fg.lock.Unlock()
	id := fg.nextID
	fg.nextID++
	fg.listeners[id] = listener
	return func() {
		fg.lock.Lock()
		defer fg.lock.Unlock()
		delete(fg.listeners, id)
	}
}

// EmitEvent drives an auth-change event from a test, e.g. a sign-out on
// another device.
func (fg *FakeGateway) EmitEvent(event gateway.Event, sess *session.Session) {
	fg.emit(event, sess)
}

func (fg *FakeGateway) emit(event gateway.Event, sess *session.Session) {
	fg.lock.Lock()
	listeners := make([]gateway.Listener, 0, len(fg.listeners))
	for _, listener := range fg.listeners {
		listeners = append(listeners, listener)
	}
	fg.lock.Unlock()

	for _, listener := range listeners {
		listener(event, sess)
	}
}

func (fg *FakeGateway) setSession(sess *session.Session) {
	fg.lock.Lock()
	fg.current = sess
	fg.lock.Unlock()
	_ = sessionstore.SaveSession(fg.store, sess)
}

func (fg *FakeGateway) mintSession(acc *account) (*session.Session, error) {
	now := NowTimeFunc()
	expiry := now.Add(accessTokenExpiry)
	claims := jwtlib.MapClaims{
		"sub":        acc.id,
		"email":      acc.email,
		"first_name": acc.metadata.FirstName,
		"last_name":  acc.metadata.LastName,
		"iat":        now.Unix(),
		"exp":        expiry.Unix(),
		"jti":        uuid.New().String(),
	}
	accessToken, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(fg.signingKey)
	if err != nil {
		return nil, errors.Wrap(err, "[FakeGateway.mintSession] SignedString")
	}

	return &session.Session{
		UserID:       acc.id,
		Email:        acc.email,
		AccessToken:  accessToken,
		RefreshToken: uuid.New().String(),
		TokenExpiry:  expiry,
	}, nil
}
