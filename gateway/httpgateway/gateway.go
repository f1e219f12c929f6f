package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-session-reconciler/gateway"
	"github.com/jrsteele09/go-session-reconciler/session"
	"github.com/jrsteele09/go-session-reconciler/sessionstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var _ gateway.Gateway = (*Gateway)(nil)

const defaultRequestTimeout = 20 * time.Second

// Gateway talks to a hosted auth service over its REST surface (password and
// refresh-token grants on the token endpoint, signup/logout/recover
// endpoints). Tokens are mirrored into the session store so a restart can
// resume the session. Auth-change events are fanned out locally for the
// operations this client itself performs; the remote side pushes nothing.
type Gateway struct {
	baseURL    string
	apiKey     string
	store      sessionstore.Store
	httpClient *http.Client
	logger     zerolog.Logger

	issuer   string
	verifier *oidc.IDTokenVerifier

	listeners map[int]gateway.Listener
	nextID    int
	lock      sync.Mutex
}

// Option defines a function type to modify the Gateway instance.
type Option func(*Gateway)

// WithHTTPClient overrides the HTTP client (primarily for testing).
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = client
	}
}

// WithIssuer enables local verification of access tokens against the
// issuer's OIDC discovery document before they are trusted.
func WithIssuer(issuer string) Option {
	return func(g *Gateway) {
		g.issuer = issuer
	}
}

// WithLogger sets the gateway's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a Gateway client. apiKey is the public (anon) API key sent
// with every request; user-scoped calls additionally carry the session's
// bearer token.
func New(baseURL, apiKey string, store sessionstore.Store, options ...Option) (*Gateway, error) {
	if baseURL == "" {
		return nil, errors.New("[httpgateway.New] baseURL is required")
	}
	if store == nil {
		return nil, errors.New("[httpgateway.New] store is required")
	}

	g := &Gateway{
		baseURL:    baseURL,
		apiKey:     apiKey,
		store:      store,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     zerolog.Nop(),
		listeners:  make(map[int]gateway.Listener),
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// tokenResponse is the token endpoint's grant response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// CurrentSession returns the persisted session if its access token is still
// live. An expired or unverifiable token is reported as no session (nil,
// nil); only a failure to reach the gateway is an error.
func (g *Gateway) CurrentSession(ctx context.Context) (*session.Session, error) {
	sess, ok := sessionstore.LoadSession(g.store)
	if !ok || !sess.Valid() {
		return nil, nil
	}

	token := &oauth2.Token{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		Expiry:       sess.TokenExpiry,
	}
	if !token.Valid() {
		// Expired locally: the caller decides whether to refresh.
		return nil, nil
	}

	if err := g.verifyAccessToken(ctx, sess.AccessToken); err != nil {
		g.logger.Warn().Err(err).Msg("access token failed issuer verification")
		return nil, nil
	}

	// Confirm the token is still honoured remotely.
	status, _, err := g.do(ctx, http.MethodGet, "/auth/v1/user", nil, sess.AccessToken)
	if err != nil {
		return nil, errors.Wrap(gateway.GatewayUnavailableErr, err.Error())
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, errors.Wrapf(gateway.GatewayUnavailableErr, "status %d", status)
	}
	return sess, nil
}

func (g *Gateway) RefreshSession(ctx context.Context) (*session.Session, error) {
	sess, ok := sessionstore.LoadSession(g.store)
	if !ok || sess.RefreshToken == "" {
		return nil, gateway.RefreshFailedErr
	}

	payload, _ := json.Marshal(map[string]string{"refresh_token": sess.RefreshToken})
	status, body, err := g.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", payload, "")
	if err != nil {
		return nil, errors.Wrap(gateway.RefreshFailedErr, err.Error())
	}
	if status != http.StatusOK {
		g.emit(gateway.EventTokenRefreshed, nil)
		return nil, errors.Wrapf(gateway.RefreshFailedErr, "status %d", status)
	}

	refreshed, err := g.sessionFromTokenResponse(body)
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.RefreshSession]")
	}
	_ = sessionstore.SaveSession(g.store, refreshed)
	g.emit(gateway.EventTokenRefreshed, refreshed)
	return refreshed, nil
}

func (g *Gateway) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	payload, _ := json.Marshal(map[string]string{"email": email, "password": password})
	status, body, err := g.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", payload, "")
	if err != nil {
		return nil, errors.Wrap(gateway.GatewayUnavailableErr, err.Error())
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return nil, gateway.InvalidCredentialsErr
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("[Gateway.SignIn] unexpected status %d", status)
	}

	sess, err := g.sessionFromTokenResponse(body)
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.SignIn]")
	}
	_ = sessionstore.SaveSession(g.store, sess)
	g.emit(gateway.EventSignedIn, sess)
	return sess, nil
}

// SignUp registers the account. No session is established: there is no
// auto-login in this flow.
func (g *Gateway) SignUp(ctx context.Context, email, password string, metadata gateway.Metadata) error {
	payload, _ := json.Marshal(map[string]any{
		"email":    email,
		"password": password,
		"data":     metadata,
	})
	status, _, err := g.do(ctx, http.MethodPost, "/auth/v1/signup", payload, "")
	if err != nil {
		return errors.Wrap(gateway.GatewayUnavailableErr, err.Error())
	}
	if status == http.StatusUnprocessableEntity || status == http.StatusConflict {
		return gateway.UserExistsErr
	}
	if status != http.StatusOK {
		return errors.Errorf("[Gateway.SignUp] unexpected status %d", status)
	}
	return nil
}

// SignOut revokes the session remotely, then clears local tokens and emits
// the sign-out event regardless of what the remote side said.
func (g *Gateway) SignOut(ctx context.Context) error {
	var requestErr error
	if sess, ok := sessionstore.LoadSession(g.store); ok && sess.AccessToken != "" {
		status, _, err := g.do(ctx, http.MethodPost, "/auth/v1/logout", nil, sess.AccessToken)
		if err != nil {
			requestErr = errors.Wrap(gateway.GatewayUnavailableErr, err.Error())
		} else if status != http.StatusNoContent && status != http.StatusOK {
			requestErr = errors.Errorf("[Gateway.SignOut] unexpected status %d", status)
		}
	}

	sessionstore.ClearAuthKeys(g.store)
	g.emit(gateway.EventSignedOut, nil)
	return requestErr
}

func (g *Gateway) ResetPassword(ctx context.Context, email string) error {
	payload, _ := json.Marshal(map[string]string{"email": email})
	status, _, err := g.do(ctx, http.MethodPost, "/auth/v1/recover", payload, "")
	if err != nil {
		return errors.Wrap(gateway.GatewayUnavailableErr, err.Error())
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return errors.Errorf("[Gateway.ResetPassword] unexpected status %d", status)
	}
	return nil
}

func (g *Gateway) Subscribe(listener gateway.Listener) func() {
	g.lock.Lock()
	defer g.lock.Unlock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = listener
	return func() {
		g.lock.Lock()
		defer g.lock.Unlock()
		delete(g.listeners, id)
	}
}

func (g *Gateway) emit(event gateway.Event, sess *session.Session) {
	g.lock.Lock()
	listeners := make([]gateway.Listener, 0, len(g.listeners))
	for _, listener := range g.listeners {
		listeners = append(listeners, listener)
	}
	g.lock.Unlock()

	for _, listener := range listeners {
		listener(event, sess)
	}
}

// verifyAccessToken checks the token against the issuer's OIDC discovery
// document when an issuer is configured. The provider is resolved lazily so
// construction stays network-free.
func (g *Gateway) verifyAccessToken(ctx context.Context, rawToken string) error {
	if g.issuer == "" {
		return nil
	}

	g.lock.Lock()
	verifier := g.verifier
	g.lock.Unlock()

	if verifier == nil {
		provider, err := oidc.NewProvider(ctx, g.issuer)
		if err != nil {
			return errors.Wrap(err, "[Gateway.verifyAccessToken] oidc.NewProvider")
		}
		verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
		g.lock.Lock()
		g.verifier = verifier
		g.lock.Unlock()
	}

	if _, err := verifier.Verify(ctx, rawToken); err != nil {
		return errors.Wrap(err, "[Gateway.verifyAccessToken] Verify")
	}
	return nil
}

func (g *Gateway) sessionFromTokenResponse(body []byte) (*session.Session, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errors.Wrap(err, "sessionFromTokenResponse json.Unmarshal")
	}
	if tr.AccessToken == "" {
		return nil, errors.New("sessionFromTokenResponse empty access token")
	}

	sess := &session.Session{
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		sess.TokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	// Fall back to token claims when the response omits the user block.
	if sess.UserID == "" {
		if claims, err := session.ParseClaims(tr.AccessToken); err == nil {
			sess.UserID = claims.UserID
			if sess.Email == "" {
				sess.Email = claims.Email
			}
		}
	}
	return sess, nil
}

func (g *Gateway) do(ctx context.Context, method, endpoint string, payload []byte, bearer string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s%s", g.baseURL, endpoint), body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "http.NewRequestWithContext")
	}
	req.Header.Set("apikey", g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "httpClient.Do")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "io.ReadAll")
	}
	return resp.StatusCode, respBody, nil
}
