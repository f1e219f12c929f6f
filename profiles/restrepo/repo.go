package restrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-session-reconciler/profiles"
	"github.com/pkg/errors"
)

var _ profiles.Repo = (*Repo)(nil)

const defaultRequestTimeout = 20 * time.Second

// Repo accesses the remote profile table over a PostgREST-style row API.
// Two instances with different API keys realize the standard and
// elevated-privilege access paths.
type Repo struct {
	baseURL    string
	table      string
	apiKey     string
	httpClient *http.Client
}

// RepoOption defines a function type to modify the Repo instance.
type RepoOption func(*Repo)

// WithHTTPClient overrides the HTTP client (primarily for testing).
func WithHTTPClient(client *http.Client) RepoOption {
	return func(r *Repo) {
		r.httpClient = client
	}
}

// New creates a Repo for the given table. apiKey is sent as both the apikey
// header and the bearer token, which is how row-level privileges are
// selected on the remote side.
func New(baseURL, table, apiKey string, options ...RepoOption) (*Repo, error) {
	if baseURL == "" {
		return nil, errors.New("[restrepo.New] baseURL is required")
	}
	if table == "" {
		return nil, errors.New("[restrepo.New] table is required")
	}

	repo := &Repo{
		baseURL:    baseURL,
		table:      table,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range options {
		opt(repo)
	}
	return repo, nil
}

func (r *Repo) Get(ctx context.Context, userID string) (*profiles.Profile, error) {
	query := url.Values{}
	query.Set("id", "eq."+userID)
	query.Set("select", "*")

	body, status, err := r.do(ctx, http.MethodGet, r.tableURL()+"?"+query.Encode(), nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Repo.Get] request")
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("[Repo.Get] unexpected status %d", status)
	}

	var rows []profiles.Profile
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(err, "[Repo.Get] json.Unmarshal")
	}
	if len(rows) == 0 {
		return nil, profiles.ProfileNotFoundErr
	}
	return &rows[0], nil
}

func (r *Repo) Insert(ctx context.Context, profile *profiles.Profile) (*profiles.Profile, error) {
	payload, err := json.Marshal(profile)
	if err != nil {
		return nil, errors.Wrap(err, "[Repo.Insert] json.Marshal")
	}

	headers := map[string]string{"Prefer": "return=representation"}
	body, status, err := r.do(ctx, http.MethodPost, r.tableURL(), payload, headers)
	if err != nil {
		return nil, errors.Wrap(err, "[Repo.Insert] request")
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, errors.Errorf("[Repo.Insert] unexpected status %d", status)
	}

	var rows []profiles.Profile
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(err, "[Repo.Insert] json.Unmarshal")
	}
	if len(rows) == 0 {
		// Row API accepted the insert but returned no representation.
		copied := *profile
		return &copied, nil
	}
	return &rows[0], nil
}

func (r *Repo) Update(ctx context.Context, userID string, partial profiles.Partial) error {
	fields := partial.Fields()
	if len(fields) == 0 {
		return nil
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "[Repo.Update] json.Marshal")
	}

	query := url.Values{}
	query.Set("id", "eq."+userID)
	_, status, err := r.do(ctx, http.MethodPatch, r.tableURL()+"?"+query.Encode(), payload, nil)
	if err != nil {
		return errors.Wrap(err, "[Repo.Update] request")
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return errors.Errorf("[Repo.Update] unexpected status %d", status)
	}
	return nil
}

// Health probes the row API root. Any well-formed HTTP answer below 500
// counts as a live connection.
func (r *Repo) Health(ctx context.Context) error {
	_, status, err := r.do(ctx, http.MethodGet, fmt.Sprintf("%s/rest/v1/", r.baseURL), nil, nil)
	if err != nil {
		return errors.Wrap(profiles.StoreUnhealthyErr, err.Error())
	}
	if status >= http.StatusInternalServerError {
		return errors.Wrapf(profiles.StoreUnhealthyErr, "status %d", status)
	}
	return nil
}

func (r *Repo) tableURL() string {
	return fmt.Sprintf("%s/rest/v1/%s", r.baseURL, r.table)
}

func (r *Repo) do(ctx context.Context, method, requestURL string, payload []byte, headers map[string]string) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "http.NewRequestWithContext")
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "httpClient.Do")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "io.ReadAll")
	}
	return respBody, resp.StatusCode, nil
}
