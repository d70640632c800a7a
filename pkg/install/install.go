// Package install manages GitHub account connections for teams: starting
// the OAuth authorization flow, completing it, and revoking access.
package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"devpulse/pkg/github"
	"devpulse/pkg/statetoken"
	"devpulse/pkg/storage"
	"devpulse/pkg/vault"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

// DefaultScopes is the scope set requested during authorization.
var DefaultScopes = []string{"repo", "read:org", "read:user"}

// ErrNotTeamMember is returned when the requesting user does not belong to
// the team they are trying to connect.
var ErrNotTeamMember = errors.New("user is not a member of the team")

// MembershipChecker reports whether a user belongs to a team. The identity
// service owns this answer, so the manager takes it as a dependency.
type MembershipChecker func(ctx context.Context, teamID, userID string) (bool, error)

// UserLookup resolves the authenticated account behind an access token.
type UserLookup func(ctx context.Context, token string) (github.User, error)

// Config carries the manager's dependencies.
type Config struct {
	Store  storage.Store
	Vault  *vault.Vault
	Tokens statetoken.Store
	OAuth  *oauth2.Config

	Membership MembershipChecker
	Logger     *log.Logger

	// UserLookup defaults to an API call with the exchanged token.
	UserLookup UserLookup

	// RevokeBaseURL defaults to the public GitHub API.
	RevokeBaseURL string
	HTTPClient    *http.Client
}

// Manager implements the connection lifecycle.
type Manager struct {
	store      storage.Store
	vault      *vault.Vault
	tokens     statetoken.Store
	oauth      *oauth2.Config
	membership MembershipChecker
	logger     *log.Logger
	userLookup UserLookup
	revokeBase string
	httpClient *http.Client
	now        func() time.Time
}

// NewManager builds a Manager, filling in defaults for optional fields.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("install: store is required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("install: vault is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("install: state token store is required")
	}
	if cfg.OAuth == nil {
		return nil, errors.New("install: oauth config is required")
	}
	m := &Manager{
		store:      cfg.Store,
		vault:      cfg.Vault,
		tokens:     cfg.Tokens,
		oauth:      cfg.OAuth,
		membership: cfg.Membership,
		logger:     cfg.Logger,
		userLookup: cfg.UserLookup,
		revokeBase: strings.TrimRight(cfg.RevokeBaseURL, "/"),
		httpClient: cfg.HTTPClient,
		now:        time.Now,
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	if m.revokeBase == "" {
		m.revokeBase = "https://api.github.com"
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if m.userLookup == nil {
		m.userLookup = func(ctx context.Context, token string) (github.User, error) {
			return github.New(token, github.WithLogger(m.logger)).GetAuthenticatedUser(ctx)
		}
	}
	return m, nil
}

// OAuthConfig builds the oauth2 configuration for the GitHub OAuth app.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       DefaultScopes,
		Endpoint:     oauthgithub.Endpoint,
	}
}

// BeginAuthorization checks team membership, issues a state token, and
// returns the provider authorization URL the browser should visit.
func (m *Manager) BeginAuthorization(ctx context.Context, teamID, userID, redirectURL string) (string, error) {
	if teamID == "" || userID == "" {
		return "", errors.New("team id and user id are required")
	}
	if m.membership != nil {
		member, err := m.membership(ctx, teamID, userID)
		if err != nil {
			return "", fmt.Errorf("membership check: %w", err)
		}
		if !member {
			return "", ErrNotTeamMember
		}
	}
	state, err := m.tokens.Issue(ctx, statetoken.Payload{
		TeamID:         teamID,
		UserID:         userID,
		RedirectURL:    redirectURL,
		IssuedAtMillis: m.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("issue state token: %w", err)
	}
	return m.oauth.AuthCodeURL(state), nil
}

// Result describes a completed authorization.
type Result struct {
	TeamID      string
	UserID      string
	Username    string
	RedirectURL string
}

// CompleteAuthorization consumes the state token, exchanges the code for an
// access token, resolves the GitHub account, and stores the encrypted token.
// The state token is gone after this call whether or not the exchange
// succeeds, so a replayed callback cannot reuse it.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code string) (*Result, error) {
	payload, err := m.tokens.ValidateAndConsume(ctx, state)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errors.New("authorization code is missing")
	}

	token, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("provider returned an empty access token")
	}

	account, err := m.userLookup(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	encrypted, err := m.vault.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}

	scope, _ := token.Extra("scope").(string)
	record := storage.Installation{
		TeamID:           payload.TeamID,
		UserID:           payload.UserID,
		ProviderUserID:   account.ID,
		ProviderUsername: account.Login,
		EncryptedToken:   encrypted,
		Scope:            scope,
		TokenType:        token.TokenType,
	}
	if err := m.store.UpsertInstallation(ctx, record); err != nil {
		return nil, fmt.Errorf("persist installation: %w", err)
	}

	m.logger.Printf("installation connected team=%s user=%s github_login=%s", payload.TeamID, payload.UserID, account.Login)
	return &Result{
		TeamID:      payload.TeamID,
		UserID:      payload.UserID,
		Username:    account.Login,
		RedirectURL: payload.RedirectURL,
	}, nil
}

// AccessTokenForTeam returns the decrypted access token of the team's most
// recent installation.
func (m *Manager) AccessTokenForTeam(ctx context.Context, teamID string) (string, error) {
	record, err := m.store.LatestInstallationForTeam(ctx, teamID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", &github.AuthError{Message: "team has no GitHub installation"}
	}
	plaintext, err := m.vault.Decrypt(record.EncryptedToken)
	if err != nil {
		return "", fmt.Errorf("decrypt stored token: %w", err)
	}
	return plaintext, nil
}

// InstallationForTeam exposes the stored installation metadata without the
// token plaintext.
func (m *Manager) InstallationForTeam(ctx context.Context, teamID string) (*storage.Installation, error) {
	return m.store.LatestInstallationForTeam(ctx, teamID)
}

// RateObserverForTeam returns an observer that persists each fresh quota
// snapshot under the team's installation. Returns nil when the team has no
// installation, so an unbound client simply records nothing.
func (m *Manager) RateObserverForTeam(ctx context.Context, teamID string) github.RateObserver {
	record, err := m.store.LatestInstallationForTeam(ctx, teamID)
	if err != nil {
		m.logger.Printf("rate observer: installation lookup failed for team=%s: %v", teamID, err)
		return nil
	}
	if record == nil {
		return nil
	}
	installationID := record.ID
	return func(resource string, rate github.Rate) {
		opCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snapshot := storage.RateLimitSnapshot{
			InstallationID: installationID,
			Resource:       resource,
			Limit:          rate.Limit,
			Remaining:      rate.Remaining,
			Reset:          rate.Reset,
		}
		if err := m.store.UpsertRateLimit(opCtx, snapshot); err != nil {
			m.logger.Printf("rate observer: persist snapshot failed installation=%d resource=%s: %v", installationID, resource, err)
		}
	}
}

// Revoke disconnects a team. The grant deletion at the provider is best
// effort: any answer from the provider, including a refusal, still removes
// the local rows so the team is not stranded with a dead installation.
// Only a transport failure keeps the rows so the operator can retry.
func (m *Manager) Revoke(ctx context.Context, teamID string) error {
	record, err := m.store.LatestInstallationForTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if record == nil {
		return &github.NotFoundError{Resource: "installation for team " + teamID}
	}

	token, err := m.vault.Decrypt(record.EncryptedToken)
	if err != nil {
		// An undecryptable token cannot be revoked remotely. Drop the
		// local rows anyway so the team is not stuck.
		m.logger.Printf("revoke: stored token unreadable for team=%s, removing locally: %v", teamID, err)
	} else if err := m.revokeGrant(ctx, token); err != nil {
		var notFound *github.NotFoundError
		var authErr *github.AuthError
		var apiErr *github.APIError
		switch {
		case errors.As(err, &notFound):
			m.logger.Printf("revoke: grant already gone at provider for team=%s", teamID)
		case errors.As(err, &authErr), errors.As(err, &apiErr):
			m.logger.Printf("revoke: provider refused grant deletion for team=%s, removing locally: %v", teamID, err)
		default:
			return fmt.Errorf("revoke provider grant: %w", err)
		}
	}

	if err := m.store.DeleteInstallationsForTeam(ctx, teamID); err != nil {
		return err
	}
	if err := m.store.DeactivateRepositoriesForTeam(ctx, teamID); err != nil {
		return err
	}
	m.logger.Printf("installation revoked team=%s github_login=%s", teamID, record.ProviderUsername)
	return nil
}

// revokeGrant deletes the OAuth app grant, which invalidates every token
// the app holds for that account.
func (m *Manager) revokeGrant(ctx context.Context, token string) error {
	endpoint := fmt.Sprintf("%s/applications/%s/grant", m.revokeBase, m.oauth.ClientID)
	body, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.SetBasicAuth(m.oauth.ClientID, m.oauth.ClientSecret)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &github.NotFoundError{Resource: "oauth grant"}
	case resp.StatusCode == http.StatusUnauthorized:
		return &github.AuthError{Message: "oauth app credentials rejected"}
	default:
		return &github.APIError{StatusCode: resp.StatusCode, Message: "grant revocation failed"}
	}
}
