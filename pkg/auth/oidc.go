package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/storyloom/storyloom/pkg/audit"
	"github.com/storyloom/storyloom/pkg/httputil"
	"github.com/storyloom/storyloom/pkg/observability"
)

const (
	oidcStateCookie = "storyloom_oidc_state"
	oidcNonceCookie = "storyloom_oidc_nonce"
	oidcCookieTTL   = 10 * time.Minute
)

// OIDCConfig configures sign-in through an OpenID Connect provider
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes beyond "openid", which is always requested
	Scopes []string
	// UsernameClaim names the claim matched against admin_users.username.
	// Defaults to preferred_username, falling back to a verified email.
	UsernameClaim string
}

// OIDCLogin signs admin users in through an identity provider and issues a
// regular admin session. Admin users are never created here: the claimed
// username must already exist and be active.
type OIDCLogin struct {
	oauth2   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	claim    string
	tokens   *TokenManager
	audit    audit.Logger
}

// NewOIDCLogin discovers the provider at cfg.IssuerURL
func NewOIDCLogin(ctx context.Context, cfg OIDCConfig, tokens *TokenManager, auditLogger audit.Logger) (*OIDCLogin, error) {
	if cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("OIDC client id and redirect URL are required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return newOIDCLogin(cfg, provider.Endpoint(), verifier, tokens, auditLogger), nil
}

func newOIDCLogin(cfg OIDCConfig, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier, tokens *TokenManager, auditLogger audit.Logger) *OIDCLogin {
	scopes := []string{oidc.ScopeOpenID}
	for _, s := range cfg.Scopes {
		if !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	claim := cfg.UsernameClaim
	if claim == "" {
		claim = "preferred_username"
	}
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}

	return &OIDCLogin{
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		verifier: verifier,
		claim:    claim,
		tokens:   tokens,
		audit:    auditLogger,
	}
}

// RegisterRoutes registers the unauthenticated login and callback routes
func (l *OIDCLogin) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/oidc/login", l.login).Methods("GET")
	router.HandleFunc("/auth/oidc/callback", l.callback).Methods("GET")
}

// login handles GET /auth/oidc/login
func (l *OIDCLogin) login(w http.ResponseWriter, r *http.Request) {
	state, err := randomToken()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	nonce, err := randomToken()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	maxAge := int(oidcCookieTTL.Seconds())
	setFlowCookie(w, r, oidcStateCookie, state, maxAge)
	setFlowCookie(w, r, oidcNonceCookie, nonce, maxAge)
	http.Redirect(w, r, l.oauth2.AuthCodeURL(state, oidc.Nonce(nonce)), http.StatusFound)
}

// callback handles GET /auth/oidc/callback
func (l *OIDCLogin) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	state, err := r.Cookie(oidcStateCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(state.Value), []byte(query.Get("state"))) != 1 {
		httputil.WriteBadRequest(w, "invalid login state")
		return
	}
	nonce, err := r.Cookie(oidcNonceCookie)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid login state")
		return
	}
	// single use
	setFlowCookie(w, r, oidcStateCookie, "", -1)
	setFlowCookie(w, r, oidcNonceCookie, "", -1)

	if idpErr := query.Get("error"); idpErr != "" {
		httputil.WriteUnauthorized(w, "identity provider refused login: "+idpErr)
		return
	}

	username, err := l.identify(ctx, query.Get("code"), nonce.Value)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("OIDC login rejected")
		l.record(r, username, nil, err)
		httputil.WriteUnauthorized(w, "login failed")
		return
	}

	var session *Session
	var token string
	principalID, err := l.tokens.LookupPrincipal(ctx, username)
	if err == nil {
		session, token, err = l.tokens.CreateSession(ctx, principalID, httputil.ClientIP(r), r.UserAgent())
	}
	l.record(r, username, session, err)

	switch {
	case errors.Is(err, ErrUnknownPrincipal):
		httputil.WriteForbidden(w, "no admin account for this identity")
	case errors.Is(err, ErrPrincipalInactive):
		httputil.WriteForbidden(w, err.Error())
	case err != nil:
		observability.FromContext(ctx).WithError(err).Error("failed to issue session")
		httputil.WriteInternalError(w, err)
	default:
		httputil.WriteCreated(w, issueSessionResponse{Token: token, Session: session})
	}
}

// identify exchanges code and returns the username claimed by the verified ID token
func (l *OIDCLogin) identify(ctx context.Context, code, nonce string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("missing authorization code")
	}

	token, err := l.oauth2.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", fmt.Errorf("missing id_token in token response")
	}

	idToken, err := l.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("failed to verify ID token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return "", fmt.Errorf("ID token nonce mismatch")
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse claims: %w", err)
	}

	if username, _ := claims[l.claim].(string); username != "" {
		return username, nil
	}
	if email, _ := claims["email"].(string); email != "" {
		if verified, _ := claims["email_verified"].(bool); verified {
			return email, nil
		}
	}
	return "", fmt.Errorf("ID token for subject %q has no usable %s claim", idToken.Subject, l.claim)
}

func (l *OIDCLogin) record(r *http.Request, username string, session *Session, opErr error) {
	var changes *audit.ChangeDetails
	if session != nil {
		changes = &audit.ChangeDetails{After: session}
	}
	if err := audit.LogDataMutation(r.Context(), l.audit, audit.EventTypeSessionCreate, audit.ResourceTypeSession, username, changes, opErr); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("failed to write audit event")
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// setFlowCookie sets a cookie scoped to the login flow; maxAge < 0 deletes it
func setFlowCookie(w http.ResponseWriter, r *http.Request, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth/oidc",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
