package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirobridge/kirobridge/internal/apierrors"
)

// Default upstream auth endpoints. The exact hosts/paths are source-defined
// per spec's Open Questions; these defaults are grounded on the wider
// Kiro-aware reference corpus and are fully overridable via TokenManagerConfig
// so tests and operators never depend on the literal values being "the"
// real wire contract.
const (
	DefaultSocialRefreshURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	DefaultIDCTokenURLFmt   = "https://oidc.%s.amazonaws.com/token"
)

// DefaultSkew is how far before expiry a token is considered stale
// (spec §3 Lifecycles: "within a small skew (e.g. 60s)").
const DefaultSkew = 60 * time.Second

// DefaultRefreshTimeout bounds a single refresh HTTP call (spec §5).
const DefaultRefreshTimeout = 30 * time.Second

// WriteBacker is implemented by the credential pool: after a successful
// refresh the token manager asks it to persist the new state (spec §4.6
// step 3). Write-back failures never fail the request (spec §4.5/§7).
type WriteBacker interface {
	WriteBack()
}

// TokenManagerConfig configures endpoint locations and defaults.
type TokenManagerConfig struct {
	SocialRefreshURL string
	IDCTokenURLFmt   string // formatted with the credential's effective region
	DefaultRegion    string
	Skew             time.Duration
	RefreshTimeout   time.Duration
	HTTPClient       *http.Client
	Now              func() time.Time
}

func (c *TokenManagerConfig) setDefaults() {
	if c.SocialRefreshURL == "" {
		c.SocialRefreshURL = DefaultSocialRefreshURL
	}
	if c.IDCTokenURLFmt == "" {
		c.IDCTokenURLFmt = DefaultIDCTokenURLFmt
	}
	if c.DefaultRegion == "" {
		c.DefaultRegion = "us-east-1"
	}
	if c.Skew <= 0 {
		c.Skew = DefaultSkew
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// TokenManager implements C7: per-credential token cache, refresh, and
// write-back, with single-flight coalescing of concurrent refreshes for the
// same credential (spec §4.6, Design Notes).
type TokenManager struct {
	cfg    TokenManagerConfig
	group  singleflight.Group
	writer WriteBacker
}

// NewTokenManager builds a token manager. writer may be nil (tests that
// don't care about persistence); the pool always supplies itself.
func NewTokenManager(cfg TokenManagerConfig, writer WriteBacker) *TokenManager {
	cfg.setDefaults()
	return &TokenManager{cfg: cfg, writer: writer}
}

type refreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProfileARN   string
}

// EnsureFresh returns a currently-valid access token for cred, refreshing it
// if necessary (spec §4.6).
func (tm *TokenManager) EnsureFresh(ctx context.Context, cred *Credential) (string, error) {
	cred.mu.Lock()
	if cred.AccessToken != "" && tm.cfg.Now().Add(tm.cfg.Skew).Before(cred.ExpiresAt) {
		token := cred.AccessToken
		cred.mu.Unlock()
		return token, nil
	}
	cred.mu.Unlock()

	key := fmt.Sprintf("cred-%d", cred.ID)
	v, err, _ := tm.group.Do(key, func() (interface{}, error) {
		return tm.refresh(ctx, cred)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tm *TokenManager) refresh(ctx context.Context, cred *Credential) (string, error) {
	// Re-check under the lock: another caller's refresh may have completed
	// between EnsureFresh's read and singleflight.Do's callback running.
	cred.mu.Lock()
	if cred.AccessToken != "" && tm.cfg.Now().Add(tm.cfg.Skew).Before(cred.ExpiresAt) {
		token := cred.AccessToken
		cred.mu.Unlock()
		return token, nil
	}
	method := cred.AuthMethod
	refreshToken := cred.RefreshToken
	clientID := cred.ClientID
	clientSecret := cred.ClientSecret
	region := cred.Region
	cred.mu.Unlock()

	if region == "" {
		region = tm.cfg.DefaultRegion
	}

	rctx, cancel := context.WithTimeout(ctx, tm.cfg.RefreshTimeout)
	defer cancel()

	var (
		result refreshResult
		err    error
	)
	switch method {
	case AuthMethodSocial:
		result, err = tm.refreshSocial(rctx, refreshToken)
	case AuthMethodIDC:
		result, err = tm.refreshIDC(rctx, clientID, clientSecret, refreshToken, region)
	default:
		return "", apierrors.New(apierrors.KindAuthMalformed, fmt.Sprintf("unknown auth_method %q", method), nil)
	}
	if err != nil {
		return "", err
	}

	cred.mu.Lock()
	cred.AccessToken = result.AccessToken
	cred.ExpiresAt = result.ExpiresAt
	if result.RefreshToken != "" {
		cred.RefreshToken = result.RefreshToken
	}
	if result.ProfileARN != "" {
		cred.ProfileARN = result.ProfileARN
	}
	cred.mu.Unlock()

	if tm.writer != nil {
		tm.writer.WriteBack()
	}

	return result.AccessToken, nil
}

func (tm *TokenManager) refreshSocial(ctx context.Context, refreshToken string) (refreshResult, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.cfg.SocialRefreshURL, bytes.NewReader(body))
	if err != nil {
		return refreshResult{}, apierrors.New(apierrors.KindAuthMalformed, "building social refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return tm.doRefreshRequest(ctx, req)
}

func (tm *TokenManager) refreshIDC(ctx context.Context, clientID, clientSecret, refreshToken, region string) (refreshResult, error) {
	url := fmt.Sprintf(tm.cfg.IDCTokenURLFmt, region)
	body, _ := json.Marshal(map[string]string{
		"grantType":    "refresh_token",
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"refreshToken": refreshToken,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return refreshResult{}, apierrors.New(apierrors.KindAuthMalformed, "building idc refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return tm.doRefreshRequest(ctx, req)
}

func (tm *TokenManager) doRefreshRequest(ctx context.Context, req *http.Request) (refreshResult, error) {
	resp, err := tm.cfg.HTTPClient.Do(req)
	if err != nil {
		return refreshResult{}, apierrors.New(apierrors.KindAuthTransient, "refresh request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return refreshResult{}, apierrors.New(apierrors.KindAuthTransient, "reading refresh response", err)
	}

	if resp.StatusCode >= 500 {
		return refreshResult{}, apierrors.New(apierrors.KindAuthTransient, fmt.Sprintf("refresh upstream %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return refreshResult{}, apierrors.New(apierrors.KindAuthInvalid, fmt.Sprintf("refresh rejected %d: %s", resp.StatusCode, string(data)), nil)
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		ProfileARN   string `json:"profileArn"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return refreshResult{}, apierrors.New(apierrors.KindAuthMalformed, "parsing refresh response", err)
	}
	if parsed.AccessToken == "" {
		return refreshResult{}, apierrors.New(apierrors.KindAuthMalformed, "refresh response missing accessToken", nil)
	}

	return refreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    tm.cfg.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		ProfileARN:   parsed.ProfileARN,
	}, nil
}
