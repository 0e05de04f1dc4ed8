package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/model"
)

var _ auth.Refresher = (*AuthAPI)(nil)

// AuthAPI calls the account endpoints. It never consults the refresh
// coordinator, so a failing refresh cannot loop back into another refresh.
type AuthAPI struct {
	client *Client
	store  auth.CredentialStore
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// AuthConfig configures an AuthAPI.
type AuthConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Store receives the credential of a successful login and is cleared on
	// logout.
	Store  auth.CredentialStore
	Margin time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// NewAuthAPI returns an AuthAPI.
func NewAuthAPI(cfg AuthConfig) (*AuthAPI, error) {
	if cfg.Store == nil {
		return nil, errors.New("apiclient: auth API requires a credential store")
	}
	c, err := NewClient(Config{
		BaseURL:     cfg.BaseURL,
		HTTPClient:  cfg.HTTPClient,
		Timeout:     cfg.Timeout,
		Credentials: cfg.Store,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	a := &AuthAPI{client: c, store: cfg.Store, margin: cfg.Margin, now: cfg.Now, logger: c.logger}
	if a.margin == 0 {
		a.margin = auth.DefaultExpiryMargin
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	ExternalID string `json:"externalId"`
	Password   string `json:"password"`
	Nickname   string `json:"nickname,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
}

// Registration is the backend's answer to a registration.
type Registration struct {
	UserID     string `json:"userId"`
	ExternalID string `json:"externalId"`
}

type tokenData struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresIn    int64      `json:"expiresIn"`
	User         model.User `json:"user"`
}

// Login exchanges a password for tokens and stores them.
func (a *AuthAPI) Login(ctx context.Context, externalID, password string) (model.User, error) {
	body := map[string]string{"externalId": externalID, "password": password}
	var data tokenData
	if err := a.client.Post(ctx, "/auth/login", body, &data); err != nil {
		return model.User{}, err
	}
	if data.AccessToken == "" {
		return model.User{}, errors.New("apiclient: login response carries no access token")
	}
	cred := auth.NewCredentialWithMargin(data.AccessToken, data.RefreshToken, data.ExpiresIn, a.now(), a.margin)
	if err := a.store.Set(cred); err != nil {
		return model.User{}, fmt.Errorf("apiclient: store credential: %w", err)
	}
	a.logger.Info("apiclient: logged in", "user_id", data.User.UserID)
	return data.User, nil
}

// Register creates an account. It does not log in.
func (a *AuthAPI) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	var reg Registration
	if err := a.client.Post(ctx, "/auth/register", req, &reg); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// Refresh exchanges a refresh token for a new grant. It satisfies
// auth.Refresher and does not touch the store.
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (auth.Grant, error) {
	var data tokenData
	body := map[string]string{"refreshToken": refreshToken}
	if err := a.client.Post(ctx, auth.DefaultRefreshPath, body, &data); err != nil {
		return auth.Grant{}, err
	}
	if data.AccessToken == "" {
		return auth.Grant{}, errors.New("apiclient: refresh response carries no access token")
	}
	return auth.Grant{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresIn:    data.ExpiresIn,
	}, nil
}

// Logout tells the backend to revoke the session, then clears the stored
// credential whatever the backend answered.
func (a *AuthAPI) Logout(ctx context.Context) error {
	if auth.AccessToken(a.store) != "" {
		if err := a.client.Post(ctx, "/auth/logout", struct{}{}, nil); err != nil {
			a.logger.Warn("apiclient: logout request failed, clearing local credential anyway", "error", err)
		}
	}
	if err := a.store.Clear(); err != nil {
		return fmt.Errorf("apiclient: clear credential: %w", err)
	}
	return nil
}
