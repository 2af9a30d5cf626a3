package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"area-automator-api/internal/crypto"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var (
	// ErrNotLinked means the user never linked the provider.
	ErrNotLinked = errors.New("no linked account for provider")
	// ErrReauthRequired means the stored credentials cannot be made usable
	// again without the user going through the OAuth flow once more.
	ErrReauthRequired = errors.New("re-authentication required")
)

// Tokens refreshed when they expire within this window, so an action is
// never handed a token that dies mid-request.
const expiryLeeway = 30 * time.Second

// Store is the subset of store.Storer the credential manager needs.
type Store interface {
	GetLinkedAccount(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) (domain.LinkedAccount, error)
	UpsertLinkedAccount(ctx context.Context, arg store.UpsertLinkedAccountParams) (domain.LinkedAccount, error)
	UpdateLinkedAccountTokens(ctx context.Context, arg store.UpdateLinkedAccountTokensParams) error
}

// Manager owns encryption and refresh of OAuth tokens. Integrations call
// GetTokenWithRefresh and never touch ciphertext or refresh flows themselves.
type Manager struct {
	store  Store
	cipher *crypto.Cipher
	logger *zap.Logger

	mu      sync.RWMutex
	configs map[domain.ProviderType]*oauth2.Config
}

// NewManager ...
func NewManager(s Store, cipher *crypto.Cipher, log *zap.Logger) (*Manager, error) {
	if cipher == nil {
		return nil, fmt.Errorf("cipher must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		store:   s,
		cipher:  cipher,
		logger:  log,
		configs: make(map[domain.ProviderType]*oauth2.Config),
	}, nil
}

// RegisterProvider installs the oauth2 config used for the provider's
// refresh flow. Called once at boot per provider.
func (m *Manager) RegisterProvider(provider domain.ProviderType, cfg *oauth2.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[provider] = cfg
}

func (m *Manager) config(provider domain.ProviderType) *oauth2.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configs[provider]
}

// GetToken decrypts and returns the stored access token as-is, without
// looking at expiry.
func (m *Manager) GetToken(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) (string, error) {
	acc, err := m.store.GetLinkedAccount(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s for user %s", ErrNotLinked, provider, userID)
		}
		return "", fmt.Errorf("could not load linked account: %w", err)
	}

	accessToken, err := m.cipher.DecryptString(acc.AccessToken)
	if err != nil {
		return "", fmt.Errorf("could not decrypt access token for %s: %w", provider, err)
	}

	return accessToken, nil
}

// GetTokenWithRefresh returns a usable access token, transparently running
// the provider's refresh flow when the stored token is expired and a refresh
// token is present. The refreshed pair is re-encrypted and persisted before
// returning.
func (m *Manager) GetTokenWithRefresh(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) (string, error) {
	acc, err := m.store.GetLinkedAccount(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s for user %s", ErrNotLinked, provider, userID)
		}
		return "", fmt.Errorf("could not load linked account: %w", err)
	}

	accessToken, err := m.cipher.DecryptString(acc.AccessToken)
	if err != nil {
		return "", fmt.Errorf("could not decrypt access token for %s: %w", provider, err)
	}

	if acc.TokenExpiry.IsZero() || time.Until(acc.TokenExpiry) > expiryLeeway {
		return accessToken, nil
	}

	// Expired (or about to). Without a refresh token there is nothing we
	// can do server-side.
	if acc.RefreshToken == "" {
		return "", fmt.Errorf("%w: %s token expired and no refresh token stored", ErrReauthRequired, provider)
	}

	cfg := m.config(provider)
	if cfg == nil {
		return "", fmt.Errorf("%w: no refresh flow configured for %s", ErrReauthRequired, provider)
	}

	refreshToken, err := m.cipher.DecryptString(acc.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("could not decrypt refresh token for %s: %w", provider, err)
	}

	m.logger.Info("refreshing expired token",
		zap.String("component", "credentials"),
		zap.String("provider", string(provider)),
		zap.String("account_id", acc.ID.String()))

	ts := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       acc.TokenExpiry,
		TokenType:    "Bearer",
	})
	newToken, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("%w: refresh failed for %s (access possibly revoked): %v", ErrReauthRequired, provider, err)
	}

	if err := m.persistRefreshedToken(ctx, acc, refreshToken, newToken); err != nil {
		return "", err
	}

	return newToken.AccessToken, nil
}

func (m *Manager) persistRefreshedToken(ctx context.Context, acc domain.LinkedAccount, oldRefresh string, newToken *oauth2.Token) error {
	encryptedAccess, err := m.cipher.EncryptString(newToken.AccessToken)
	if err != nil {
		return fmt.Errorf("could not encrypt refreshed access token: %w", err)
	}

	var encryptedRefresh string
	if newToken.RefreshToken != "" && newToken.RefreshToken != oldRefresh {
		encryptedRefresh, err = m.cipher.EncryptString(newToken.RefreshToken)
		if err != nil {
			return fmt.Errorf("could not encrypt rotated refresh token: %w", err)
		}
	}

	err = m.store.UpdateLinkedAccountTokens(ctx, store.UpdateLinkedAccountTokensParams{
		AccountID:       acc.ID,
		NewAccessToken:  encryptedAccess,
		NewRefreshToken: encryptedRefresh,
		NewTokenExpiry:  newToken.Expiry,
	})
	if err != nil {
		return fmt.Errorf("could not persist refreshed tokens: %w", err)
	}

	return nil
}

// LinkParams carries plaintext tokens from an OAuth callback.
type LinkParams struct {
	UserID         uuid.UUID
	Provider       domain.ProviderType
	Email          string
	ProviderUserID string
	AccessToken    string
	RefreshToken   string
	TokenExpiry    time.Time
	Scopes         []string
}

// Link encrypts the token pair and upserts the linked account. This is the
// write half of the credential boundary; callers never hand plaintext tokens
// to the store directly.
func (m *Manager) Link(ctx context.Context, arg LinkParams) (domain.LinkedAccount, error) {
	encryptedAccess, err := m.cipher.EncryptString(arg.AccessToken)
	if err != nil {
		return domain.LinkedAccount{}, fmt.Errorf("could not encrypt access token: %w", err)
	}

	var encryptedRefresh string
	if arg.RefreshToken != "" {
		encryptedRefresh, err = m.cipher.EncryptString(arg.RefreshToken)
		if err != nil {
			return domain.LinkedAccount{}, fmt.Errorf("could not encrypt refresh token: %w", err)
		}
	}

	return m.store.UpsertLinkedAccount(ctx, store.UpsertLinkedAccountParams{
		UserID:         arg.UserID,
		Provider:       arg.Provider,
		Email:          arg.Email,
		ProviderUserID: arg.ProviderUserID,
		AccessToken:    encryptedAccess,
		RefreshToken:   encryptedRefresh,
		TokenExpiry:    arg.TokenExpiry,
		Scopes:         arg.Scopes,
	})
}

// --- Composite tokens ---
//
// Some providers (Notion) return more than a bare token: the extra payload is
// packed as inline JSON after the token itself, separated by a pipe. Keeping
// the encode/decode pair here stops that encoding from leaking into
// integrations.

const compositeSeparator = "|"

// EncodeCompositeToken packs a token and its secondary payload into one value.
func EncodeCompositeToken(token string, extra map[string]string) (string, error) {
	if len(extra) == 0 {
		return token, nil
	}

	payload, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("could not encode composite token payload: %w", err)
	}
	return token + compositeSeparator + string(payload), nil
}

// DecodeCompositeToken splits a composite token back into the bare token and
// its payload. A plain token decodes to itself with a nil payload.
func DecodeCompositeToken(value string) (string, map[string]string) {
	token, payload, ok := strings.Cut(value, compositeSeparator)
	if !ok {
		return value, nil
	}

	var extra map[string]string
	if err := json.Unmarshal([]byte(payload), &extra); err != nil {
		// Not a composite value after all; a pipe in a token is legal.
		return value, nil
	}
	return token, extra
}
