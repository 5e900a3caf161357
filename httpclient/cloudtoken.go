package httpclient

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/jws"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// jwtBearerGrant is the grant type for signed-assertion token requests.
const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// defaultMetadataURL is the instance metadata token endpoint used when a
// service email but no private key is configured.
const defaultMetadataURL = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"

// TokenConfig describes how a cloud consumer or poller authenticates.
type TokenConfig struct {
	// ServiceEmail identifies the service account. Used as the token id
	// for instance-metadata auth.
	ServiceEmail string
	// KeyID identifies the private key. Used as the token id for
	// key-based auth.
	KeyID string
	// PrivateKeyPEM holds the decrypted service account key for
	// JWT-bearer auth. Empty selects instance-metadata auth.
	PrivateKeyPEM string
	// TokenEndpoint receives the signed assertion.
	TokenEndpoint string
	// Scope requested for the token.
	Scope string
	// MetadataURL overrides the instance metadata endpoint (tests).
	MetadataURL string
}

// TokenID returns the cache key for this configuration: the key id for
// key-based auth, the service email otherwise.
func (c TokenConfig) TokenID() string {
	if c.PrivateKeyPEM != "" {
		return c.KeyID
	}
	return c.ServiceEmail
}

// tokenResponse is the wire form of a token grant.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenProvider fetches and caches cloud access tokens.
type TokenProvider struct {
	cache *TokenCache
	pool  *Pool
	now   func() time.Time

	// metadataClient is rebuilt per request in production (keep-alive is
	// forbidden) but injectable for tests.
	metadataClient func() *http.Client
}

// NewTokenProvider creates a provider over the given client pool.
func NewTokenProvider(pool *Pool) *TokenProvider {
	return &TokenProvider{
		cache:          NewTokenCache(),
		pool:           pool,
		now:            time.Now,
		metadataClient: MetadataClient,
	}
}

// Cache exposes the underlying token cache.
func (p *TokenProvider) Cache() *TokenCache {
	return p.cache
}

// AccessToken returns a valid token for the configuration, consulting the
// cache first.
func (p *TokenProvider) AccessToken(ctx context.Context, cfg TokenConfig) (string, error) {
	tokenID := cfg.TokenID()
	if tokenID == "" {
		return "", errors.WrapInvalid(errors.ErrMissingConfig,
			"TokenProvider", "AccessToken", "token id validation")
	}

	if token, ok := p.cache.Get(tokenID); ok {
		return token.AccessToken, nil
	}

	var response tokenResponse
	var err error
	if cfg.PrivateKeyPEM != "" {
		response, err = p.requestJWTBearer(ctx, cfg)
	} else {
		response, err = p.requestMetadata(ctx, cfg)
	}
	if err != nil {
		return "", err
	}

	p.cache.Store(tokenID, Token{
		AccessToken: response.AccessToken,
		ExpiresAt:   p.now().Add(time.Duration(response.ExpiresIn) * time.Second),
	})
	return response.AccessToken, nil
}

// requestJWTBearer signs a claim set with the service account key and
// exchanges it at the token endpoint.
func (p *TokenProvider) requestJWTBearer(ctx context.Context, cfg TokenConfig) (tokenResponse, error) {
	key, err := parsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return tokenResponse{}, errors.WrapInvalid(err, "TokenProvider", "requestJWTBearer", "parse private key")
	}

	issued := p.now()
	claims := &jws.ClaimSet{
		Iss:   cfg.ServiceEmail,
		Scope: cfg.Scope,
		Aud:   cfg.TokenEndpoint,
		Iat:   issued.Unix(),
		Exp:   issued.Add(time.Hour).Unix(),
	}
	header := &jws.Header{Algorithm: "RS256", Typ: "JWT", KeyID: cfg.KeyID}

	assertion, err := jws.Encode(header, claims, key)
	if err != nil {
		return tokenResponse{}, errors.WrapInvalid(err, "TokenProvider", "requestJWTBearer", "sign assertion")
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, errors.WrapInvalid(err, "TokenProvider", "requestJWTBearer", "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return p.do(p.pool.Client(Options{}), req)
}

// requestMetadata fetches a token from the instance metadata service. The
// socket must not be reused; the client disables keep-alive.
func (p *TokenProvider) requestMetadata(ctx context.Context, cfg TokenConfig) (tokenResponse, error) {
	endpoint := cfg.MetadataURL
	if endpoint == "" {
		endpoint = defaultMetadataURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return tokenResponse{}, errors.WrapInvalid(err, "TokenProvider", "requestMetadata", "build request")
	}
	req.Header.Set("Metadata-Flavor", "Google")
	req.Close = true

	return p.do(p.metadataClient(), req)
}

func (p *TokenProvider) do(client *http.Client, req *http.Request) (tokenResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return tokenResponse{}, errors.WrapTransient(err, "TokenProvider", "do", "token request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, errors.WrapTransient(err, "TokenProvider", "do", "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return tokenResponse{}, errors.WrapTransient(
			fmt.Errorf("token endpoint returned %d", resp.StatusCode),
			"TokenProvider", "do", "status check")
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return tokenResponse{}, errors.WrapInvalid(err, "TokenProvider", "do", "decode response")
	}
	if token.AccessToken == "" {
		return tokenResponse{}, errors.WrapInvalid(
			fmt.Errorf("empty access_token"),
			"TokenProvider", "do", "response validation")
	}
	return token, nil
}

func parsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
	return key, nil
}
