package adapter

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/BaSui01/agentlink/internal/tlsutil"
	"github.com/BaSui01/agentlink/types"
)

// credentials is the resolved form of a connection's AuthConfig.
type credentials struct {
	bearer string
	apiKey string
}

func (c credentials) empty() bool {
	return c.bearer == "" && c.apiKey == ""
}

// apply sets auth headers on h.
func (c credentials) apply(h http.Header) {
	if c.bearer != "" {
		h.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.apiKey != "" {
		h.Set("X-API-Key", c.apiKey)
	}
}

func (c credentials) header() http.Header {
	h := make(http.Header)
	c.apply(h)
	return h
}

// resolveCredentials turns an AuthConfig into request credentials. OAuth2
// client credentials are exchanged here, so a bad client fails the connect.
func resolveCredentials(ctx context.Context, a *types.AuthConfig) (credentials, error) {
	if a == nil {
		return credentials{}, nil
	}
	if err := a.Validate(); err != nil {
		return credentials{}, err
	}

	switch a.Type {
	case types.AuthToken:
		token := a.Credential("token")
		if err := checkTokenExpiry(token); err != nil {
			return credentials{}, err
		}
		return credentials{bearer: token, apiKey: a.Credential("apiKey")}, nil

	case types.AuthOAuth2:
		if tok := a.Credential("accessToken"); tok != "" {
			return credentials{bearer: tok}, nil
		}
		tok, err := clientCredentials(a).Token(ctx)
		if err != nil {
			return credentials{}, types.AuthError(types.CodeAuthRejected, "oauth2 token exchange failed").WithCause(err)
		}
		return credentials{bearer: tok.AccessToken}, nil

	case types.AuthCertificate:
		// Presented during the TLS handshake, see clientTLS.
		return credentials{}, nil
	}
	return credentials{}, nil
}

func clientCredentials(a *types.AuthConfig) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     a.Credential("clientId"),
		ClientSecret: a.Credential("clientSecret"),
		TokenURL:     a.Credential("tokenUrl"),
		Scopes:       strings.FieldsFunc(a.Credential("scopes"), func(r rune) bool { return r == ',' || r == ' ' }),
		AuthStyle:    oauth2.AuthStyleAutoDetect,
	}
}

// checkTokenExpiry rejects JWT bearer tokens whose exp claim has passed.
// Opaque tokens are left to the peer.
func checkTokenExpiry(token string) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return types.AuthError(types.CodeInvalidCredentials, "token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// clientTLS builds the TLS config for a secure connection, or nil for a
// plaintext one.
func clientTLS(cfg types.ConnectionConfig) (*tls.Config, error) {
	if !cfg.Secure {
		return nil, nil
	}
	opts := tlsutil.ClientOptions{ServerName: cfg.Host}
	if cfg.TLS != nil {
		opts.CAFile = cfg.TLS.CAFile
		opts.InsecureSkipVerify = cfg.TLS.InsecureSkipVerify
		if cfg.TLS.ServerName != "" {
			opts.ServerName = cfg.TLS.ServerName
		}
	}
	if cfg.Auth != nil && cfg.Auth.Type == types.AuthCertificate {
		opts.CertFile = cfg.Auth.Credential("certFile")
		opts.KeyFile = cfg.Auth.Credential("keyFile")
		if ca := cfg.Auth.Credential("caFile"); ca != "" {
			opts.CAFile = ca
		}
	}

	tlsCfg, err := tlsutil.ClientConfig(opts)
	if err != nil {
		if opts.CertFile != "" {
			return nil, types.AuthError(types.CodeInvalidCredentials, "load client certificate").WithCause(err)
		}
		return nil, types.ProtocolError(types.CodeInvalidConfig, "build tls config").WithCause(err)
	}
	return tlsCfg, nil
}

// prepare resolves everything a dialer needs before touching the network.
func prepare(ctx context.Context, cfg types.ConnectionConfig) (credentials, *tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return credentials{}, nil, err
	}
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return credentials{}, nil, err
	}
	creds, err := resolveCredentials(ctx, cfg.Auth)
	if err != nil {
		return credentials{}, nil, err
	}
	return creds, tlsCfg, nil
}
