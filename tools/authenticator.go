// Package tools implements the engine's tool invoker (spec component C6):
// argument assembly, schema validation, rate limiting, dispatch to approved
// functions or HTTP endpoints, response mapping, and transaction logging.
package tools

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/flowerr"
)

// SecretResolver looks up a secret's current value by reference name. The
// catalog never carries literal credential material — AuthConfig only holds
// reference names — so the host supplies this at invoker construction time.
type SecretResolver func(ref string) (string, error)

// Authenticator applies authentication to an outgoing HTTP request, grounded
// on the teacher's credentials.Credential interface (Apply(ctx, *http.Request)
// error / Type() string), generalized here from LLM-provider auth schemes to
// the four auth kinds declared on a tool's catalog.AuthConfig.
type Authenticator interface {
	Apply(ctx context.Context, req *http.Request) error
	Type() string
}

// NewAuthenticator builds the Authenticator described by cfg, resolving any
// referenced secret material through resolve. A nil cfg yields nil (no auth
// applied).
func NewAuthenticator(cfg *catalog.AuthConfig, resolve SecretResolver) (Authenticator, error) {
	if cfg == nil {
		return nil, nil
	}
	switch cfg.Type {
	case catalog.AuthBearer:
		token, err := resolve(cfg.TokenRef)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.Internal, "resolving bearer token", err)
		}
		return &bearerAuth{token: token}, nil
	case catalog.AuthBasic:
		user, err := resolve(cfg.UsernameRef)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.Internal, "resolving basic auth username", err)
		}
		pass, err := resolve(cfg.PasswordRef)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.Internal, "resolving basic auth password", err)
		}
		return &basicAuth{username: user, password: pass}, nil
	case catalog.AuthAPIKey:
		key, err := resolve(cfg.SecretRef)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.Internal, "resolving api key", err)
		}
		header := cfg.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		return &apiKeyAuth{header: header, key: key}, nil
	case catalog.AuthHMAC:
		secret, err := resolve(cfg.SecretRef)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.Internal, "resolving hmac secret", err)
		}
		return &hmacAuth{secret: secret, headerName: cfg.HeaderName}, nil
	default:
		return nil, flowerr.New(flowerr.Internal, "unknown auth type "+string(cfg.Type))
	}
}

type bearerAuth struct{ token string }

func (a *bearerAuth) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}
func (a *bearerAuth) Type() string { return "bearer" }

type basicAuth struct{ username, password string }

func (a *basicAuth) Apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.username, a.password)
	return nil
}
func (a *basicAuth) Type() string { return "basic" }

type apiKeyAuth struct{ header, key string }

func (a *apiKeyAuth) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set(a.header, a.key)
	return nil
}
func (a *apiKeyAuth) Type() string { return "apiKey" }

// hmacAuth signs the request's method, request URI and a timestamp with
// HMAC-SHA256 (the body is not part of the signed string), the same
// key-derivation shape as the teacher's AWS SigV4 signer (hmacSHA256Hex over
// a canonical string) minus the region/service scoping AWS needs.
type hmacAuth struct {
	secret     string
	headerName string
}

func (a *hmacAuth) Apply(_ context.Context, req *http.Request) error {
	ts := time.Now().UTC().Format(time.RFC3339)
	canonical := req.Method + "\n" + req.URL.RequestURI() + "\n" + ts
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(canonical))
	sig := hex.EncodeToString(mac.Sum(nil))

	header := a.headerName
	if header == "" {
		header = "X-Signature"
	}
	req.Header.Set(header, sig)
	req.Header.Set("X-Signature-Timestamp", ts)
	return nil
}
func (a *hmacAuth) Type() string { return "hmac" }

// noSecretResolver is the default used when the host supplies none: every
// reference fails to resolve, so auth-bearing tools fail loudly at dispatch
// rather than silently sending unauthenticated requests.
func noSecretResolver(ref string) (string, error) {
	return "", fmt.Errorf("no secret resolver configured for ref %q", ref)
}
