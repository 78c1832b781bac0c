package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ayo6706/ledger-service/internal/api/problem"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/golang-jwt/jwt/v5"
)

// AuthGate is the pre-filter that binds an authenticated principal to each
// request. Accepted credentials, in order of precedence: client TLS
// certificate, HTTP Basic, HTTP Signature, bearer token.
type AuthGate struct {
	engine        *ledger.Engine
	jwtSecret     []byte
	jwtIssuer     string
	jwtAudience   string
	tokenTTL      time.Duration
	adminUser     string
	adminPassword string
	revoked       map[string]struct{}
}

type authClaims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// NewAuthGate constructs a gate over the engine's account records.
func NewAuthGate(engine *ledger.Engine) *AuthGate {
	return &AuthGate{engine: engine, tokenTTL: time.Hour}
}

// WithJWT enables bearer-token credentials.
func (g *AuthGate) WithJWT(secret, issuer, audience string, ttl time.Duration) *AuthGate {
	if secret != "" {
		g.jwtSecret = []byte(secret)
	}
	g.jwtIssuer = issuer
	g.jwtAudience = audience
	if ttl > 0 {
		g.tokenTTL = ttl
	}
	return g
}

// WithBootstrapAdmin accepts the configured operator credentials even before
// any account exists.
func (g *AuthGate) WithBootstrapAdmin(user, password string) *AuthGate {
	g.adminUser = user
	g.adminPassword = password
	return g
}

// WithRevokedSerials installs the CRL-derived set of revoked certificate
// serial numbers (hex encoded).
func (g *AuthGate) WithRevokedSerials(serials []string) *AuthGate {
	if len(serials) == 0 {
		return g
	}
	g.revoked = make(map[string]struct{}, len(serials))
	for _, s := range serials {
		g.revoked[strings.ToLower(s)] = struct{}{}
	}
	return g
}

// Middleware rejects requests that carry no acceptable credential.
func (g *AuthGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := g.Authenticate(r)
		if err != nil {
			problem.Write(w, r, http.StatusUnauthorized, problem.Type(problem.SlugUnauthorized),
				http.StatusText(http.StatusUnauthorized), err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
	})
}

// Authenticate extracts and verifies the request credential.
func (g *AuthGate) Authenticate(r *http.Request) (ledger.Principal, error) {
	if p, ok, err := g.fromClientCert(r); ok {
		return p, err
	}

	header := r.Header.Get("Authorization")
	switch {
	case header == "":
		return ledger.Principal{}, errors.New("authentication required")
	case strings.HasPrefix(header, "Basic "):
		return g.fromBasic(r)
	case strings.HasPrefix(header, "Bearer "):
		return g.fromBearer(strings.TrimPrefix(header, "Bearer "))
	case strings.HasPrefix(header, "Signature "):
		return g.fromSignature(r, strings.TrimPrefix(header, "Signature "))
	default:
		return ledger.Principal{}, errors.New("unsupported authorization scheme")
	}
}

// MintToken issues a bearer token for an already-authenticated principal.
func (g *AuthGate) MintToken(p ledger.Principal) (string, time.Time, error) {
	if len(g.jwtSecret) == 0 {
		return "", time.Time{}, errors.New("bearer tokens are not configured")
	}
	expires := time.Now().Add(g.tokenTTL)
	claims := authClaims{
		Admin: p.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Name,
			Issuer:    g.jwtIssuer,
			Audience:  jwt.ClaimStrings{g.jwtAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

func (g *AuthGate) fromClientCert(r *http.Request) (ledger.Principal, bool, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ledger.Principal{}, false, nil
	}
	cert := r.TLS.PeerCertificates[0]
	serial := strings.ToLower(cert.SerialNumber.Text(16))
	if _, revoked := g.revoked[serial]; revoked {
		return ledger.Principal{}, true, errors.New("client certificate revoked")
	}
	name := cert.Subject.CommonName
	acct, err := g.engine.AccountRecord(r.Context(), name)
	if err != nil {
		return ledger.Principal{}, true, errors.New("certificate subject is not a known account")
	}
	if acct.Fingerprint != "" {
		sum := sha256.Sum256(cert.Raw)
		if !strings.EqualFold(acct.Fingerprint, hex.EncodeToString(sum[:])) {
			return ledger.Principal{}, true, errors.New("client certificate fingerprint mismatch")
		}
	}
	return ledger.Principal{Name: acct.Name, Admin: acct.IsAdmin}, true, nil
}

func (g *AuthGate) fromBasic(r *http.Request) (ledger.Principal, error) {
	name, password, ok := r.BasicAuth()
	if !ok {
		return ledger.Principal{}, errors.New("malformed basic credentials")
	}
	if g.adminUser != "" && name == g.adminUser {
		if subtle.ConstantTimeCompare([]byte(password), []byte(g.adminPassword)) == 1 {
			return ledger.Principal{Name: g.adminUser, Admin: true}, nil
		}
		return ledger.Principal{}, errors.New("bad credentials")
	}
	p, err := g.engine.Authenticate(r.Context(), name, password)
	if err != nil {
		return ledger.Principal{}, errors.New("bad credentials")
	}
	return p, nil
}

func (g *AuthGate) fromBearer(tokenString string) (ledger.Principal, error) {
	if len(g.jwtSecret) == 0 {
		return ledger.Principal{}, errors.New("bearer tokens are not configured")
	}
	claims := &authClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if g.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(g.jwtIssuer))
	}
	if g.jwtAudience != "" {
		opts = append(opts, jwt.WithAudience(g.jwtAudience))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return g.jwtSecret, nil
	}, opts...)
	if err != nil || !token.Valid || claims.Subject == "" {
		return ledger.Principal{}, errors.New("invalid token")
	}
	return ledger.Principal{Name: claims.Subject, Admin: claims.Admin}, nil
}

// fromSignature verifies an HTTP Signature credential of the form
//
//	Signature keyId="<account>",algorithm="hmac-sha256",signature="<base64>"
//
// over the signing string "(request-target) date" using the account's
// signing key.
func (g *AuthGate) fromSignature(r *http.Request, params string) (ledger.Principal, error) {
	fields := parseSignatureParams(params)
	name := fields["keyId"]
	sig := fields["signature"]
	if name == "" || sig == "" {
		return ledger.Principal{}, errors.New("malformed signature credentials")
	}
	if alg := fields["algorithm"]; alg != "" && !strings.EqualFold(alg, "hmac-sha256") {
		return ledger.Principal{}, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
	date := r.Header.Get("Date")
	if date == "" {
		return ledger.Principal{}, errors.New("signature credentials require a Date header")
	}

	acct, err := g.engine.AccountRecord(r.Context(), name)
	if err != nil || acct.SigningKey == "" {
		return ledger.Principal{}, errors.New("bad credentials")
	}

	signingString := fmt.Sprintf("(request-target): %s %s\ndate: %s",
		strings.ToLower(r.Method), r.URL.RequestURI(), date)
	mac := hmac.New(sha256.New, []byte(acct.SigningKey))
	mac.Write([]byte(signingString))
	expected := mac.Sum(nil)

	provided, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(provided, expected) {
		return ledger.Principal{}, errors.New("bad credentials")
	}
	return ledger.Principal{Name: acct.Name, Admin: acct.IsAdmin}, nil
}

func parseSignatureParams(params string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, `"`)
	}
	return fields
}

// ContextWithPrincipal stores the authenticated principal.
func ContextWithPrincipal(ctx context.Context, p ledger.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext returns the authenticated principal, zero if none.
func PrincipalFromContext(ctx context.Context) ledger.Principal {
	if ctx == nil {
		return ledger.Principal{}
	}
	if p, ok := ctx.Value(principalContextKey).(ledger.Principal); ok {
		return p
	}
	return ledger.Principal{}
}
