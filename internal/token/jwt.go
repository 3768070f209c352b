package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/metrics"
	"secgate/gateway/internal/principal"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func init() {
	// Tokens carry millisecond timestamps. Decoding keeps microseconds so the
	// float round trip can be rounded back to the exact millisecond (msTime).
	jwt.TimePrecision = time.Microsecond
}

// ---- Public types ----

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies and mints HMAC bearer tokens for one secret/algorithm pair.
type Validator struct {
	alg    string
	secret []byte
	issuer string
	skew   time.Duration
	// maxTTL caps Issue().
	maxTTL time.Duration
	parser *jwt.Parser
}

// ---- Errors ----

var (
	ErrWeakSecret     = errors.New("token secret too short; need >=32 bytes")
	ErrUnsupportedAlg = errors.New("unsupported alg (expected HS256/384/512)")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrExpMissing     = errors.New("exp missing")
	ErrSubMissing     = errors.New("sub missing")
	ErrIatInFuture    = errors.New("iat in the future")
	ErrNbfInFuture    = errors.New("nbf in the future")
	ErrNotBearer      = errors.New("authorization header is not a bearer credential")
)

// ---- Constructors ----

func NewValidator(alg, secret, issuer string, skew, maxTTL time.Duration) (*Validator, error) {
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, ErrUnsupportedAlg
	}
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if issuer == "" {
		issuer = "secgate"
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &Validator{
		alg:    alg,
		secret: []byte(secret),
		issuer: issuer,
		skew:   skew,
		maxTTL: maxTTL,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{alg}),
			jwt.WithStrictDecoding(),
			// time claims are checked against the caller's clock below
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// ---- Operations ----

// ExtractBearer strips a case-insensitive "Bearer " prefix.
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrNotBearer
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// Validate checks an Authorization header value at instant now and returns the
// bearer principal. Errors are *denial.Error.
func (v *Validator) Validate(header string, now time.Time) (principal.Principal, error) {
	raw, err := ExtractBearer(header)
	if err != nil || raw == "" {
		return principal.Principal{}, denial.Wrap(denial.MalformedToken, "missing bearer token", err)
	}
	claims, err := v.verify(raw, now)
	if err != nil {
		return principal.Principal{}, err
	}
	exp := msTime(claims.ExpiresAt)
	if !now.Before(exp) {
		return principal.Principal{}, denial.New(denial.TokenExpired, "token expired")
	}
	return v.toPrincipal(raw, claims), nil
}

// Parse verifies signature and structure of a raw token but ignores expiry.
// Revocation uses it to derive the token ID and remaining lifetime.
func (v *Validator) Parse(raw string, now time.Time) (principal.Principal, error) {
	claims, err := v.verify(raw, now)
	if err != nil {
		return principal.Principal{}, err
	}
	return v.toPrincipal(raw, claims), nil
}

func (v *Validator) verify(raw string, now time.Time) (*Claims, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, denial.Wrap(denial.InvalidSignature, "token signature invalid", err)
		default:
			return nil, denial.Wrap(denial.MalformedToken, "token unparsable", err)
		}
	}

	if subtle.ConstantTimeCompare([]byte(claims.Issuer), []byte(v.issuer)) != 1 {
		return nil, denial.Wrap(denial.InvalidSignature, "token issuer not trusted", ErrIssuerMismatch)
	}
	if claims.ExpiresAt == nil {
		return nil, denial.Wrap(denial.MalformedToken, "token has no expiry", ErrExpMissing)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, denial.Wrap(denial.MalformedToken, "token has no subject", ErrSubMissing)
	}
	horizon := now.Add(v.skew)
	if claims.IssuedAt != nil && msTime(claims.IssuedAt).After(horizon) {
		return nil, denial.Wrap(denial.MalformedToken, "token issued in the future", ErrIatInFuture)
	}
	if claims.NotBefore != nil && msTime(claims.NotBefore).After(horizon) {
		return nil, denial.Wrap(denial.MalformedToken, "token not yet valid", ErrNbfInFuture)
	}
	return &claims, nil
}

func (v *Validator) toPrincipal(raw string, c *Claims) principal.Principal {
	p := principal.Principal{
		IdentityID: c.Subject,
		Role:       c.Role,
		ExpiresAt:  msTime(c.ExpiresAt),
		Method:     principal.MethodBearer,
		TokenID:    TokenID(c.ID, raw),
		Token:      raw,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = msTime(c.IssuedAt)
	}
	return p
}

// Issue mints a token for identityID with a fresh jti. ttl is clamped to the
// configured maximum.
func (v *Validator) Issue(identityID, role string, ttl time.Duration, now time.Time) (string, error) {
	if identityID == "" {
		return "", ErrSubMissing
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > v.maxTTL {
		ttl = v.maxTTL
	}
	now = now.Truncate(time.Millisecond)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   identityID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.GetSigningMethod(v.alg), claims).SignedString(v.secret)
	if err != nil {
		return "", err
	}
	metrics.TokensIssued.Inc()
	return s, nil
}

// TokenID is the revocation key: the jti when present, otherwise the SHA-256
// hex digest of the raw token.
func TokenID(jti, raw string) string {
	if jti != "" {
		return jti
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// msTime rounds a decoded NumericDate back to the issued millisecond; the
// float seconds encoding can land a fraction of a microsecond short of it.
func msTime(d *jwt.NumericDate) time.Time {
	return d.Time.Round(time.Millisecond)
}
