package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/principal"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "supersecretkeythatisatleast32byteslong!!"

func mockValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator("HS256", testSecret, "secgate-test", 30*time.Second, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	return v
}

func kindOf(t *testing.T, err error) denial.Kind {
	t.Helper()
	d, ok := denial.As(err)
	if !ok {
		t.Fatalf("expected *denial.Error, got %T (%v)", err, err)
	}
	return d.Kind
}

func signMap(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestNewValidator_Rejects(t *testing.T) {
	if _, err := NewValidator("none", testSecret, "x", 0, 0); err != ErrUnsupportedAlg {
		t.Errorf("expected ErrUnsupportedAlg, got %v", err)
	}
	if _, err := NewValidator("HS256", "short", "x", 0, 0); err != ErrWeakSecret {
		t.Errorf("expected ErrWeakSecret, got %v", err)
	}
}

func TestValidator_IssueAndValidate(t *testing.T) {
	v := mockValidator(t)
	now := time.UnixMilli(1_700_000_000_123)

	tok, err := v.Issue("user-42", "ADMIN", time.Hour, now)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	p, err := v.Validate("Bearer "+tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Validate failed for valid token: %v", err)
	}
	if p.IdentityID != "user-42" || p.Role != "ADMIN" {
		t.Errorf("unexpected principal: %+v", p)
	}
	if p.Method != principal.MethodBearer || p.Token != tok || p.TokenID == "" {
		t.Errorf("bearer fields not populated: %+v", p)
	}
	if !p.IssuedAt.Equal(now) {
		t.Errorf("IssuedAt = %v, want %v", p.IssuedAt, now)
	}
	if !p.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", p.ExpiresAt, now.Add(time.Hour))
	}
}

func TestValidator_PrefixIsCaseInsensitive(t *testing.T) {
	v := mockValidator(t)
	now := time.Now()
	tok, _ := v.Issue("u", "USER", time.Hour, now)

	for _, h := range []string{"bearer " + tok, "BEARER " + tok, "  Bearer   " + tok + " "} {
		if _, err := v.Validate(h, now); err != nil {
			t.Errorf("header %q: %v", h[:10], err)
		}
	}
	for _, h := range []string{"", "Bearer", "Bearer ", "Basic abc", tok} {
		if _, err := v.Validate(h, now); kindOf(t, err) != denial.MalformedToken {
			t.Errorf("header %q: expected MalformedToken", h)
		}
	}
}

func TestValidator_ExpiryBoundary(t *testing.T) {
	v := mockValidator(t)
	// Sub-millisecond part is dropped at issuance.
	now := time.UnixMilli(1_700_000_000_987).Add(400 * time.Microsecond)
	tok, _ := v.Issue("u", "USER", 90*time.Second, now)
	exp := now.Truncate(time.Millisecond).Add(90 * time.Second)

	if _, err := v.Validate("Bearer "+tok, exp.Add(-time.Millisecond)); err != nil {
		t.Fatalf("1ms before exp should be valid: %v", err)
	}
	if _, err := v.Validate("Bearer "+tok, exp); kindOf(t, err) != denial.TokenExpired {
		t.Fatal("at exp should be TokenExpired")
	}
	if _, err := v.Validate("Bearer "+tok, exp.Add(time.Millisecond)); kindOf(t, err) != denial.TokenExpired {
		t.Fatal("1ms after exp should be TokenExpired")
	}
}

func TestValidator_WrongSecret(t *testing.T) {
	v := mockValidator(t)
	other, _ := NewValidator("HS256", strings.Repeat("x", 40), "secgate-test", 0, 0)
	now := time.Now()
	tok, _ := other.Issue("u", "USER", time.Hour, now)

	if _, err := v.Validate("Bearer "+tok, now); kindOf(t, err) != denial.InvalidSignature {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
	// An expired token with a bad signature is still a signature failure.
	if _, err := v.Validate("Bearer "+tok, now.Add(2*time.Hour)); kindOf(t, err) != denial.InvalidSignature {
		t.Fatalf("expected InvalidSignature for expired forged token, got %v", err)
	}
}

func TestValidator_TamperedPayload(t *testing.T) {
	v := mockValidator(t)
	now := time.Now()
	tok, _ := v.Issue("u", "USER", time.Hour, now)
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatal("Invalid JWT format")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatal(err)
	}
	m["role"] = "ADMIN"
	forged, _ := json.Marshal(m)
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(forged) + "." + parts[2]

	if _, err := v.Validate("Bearer "+tampered, now); kindOf(t, err) != denial.InvalidSignature {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestValidator_AlgorithmConfusion(t *testing.T) {
	v := mockValidator(t)
	now := time.Now()
	claims := jwt.MapClaims{"sub": "u", "iss": "secgate-test", "exp": now.Add(time.Hour).Unix()}

	none := signMap(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, claims)
	if _, err := v.Validate("Bearer "+none, now); kindOf(t, err) != denial.InvalidSignature {
		t.Errorf("alg=none: expected InvalidSignature, got %v", err)
	}
	hs512 := signMap(t, jwt.SigningMethodHS512, []byte(testSecret), claims)
	if _, err := v.Validate("Bearer "+hs512, now); kindOf(t, err) != denial.InvalidSignature {
		t.Errorf("alg=HS512: expected InvalidSignature, got %v", err)
	}
}

func TestValidator_ClaimShape(t *testing.T) {
	v := mockValidator(t)
	now := time.Now()
	key := []byte(testSecret)

	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   denial.Kind
	}{
		{"missing exp", jwt.MapClaims{"sub": "u", "iss": "secgate-test"}, denial.MalformedToken},
		{"missing sub", jwt.MapClaims{"iss": "secgate-test", "exp": now.Add(time.Hour).Unix()}, denial.MalformedToken},
		{"wrong issuer", jwt.MapClaims{"sub": "u", "iss": "evil", "exp": now.Add(time.Hour).Unix()}, denial.InvalidSignature},
		{"iat far future", jwt.MapClaims{"sub": "u", "iss": "secgate-test", "iat": now.Add(time.Hour).Unix(), "exp": now.Add(2 * time.Hour).Unix()}, denial.MalformedToken},
		{"nbf far future", jwt.MapClaims{"sub": "u", "iss": "secgate-test", "nbf": now.Add(time.Hour).Unix(), "exp": now.Add(2 * time.Hour).Unix()}, denial.MalformedToken},
		{"exp not a number", jwt.MapClaims{"sub": "u", "iss": "secgate-test", "exp": "tomorrow"}, denial.MalformedToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok := signMap(t, jwt.SigningMethodHS256, key, tc.claims)
			if _, err := v.Validate("Bearer "+tok, now); kindOf(t, err) != tc.want {
				t.Errorf("expected %s, got %v", tc.want, err)
			}
		})
	}

	// iat within the skew window is tolerated
	tok := signMap(t, jwt.SigningMethodHS256, key, jwt.MapClaims{
		"sub": "u", "iss": "secgate-test", "iat": now.Add(10 * time.Second).Unix(), "exp": now.Add(time.Hour).Unix(),
	})
	if _, err := v.Validate("Bearer "+tok, now); err != nil {
		t.Errorf("iat within skew should pass: %v", err)
	}
}

func TestValidator_Garbage(t *testing.T) {
	v := mockValidator(t)
	for _, raw := range []string{"abc", "a.b.c", "....", "eyJhbGciOiJIUzI1NiJ9.%%%.sig"} {
		if _, err := v.Validate("Bearer "+raw, time.Now()); kindOf(t, err) != denial.MalformedToken {
			t.Errorf("%q: expected MalformedToken, got %v", raw, err)
		}
	}
}

func TestValidator_ParseIgnoresExpiry(t *testing.T) {
	v := mockValidator(t)
	now := time.Now()
	tok, _ := v.Issue("u", "USER", time.Minute, now)

	p, err := v.Parse(tok, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Parse of expired token: %v", err)
	}
	if p.Remaining(now.Add(time.Hour)) >= 0 {
		t.Errorf("expected negative remaining lifetime, got %v", p.Remaining(now.Add(time.Hour)))
	}
}

func TestTokenID(t *testing.T) {
	if got := TokenID("jti-1", "raw"); got != "jti-1" {
		t.Errorf("expected jti, got %q", got)
	}
	a := TokenID("", "raw-a")
	if len(a) != 64 || a == TokenID("", "raw-b") {
		t.Errorf("digest id not a distinct sha256 hex: %q", a)
	}
}

func TestIssue_ClampsTTL(t *testing.T) {
	v, _ := NewValidator("HS256", testSecret, "secgate-test", 0, time.Hour)
	now := time.UnixMilli(1_700_000_000_000)
	tok, _ := v.Issue("u", "USER", 48*time.Hour, now)
	p, err := v.Validate("Bearer "+tok, now)
	if err != nil {
		t.Fatal(err)
	}
	if !p.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("ttl not clamped: exp=%v", p.ExpiresAt)
	}
}
