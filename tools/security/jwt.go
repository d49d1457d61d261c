package security

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"chatgate/tools/errs"
)

// Options controls signing and TTL.
type Options struct {
	Secret []byte        // HMAC key
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // token validity (default 2h)
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Identity is what the gateway learns about a connection from its token.
type Identity struct {
	UserID string
	Active bool
}

// Verifier is the authentication collaborator consumed by the gateway.
// Token issuance lives elsewhere; the gateway only verifies.
type Verifier interface {
	Verify(token string) (Identity, error)
}

type jwtVerifier struct {
	opts Options
}

func NewVerifier(opts Options) Verifier {
	return &jwtVerifier{opts: opts}
}

func (v *jwtVerifier) Verify(token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, errs.ErrAuth.WithDetail("missing token")
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, errs.ErrAuth.WithDetail("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return Identity{}, errs.ErrAuth.WithDetail("claims type mismatch")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, errs.ErrAuth.WithDetail("missing subject")
	}
	active := true
	if v, ok := claims["active"].(bool); ok {
		active = v
	}
	return Identity{UserID: sub, Active: active}, nil
}

// Generate issues a signed token. Used by tooling and tests; the gateway
// itself never calls it.
func Generate(opts Options, userID string) (string, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub":    userID,
		"iat":    now.Unix(),
		"nbf":    now.Unix(),
		"exp":    now.Add(opts.TTL).Unix(),
		"active": true,
	}
	return jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
