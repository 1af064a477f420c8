package localvault

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
)

// Tokens are HS256 JWTs signed with the vault's signing key.

var signingMethods = []string{jwt.SigningMethodHS256.Alg()}

func (v *Vault) Issue(ctx context.Context, args host.IssueArgs) (host.Token, error) {
	if err := ctx.Err(); err != nil {
		return host.Token{}, err
	}
	if strings.TrimSpace(args.Subject) == "" {
		return host.Token{}, fault.InvalidArgument("subject is required")
	}
	if args.TTLMs < 0 {
		return host.Token{}, fault.InvalidArgument("negative ttl")
	}
	ttl := v.opts.TokenTTL
	if args.TTLMs > 0 {
		ttl = time.Duration(args.TTLMs) * time.Millisecond
	}
	if ttl > v.opts.MaxTokenTTL {
		return host.Token{}, fault.InvalidArgument("ttl exceeds the maximum of %s", v.opts.MaxTokenTTL)
	}
	if v.isClosed() {
		return host.Token{}, errClosed()
	}

	now := v.now().UTC().Truncate(time.Second)
	// Expiry has second resolution; round up.
	expires := now.Add(ttl).Truncate(time.Second)
	if expires.Sub(now) < ttl {
		expires = expires.Add(time.Second)
	}
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    v.opts.Issuer,
		Subject:   args.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if args.Audience != "" {
		claims.Audience = jwt.ClaimStrings{args.Audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.keys.signing)
	if err != nil {
		return host.Token{}, fault.Operation(fault.CodeInternal, "sign token: %v", err)
	}
	return host.Token{Token: token, ExpiresAt: expires}, nil
}

func (v *Vault) Validate(ctx context.Context, token string) (host.Claims, error) {
	if err := ctx.Err(); err != nil {
		return host.Claims{}, err
	}
	if v.isClosed() {
		return host.Claims{}, errClosed()
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return v.keys.signing, nil },
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(v.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return host.Claims{}, fault.Operation(fault.CodePermissionDenied, "token rejected: %s", rejection(err))
	}

	out := host.Claims{ID: claims.ID, Subject: claims.Subject}
	if len(claims.Audience) > 0 {
		out.Audience = claims.Audience[0]
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.UTC()
	}
	out.ExpiresAt = claims.ExpiresAt.UTC()
	return out, nil
}

// rejection names the first check a token failed.
func rejection(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing expiry"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "unknown issuer"
	default:
		return "invalid claims"
	}
}

func (v *Vault) isClosed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.closed
}
