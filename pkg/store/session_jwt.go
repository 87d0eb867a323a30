package store

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultJWTIssuer   = "library-catalog"
	defaultJWTAudience = "library-catalog-api"
	defaultSessionTTL  = 30 * time.Minute
	defaultJWTLeeway   = 30 * time.Second
)

// Token validation failures. Callers at the HTTP boundary collapse all of
// them into a single unauthenticated response.
var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
)

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
	// TTL applies when IssueToken is called with a non-positive ttl.
	TTL time.Duration
}

// JWTSessionIssuer issues and validates stateless bearer tokens.
// It signs with HS256 (shared secret) or RS256 (PEM keys with kid rotation).
type JWTSessionIssuer struct {
	method jwt.SigningMethod

	hmacSecret []byte

	rsaSigner    *rsa.PrivateKey
	rsaSignerKid string
	rsaVerifiers map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
	ttl      time.Duration
	now      func() time.Time
}

// NewHS256SessionIssuer builds an issuer that signs with a shared secret.
func NewHS256SessionIssuer(secret string, opts JWTOptions) (*JWTSessionIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts = normalizeJWTOptions(opts)
	return &JWTSessionIssuer{
		method:     jwt.SigningMethodHS256,
		hmacSecret: []byte(secret),
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		leeway:     opts.Leeway,
		ttl:        opts.TTL,
		now:        time.Now,
	}, nil
}

// NewRS256SessionIssuerFromPEM builds an RS256 issuer from PEM files.
// verifyKeyFiles maps kid -> public key path and can include previous keys.
func NewRS256SessionIssuerFromPEM(
	privateKeyPath string,
	publicKeyPath string,
	keyID string,
	verifyKeyFiles map[string]string,
	opts JWTOptions,
) (*JWTSessionIssuer, error) {
	privateKey, err := loadRSAPrivateKeyFromPEMFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	if strings.TrimSpace(keyID) == "" {
		keyID = "jwt-active"
	}

	verifiers := make(map[string]*rsa.PublicKey)
	activePub := &privateKey.PublicKey
	if strings.TrimSpace(publicKeyPath) != "" {
		activePub, err = loadRSAPublicKeyFromPEMFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
	}
	verifiers[keyID] = activePub

	for kid, path := range verifyKeyFiles {
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		verifiers[kid] = pub
	}

	opts = normalizeJWTOptions(opts)
	return &JWTSessionIssuer{
		method:       jwt.SigningMethodRS256,
		rsaSigner:    privateKey,
		rsaSignerKid: keyID,
		rsaVerifiers: verifiers,
		issuer:       opts.Issuer,
		audience:     opts.Audience,
		leeway:       opts.Leeway,
		ttl:          opts.TTL,
		now:          time.Now,
	}, nil
}

// IssueToken signs a token for subject valid for ttl (default TTL when ttl <= 0).
func (s *JWTSessionIssuer) IssueToken(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(s.method, claims)
	switch s.method {
	case jwt.SigningMethodHS256:
		return token.SignedString(s.hmacSecret)
	case jwt.SigningMethodRS256:
		token.Header["kid"] = s.rsaSignerKid
		return token.SignedString(s.rsaSigner)
	default:
		return "", errors.New("jwt issuer not configured")
	}
}

// ValidateToken verifies token and returns its subject.
func (s *JWTSessionIssuer) ValidateToken(token string) (string, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (s *JWTSessionIssuer) parseAndVerify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrTokenMalformed
	}
	if s.method == nil {
		return claims, fmt.Errorf("%w: issuer not configured", ErrTokenInvalid)
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		parserOptions = append(parserOptions, jwt.WithAudience(s.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, s.keyFunc, parserOptions...)
	if err != nil || !parsed.Valid {
		return claims, classifyJWTError(err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, fmt.Errorf("%w: jti missing", ErrTokenInvalid)
	}
	return claims, nil
}

func (s *JWTSessionIssuer) keyFunc(t *jwt.Token) (any, error) {
	if s.method == jwt.SigningMethodHS256 {
		return s.hmacSecret, nil
	}
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := s.rsaVerifiers[kid]
	if !ok {
		return nil, errors.New("unknown token key")
	}
	return pub, nil
}

func classifyJWTError(err error) error {
	switch {
	case err == nil:
		return ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrTokenSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate public key is not rsa")
		}
		return pub, nil
	}
	return nil, errors.New("failed to parse rsa public key")
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultSessionTTL
	}
	return opts
}
