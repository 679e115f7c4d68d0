// Package auth binds floord transactions to the account that signed them.
//
// A client signs a short-lived JWT with its account key. The subject is the
// account address, and the req claim commits to the method, path and body of
// the one request the token authorises. Tokens are single use.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"floorlend/crypto"
)

const (
	// Audience is the aud claim every floord token carries.
	Audience = "floord"
	// DefaultLifetime is the validity window Issue gives a token.
	DefaultLifetime = time.Minute
	// MaxLifetime bounds exp-iat of accepted tokens.
	MaxLifetime = 5 * time.Minute
	// ClockSkew is the leeway applied to iat and exp.
	ClockSkew = 30 * time.Second

	defaultReplayCapacity = 1 << 16
)

var (
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrRequestMismatch = errors.New("auth: token signed for a different request")
	ErrReplayed        = errors.New("auth: token already used")
)

// SigningMethodSecp256k1 signs the keccak256 digest of the JWT signing input
// with a recoverable secp256k1 signature. Verification recovers the signer
// and compares it with the expected account address.
var SigningMethodSecp256k1 = &signingMethodSecp256k1{}

type signingMethodSecp256k1 struct{}

func init() {
	jwt.RegisterSigningMethod(SigningMethodSecp256k1.Alg(), func() jwt.SigningMethod {
		return SigningMethodSecp256k1
	})
}

func (m *signingMethodSecp256k1) Alg() string { return "ES256K-R" }

// Sign expects a *crypto.PrivateKey.
func (m *signingMethodSecp256k1) Sign(signingString string, key interface{}) ([]byte, error) {
	priv, ok := key.(*crypto.PrivateKey)
	if !ok || priv == nil || priv.PrivateKey == nil {
		return nil, jwt.ErrInvalidKeyType
	}
	return ethcrypto.Sign(ethcrypto.Keccak256([]byte(signingString)), priv.PrivateKey)
}

// Verify expects the crypto.Address the signature must recover to.
func (m *signingMethodSecp256k1) Verify(signingString string, sig []byte, key interface{}) error {
	want, ok := key.(crypto.Address)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if len(sig) != ethcrypto.SignatureLength {
		return jwt.ErrSignatureInvalid
	}
	pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256([]byte(signingString)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", jwt.ErrSignatureInvalid, err)
	}
	if (&crypto.PublicKey{PublicKey: pub}).Address() != want {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// Claims are the fields of a floord request token.
type Claims struct {
	jwt.RegisteredClaims
	Request string `json:"req"`
}

// RequestDigest commits to one HTTP request.
func RequestDigest(method, path string, body []byte) string {
	line := strings.ToUpper(method) + " " + path + "\n"
	return hex.EncodeToString(ethcrypto.Keccak256([]byte(line), body))
}

// Issue signs a token that lets key's account send exactly this request.
func Issue(key *crypto.PrivateKey, method, path string, body []byte, now time.Time) (string, error) {
	if key == nil || key.PrivateKey == nil {
		return "", jwt.ErrInvalidKey
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.PubKey().Address().String(),
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(DefaultLifetime)),
			ID:        uuid.NewString(),
		},
		Request: RequestDigest(method, path, body),
	}
	return jwt.NewWithClaims(SigningMethodSecp256k1, claims).SignedString(key)
}

// Verifier checks request tokens and remembers the ones it accepted until
// they expire.
type Verifier struct {
	now      func() time.Time
	capacity int

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewVerifier(now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{now: now, capacity: defaultReplayCapacity, seen: make(map[string]time.Time)}
}

// Verify returns the account that signed token for the given request.
func (v *Verifier) Verify(token, method, path string, body []byte) (crypto.Address, error) {
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		addr, err := crypto.DecodeAddress(claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("subject: %w", err)
		}
		return addr, nil
	},
		jwt.WithValidMethods([]string{SigningMethodSecp256k1.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(ClockSkew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.IssuedAt == nil || claims.ID == "" {
		return crypto.Address{}, fmt.Errorf("%w: iat and jti are required", ErrInvalidToken)
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > MaxLifetime {
		return crypto.Address{}, fmt.Errorf("%w: lifetime exceeds %s", ErrInvalidToken, MaxLifetime)
	}
	if claims.Request != RequestDigest(method, path, body) {
		return crypto.Address{}, ErrRequestMismatch
	}
	account, err := crypto.DecodeAddress(claims.Subject)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := v.remember(claims.Subject+"/"+claims.ID, claims.ExpiresAt.Time); err != nil {
		return crypto.Address{}, err
	}
	return account, nil
}

func (v *Verifier) remember(id string, expires time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[id]; ok {
		return ErrReplayed
	}
	if len(v.seen) >= v.capacity {
		now := v.now()
		for key, exp := range v.seen {
			if exp.Add(ClockSkew).Before(now) {
				delete(v.seen, key)
			}
		}
		if len(v.seen) >= v.capacity {
			return fmt.Errorf("%w: replay cache full", ErrInvalidToken)
		}
	}
	v.seen[id] = expires
	return nil
}
