package authority

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// retainedKeys is how many retired keys stay published after a rotation so
// tokens signed just before it still verify.
const retainedKeys = 2

// SigningKey is an RSA private key with its published key id.
type SigningKey struct {
	ID      string
	Private *rsa.PrivateKey
}

// KeySet holds the active signing key plus recently retired ones.
type KeySet struct {
	mu      sync.RWMutex
	bits    int
	active  SigningKey
	retired []SigningKey
}

// NewKeySet generates a fresh RSA key of the given size.
func NewKeySet(bits int) (*KeySet, error) {
	if bits < 2048 {
		bits = 2048
	}
	ks := &KeySet{bits: bits}
	sk, err := generateKey(bits)
	if err != nil {
		return nil, err
	}
	ks.active = sk
	return ks, nil
}

// NewKeySetFromPEM wraps an existing private key (PKCS#1 or PKCS#8 PEM),
// such as a service account key.
func NewKeySetFromPEM(pemText string) (*KeySet, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemText))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	kid, err := thumbprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeySet{bits: priv.N.BitLen(), active: SigningKey{ID: kid, Private: priv}}, nil
}

func generateKey(bits int) (SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return SigningKey{}, fmt.Errorf("generate rsa key: %w", err)
	}
	kid, err := thumbprint(&priv.PublicKey)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{ID: kid, Private: priv}, nil
}

func thumbprint(pub *rsa.PublicKey) (string, error) {
	k, err := jwk.FromRaw(pub)
	if err != nil {
		return "", fmt.Errorf("jwk from key: %w", err)
	}
	tp, err := k.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp)[:20], nil
}

// Active returns the current signing key.
func (k *KeySet) Active() SigningKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Rotate replaces the active key and returns the new key id.
func (k *KeySet) Rotate() (string, error) {
	sk, err := generateKey(k.bits)
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.retired = append([]SigningKey{k.active}, k.retired...)
	if len(k.retired) > retainedKeys {
		k.retired = k.retired[:retainedKeys]
	}
	k.active = sk
	return sk.ID, nil
}

// Sign signs claims with the active key (RS256, kid header).
func (k *KeySet) Sign(claims jwt.Claims) (string, error) {
	sk := k.Active()
	if sk.Private == nil {
		return "", errors.New("no signing key")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = sk.ID
	return tok.SignedString(sk.Private)
}

// JWKS returns the public keys of the active and retired signing keys.
func (k *KeySet) JWKS() (jwk.Set, error) {
	k.mu.RLock()
	keys := append([]SigningKey{k.active}, k.retired...)
	k.mu.RUnlock()

	set := jwk.NewSet()
	for _, sk := range keys {
		pub, err := jwk.FromRaw(&sk.Private.PublicKey)
		if err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyIDKey, sk.ID); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// MarshalJWKS renders the JWKS document.
func (k *KeySet) MarshalJWKS() ([]byte, error) {
	set, err := k.JWKS()
	if err != nil {
		return nil, err
	}
	return json.Marshal(set)
}
