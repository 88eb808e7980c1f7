package authority

import (
	"context"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CustomTokenAudience is the audience of custom tokens accepted by the
// Identity Toolkit's signInWithCustomToken.
const CustomTokenAudience = "https://identitytoolkit.googleapis.com/google.identity.identitytoolkit.v1.IdentityToolkit"

const customTokenTTL = time.Hour

// Minter mints custom tokens signed by a service account key.
type Minter struct {
	clientEmail string
	keys        *KeySet
	now         func() time.Time
}

func NewMinter(clientEmail string, keys *KeySet) *Minter {
	return &Minter{clientEmail: strings.TrimSpace(clientEmail), keys: keys, now: time.Now}
}

type customClaims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

// CreateCustomToken mints a one hour token for uid. The token carries no
// claims beyond the uid.
func (m *Minter) CreateCustomToken(ctx context.Context, uid string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if uid == "" || len(uid) > 128 {
		return "", errors.New("uid must be a non-empty string of at most 128 characters")
	}
	if m.clientEmail == "" || m.keys == nil {
		return "", errors.New("custom token minting requires a service account")
	}
	now := m.now()
	return m.keys.Sign(customClaims{
		UID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.clientEmail,
			Subject:   m.clientEmail,
			Audience:  jwt.ClaimStrings{CustomTokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(customTokenTTL)),
			ID:        uuid.NewString(),
		},
	})
}
