package auth

import (
	"github.com/golang-jwt/jwt/v4"

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/pkg/errors"
)

// Identity is what the identity collaborator supplies per caller: a
// verified user id plus display metadata.
type Identity struct {
	UserID      string
	DisplayName string
	Role        models.Role
}

type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens issued by the marketplace's auth
// service.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, errors.ErrInvalidToken
	}
	return &Identity{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		Role:        models.Role(claims.Role),
	}, nil
}
