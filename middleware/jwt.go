package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLeeway absorbs clock drift between the game's login service and us.
const tokenLeeway = 30 * time.Second

var (
	errNoPlayer = errors.New("token carries no player id")
	errBadToken = errors.New("invalid token")
)

// Claims is the JWT payload. The game server issues tokens for a character,
// which is the guild service's player id. Older login builds put the id only
// in "sub", so ParseToken falls back to it.
type Claims struct {
	PlayerID int64 `json:"player_id,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs a player token; used by the "token" CLI command and tests.
func GenerateToken(playerID int64, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		PlayerID: playerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(playerID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an HS256 player token and resolves its player id.
func ParseToken(tokenStr, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(tokenLeeway))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errBadToken
	}
	if claims.PlayerID == 0 && claims.Subject != "" {
		id, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			return nil, errNoPlayer
		}
		claims.PlayerID = id
	}
	if claims.PlayerID <= 0 {
		return nil, errNoPlayer
	}
	return claims, nil
}
