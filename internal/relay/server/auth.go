package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hivedesk/callkit/internal/domain"
)

var ErrBadToken = errors.New("bad token")

const userKey = "relay_user"

// IssueToken mints a bearer token for one user.
func IssueToken(secret string, user domain.User, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  string(user.ID),
		"name": user.Username,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates the token and recovers the user it was issued to.
func ParseToken(secret, tokenStr string) (domain.User, error) {
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected method %v", ErrBadToken, t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return domain.User{}, ErrBadToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return domain.User{}, ErrBadToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.User{}, ErrBadToken
	}
	name, _ := claims["name"].(string)
	return domain.User{ID: domain.UserID(sub), Username: name}, nil
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Browser websocket clients cannot set headers.
	return c.Query("token")
}

func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := ParseToken(secret, bearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.User {
	u, _ := c.Get(userKey)
	user, _ := u.(domain.User)
	return user
}
