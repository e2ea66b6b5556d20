// internal/download/grant.go
// Download grants are short-lived HMAC-signed tokens binding a download row
// to a file. The completion report presents the grant, which lets the ledger
// trust the downloadId without a session.
package download

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GrantClaims is the payload of a download grant token.
type GrantClaims struct {
	DownloadID string `json:"downloadId"`
	FileID     string `json:"fileId"`
	jwt.RegisteredClaims
}

// SignGrant issues a grant token for a download row.
func SignGrant(secret, downloadID, fileID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := GrantClaims{
		DownloadID: downloadID,
		FileID:     fileID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign grant: %w", err)
	}
	return signed, nil
}

// VerifyGrant parses and validates a grant token. Expired or tampered tokens
// fail verification.
func VerifyGrant(secret, tokenString string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid grant token: %w", err)
	}
	if !token.Valid || claims.DownloadID == "" || claims.FileID == "" {
		return nil, fmt.Errorf("invalid grant token")
	}
	return claims, nil
}
