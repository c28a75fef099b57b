package invite

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer builds signed accept links so the invite email cannot be
// tampered with to point at a different escrow.
type TokenIssuer struct {
	secret []byte
	appURL string
	ttl    time.Duration
}

func NewTokenIssuer(secret []byte, appURL string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, appURL: appURL, ttl: ttl}
}

// AcceptURL returns the link embedded in the invite email. The code travels
// inside a signed token together with the escrow id.
func (t *TokenIssuer) AcceptURL(escrowID, code string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"escrow_id": escrowID,
		"code":      code,
		"exp":       now.Add(t.ttl).Unix(),
		"iat":       now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("invite: sign accept token: %w", err)
	}
	return fmt.Sprintf("%s/escrow/invite/accept?token=%s", t.appURL, url.QueryEscape(signed)), nil
}

// ParseAcceptToken validates the signed token and returns the escrow id and
// plaintext code it carries.
func (t *TokenIssuer) ParseAcceptToken(tokenString string) (escrowID, code string, err error) {
	token, err := jwt.Parse(tokenString, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invite: invalid accept token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invite: invalid accept token claims")
	}
	escrowID, _ = claims["escrow_id"].(string)
	code, _ = claims["code"].(string)
	if escrowID == "" || code == "" {
		return "", "", fmt.Errorf("invite: accept token missing claims")
	}
	return escrowID, code, nil
}
