package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// DefaultCapability grants every operation on every channel.
const DefaultCapability = `{"*":["*"]}`

// tokenExpiryMargin treats tokens this close to expiry as already expired.
const tokenExpiryMargin = 15 * time.Second

// TokenDetails is an issued access token.
type TokenDetails struct {
	Token      string `json:"token"`
	Expires    int64  `json:"expires,omitempty"`
	Issued     int64  `json:"issued,omitempty"`
	Capability string `json:"capability,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

// ExpiresAt returns the expiry time, or the zero time when unknown.
func (t *TokenDetails) ExpiresAt() time.Time {
	if t.Expires == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.Expires)
}

// Expired reports whether the token is unusable at serverNow. Tokens
// without a known expiry are assumed valid until the server says otherwise.
func (t *TokenDetails) Expired(serverNow time.Time) bool {
	if t == nil || t.Token == "" {
		return true
	}
	if t.Expires == 0 {
		return false
	}
	return !serverNow.Add(tokenExpiryMargin).Before(t.ExpiresAt())
}

// TokenParams are the properties requested for a new token.
type TokenParams struct {
	TTL        time.Duration
	Capability string
	ClientID   string
}

// TokenRequest is a signed request that the server exchanges for a token.
type TokenRequest struct {
	KeyName    string `json:"keyName"`
	TTL        int64  `json:"ttl,omitempty"`
	Capability string `json:"capability"`
	ClientID   string `json:"clientId,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce"`
	Mac        string `json:"mac"`
}

// sign computes the request MAC with the key secret.
func (r *TokenRequest) sign(secret string) {
	ttl := ""
	if r.TTL > 0 {
		ttl = strconv.FormatInt(r.TTL, 10)
	}
	payload := strings.Join([]string{
		r.KeyName,
		ttl,
		r.Capability,
		r.ClientID,
		strconv.FormatInt(r.Timestamp, 10),
		r.Nonce,
	}, "\n") + "\n"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	r.Mac = base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// splitKey separates "<name>:<secret>".
func splitKey(key string) (name, secret string, err error) {
	name, secret, ok := strings.Cut(key, ":")
	if !ok || name == "" || secret == "" {
		return "", "", fmt.Errorf("invalid key: expected <name>:<secret>")
	}
	return name, secret, nil
}

// authResponse is whatever an auth URL returned: token details, a token
// request to exchange, or a bare token string.
type authResponse struct {
	details *TokenDetails
	request *TokenRequest
}

func parseAuthResponse(body []byte, contentType string) (*authResponse, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("empty auth response")
	}

	if strings.HasPrefix(contentType, "application/json") || strings.HasPrefix(trimmed, "{") {
		var parsed struct {
			TokenDetails
			Mac     string `json:"mac"`
			KeyName string `json:"keyName"`
		}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return nil, fmt.Errorf("decode auth response: %w", err)
		}
		if parsed.Mac != "" && parsed.KeyName != "" {
			var req TokenRequest
			if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
				return nil, fmt.Errorf("decode token request: %w", err)
			}
			return &authResponse{request: &req}, nil
		}
		if parsed.Token == "" {
			return nil, fmt.Errorf("auth response has no token")
		}
		details := parsed.TokenDetails
		return &authResponse{details: &details}, nil
	}

	return &authResponse{details: &TokenDetails{Token: trimmed}}, nil
}

// fillFromJWT copies exp, iat and the client id claim of a JWT token into
// fields the issuer left empty. Tokens that are not JWTs are left alone.
func fillFromJWT(t *TokenDetails) {
	if strings.Count(t.Token, ".") != 2 {
		return
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(t.Token, gojwt.MapClaims{})
	if err != nil {
		return
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return
	}

	if t.Expires == 0 {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t.Expires = exp.UnixMilli()
		}
	}
	if t.Issued == 0 {
		if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
			t.Issued = iat.UnixMilli()
		}
	}
	if t.ClientID == "" {
		if id, ok := claims["x-ably-clientId"].(string); ok {
			t.ClientID = id
		}
	}
	if t.Capability == "" {
		if c, ok := claims["x-ably-capability"].(string); ok {
			t.Capability = c
		}
	}
}
