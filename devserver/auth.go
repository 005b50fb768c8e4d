package devserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/zstd"
)

// authenticate verifies the bearer token when a signing secret is
// configured. Without a secret every request passes, which keeps local
// development friction-free.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.conf.JWTSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := s.verifyToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifyToken checks an HS256 token and returns its subject.
func (s *Server) verifyToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.conf.JWTSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("token subject: %w", err)
	}
	return sub, nil
}

// IssueToken mints an HS256 token for the given user. Test helper for
// clients talking to an auth-enabled server.
func (s *Server) IssueToken(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID})
	return token.SignedString(s.conf.JWTSecret)
}

var zstdReader, _ = zstd.NewReader(nil)

func decompress(data []byte) ([]byte, error) {
	out, err := zstdReader.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress sync frame: %w", err)
	}
	return out, nil
}
