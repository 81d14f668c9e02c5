package server

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader: JSON API 的调用方密钥头。
const APIKeyHeader = "X-API-Key"

// HashAPIKey 生成可写入 server.api_key_hash 的 bcrypt 哈希。
func HashAPIKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func verifyAPIKey(plain, hash string) bool {
	if hash == "" || plain == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// requireAPIKey: hash 为空时放行。
func requireAPIKey(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !verifyAPIKey(r.Header.Get(APIKeyHeader), hash) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
