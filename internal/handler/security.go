package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

var errUnauthorized = errors.New("unauthorized")

// Security authenticates callers with HMAC-SHA256 hashed API keys.
type Security struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurity creates a Security using the key repository and HMAC pepper.
func NewSecurity(apikeys auth.Repository, pepper []byte) *Security {
	return &Security{apikeys: apikeys, pepper: pepper}
}

// HashAPIKey returns the hex encoded HMAC-SHA256 of key under pepper, the
// form keys are stored in.
func HashAPIKey(key string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate resolves the key presented by a caller.
func (s *Security) Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hash := HashAPIKey(key, s.pepper)

	info, err := s.apikeys.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, errUnauthorized
		}
		return nil, errors.Wrap(err, "find api key")
	}
	// Constant time against the stored hash.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(info.KeyHash)) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}

// Require rejects requests without a valid key granted scope.
func (s *Security) Require(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		info, err := s.Authenticate(ctx, r.Header.Get(APIKeyHeader))
		switch {
		case errors.Is(err, errUnauthorized):
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		case err != nil:
			zctx.From(ctx).Error("API key lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		case !info.HasScope(scope):
			writeError(w, http.StatusForbidden, "missing scope "+scope)
			return
		}

		lg := zctx.From(ctx).With(zap.String("api_key", info.ID))
		next.ServeHTTP(w, r.WithContext(zctx.Base(ctx, lg)))
	})
}
