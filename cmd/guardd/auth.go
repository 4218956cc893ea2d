package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/lcanady/backr-sub001/pkg/httpx"
	"github.com/lcanady/backr-sub001/pkg/models"
)

const (
	principalHeader = "X-Guard-Principal"
	signatureHeader = "X-Guard-Signature"
)

type contextKey string

const principalContextKey contextKey = "guardd.principal"

func withPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func principalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(models.Principal)
	return p, ok && p != ""
}

// principalMiddleware authenticates the calling collaborator. In hmac
// mode the principal header must be accompanied by a hex HMAC-SHA256 of
// its value under the shared service secret.
func principalMiddleware(mode, secret string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := models.Principal(strings.TrimSpace(r.Header.Get(principalHeader)))
			if principal == "" {
				httpx.Error(w, http.StatusUnauthorized, "missing principal header")
				return
			}
			if mode != "off" {
				sig := strings.TrimSpace(r.Header.Get(signatureHeader))
				if !verifyPrincipalSignature(string(principal), sig, secret) {
					httpx.Error(w, http.StatusUnauthorized, "invalid principal signature")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

func verifyPrincipalSignature(principal, sigHex, secret string) bool {
	if secret == "" || sigHex == "" {
		return false
	}
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(principal))
	return hmac.Equal(mac.Sum(nil), want)
}

// SignPrincipal produces the signature header value for a principal.
// Exposed for collaborator clients and tests.
func SignPrincipal(principal, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(principal))
	return hex.EncodeToString(mac.Sum(nil))
}
