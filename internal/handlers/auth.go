package handlers

import (
	"crypto/subtle"
	"fmt"
	"strings"

	xhttp "github.com/nimasrn/support-desk/pkg/http"
)

const adminNameKey = "admin_name"

// ParseAdminTokens reads "name:token,name:token" into a token to name map.
func ParseAdminTokens(raw string) (map[string]string, error) {
	tokens := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("invalid admin token entry %q, want name:token", pair)
		}
		tokens[token] = name
	}
	return tokens, nil
}

// AdminAuth attributes a request to an admin by its bearer token or rejects it.
type AdminAuth struct {
	tokens map[string]string
}

func NewAdminAuth(tokens map[string]string) *AdminAuth {
	return &AdminAuth{tokens: tokens}
}

func (a *AdminAuth) lookup(token string) (string, bool) {
	for t, name := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return name, true
		}
	}
	return "", false
}

func (a *AdminAuth) Wrap(next xhttp.RequestHandler) xhttp.RequestHandler {
	return func(ctx *xhttp.RequestCtx) {
		header := string(ctx.Request.Header.Peek("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(ctx, xhttp.StatusUnauthorized, "missing bearer token")
			return
		}
		name, ok := a.lookup(strings.TrimSpace(token))
		if !ok {
			writeError(ctx, xhttp.StatusUnauthorized, "invalid token")
			return
		}
		ctx.SetUserValue(adminNameKey, name)
		next(ctx)
	}
}

// AdminName is the authenticated admin of the request, empty when unauthenticated.
func AdminName(ctx *xhttp.RequestCtx) string {
	name, _ := ctx.UserValue(adminNameKey).(string)
	return name
}
