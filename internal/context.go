package controlplane

import "context"

type contextKey int

const (
	ctxKeyAccessToken contextKey = iota
	ctxKeyRequestID
)

// ContextWithAccessToken attaches the verified access token to ctx.
func ContextWithAccessToken(ctx context.Context, tok *AccessToken) context.Context {
	return context.WithValue(ctx, ctxKeyAccessToken, tok)
}

// AccessTokenFromContext returns the access token attached by the auth
// middleware, or nil if none is present.
func AccessTokenFromContext(ctx context.Context) *AccessToken {
	tok, _ := ctx.Value(ctxKeyAccessToken).(*AccessToken)
	return tok
}

// ContextWithRequestID attaches the request's correlation id to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext returns the request's correlation id, or "" if none
// is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
