package secrets

import (
	"context"
	"strings"

	logx "digestbot/pkg/logx"
)

// Resolver implements the dispatch-time credential contract on top of a Provider.
type Resolver struct {
	provider Provider
	log      logx.Logger
}

func NewResolver(p Provider, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{provider: p, log: log}
}

// Resolve exchanges ref for a token.
//
// A nil or blank ref returns ("", false) without touching the provider. Lookup failures are
// logged and also return ("", false). A panicking provider is recovered the same way.
func (r *Resolver) Resolve(ctx context.Context, ref *string) (tok string, ok bool) {
	if r == nil || ref == nil {
		return "", false
	}
	key := strings.TrimSpace(*ref)
	if key == "" || r.provider == nil {
		return "", false
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("credential lookup panicked", logx.String("ref", key), logx.Any("panic", p))
			tok, ok = "", false
		}
	}()

	tok, err := r.provider.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			r.log.Warn("credential not found", logx.String("ref", key))
		} else {
			r.log.Warn("credential lookup failed", logx.String("ref", key), logx.Err(err))
		}
		return "", false
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		r.log.Warn("credential resolved to empty token", logx.String("ref", key))
		return "", false
	}
	return tok, true
}
