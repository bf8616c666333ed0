package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables.
//
// References are normalised to upper snake case before lookup, so with prefix "DIGEST_SECRET_"
// the reference "slack-token" reads DIGEST_SECRET_SLACK_TOKEN.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix, lookup: os.LookupEnv}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := p.lookup(p.prefix + EnvKey(key))
	if !ok || strings.TrimSpace(v) == "" {
		return "", &ErrSecretNotFound{Key: key, Provider: p.Name()}
	}
	return v, nil
}

// EnvKey converts a credential reference into an environment variable suffix.
func EnvKey(ref string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(ref) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
