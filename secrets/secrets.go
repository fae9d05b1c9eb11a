// Package secrets resolves the names a workflow declares under
// use.secrets. Providers are chained: the first one that knows a name
// wins, so explicit config values can shadow the environment and the
// environment can shadow a secrets directory.
package secrets

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultEnvPrefix is the environment prefix when config sets none.
const DefaultEnvPrefix = "FLOWD_SECRET_"

// Provider looks up one secret by name.
type Provider interface {
	Lookup(name string) (string, bool)
}

// Static serves secrets from a fixed map, typically config-supplied.
type Static map[string]string

// Lookup implements Provider.
func (s Static) Lookup(name string) (string, bool) {
	v, ok := s[name]
	return v, ok
}

// Env reads secrets from environment variables. A secret named apiKey is
// read from <prefix>APIKEY with non-alphanumeric runes folded to '_'.
type Env struct {
	Prefix string
}

// Lookup implements Provider.
func (e Env) Lookup(name string) (string, bool) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return os.LookupEnv(prefix + envKey(name))
}

func envKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Dir reads secrets from files in a directory, one file per secret name.
// Trailing whitespace is trimmed, matching how mounted secret volumes
// store values.
type Dir struct {
	Path string
}

// Lookup implements Provider.
func (d Dir) Lookup(name string) (string, bool) {
	if d.Path == "" || strings.ContainsAny(name, "/\\") {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(d.Path, name))
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(data), " \t\r\n"), true
}

// Chain tries providers in order.
type Chain []Provider

// Lookup implements Provider.
func (c Chain) Lookup(name string) (string, bool) {
	for _, p := range c {
		if v, ok := p.Lookup(name); ok {
			return v, ok
		}
	}
	return "", false
}

// FromConfig assembles the standard chain: static values, then the
// environment, then an optional secrets directory.
func FromConfig(values map[string]string, envPrefix, dir string) Chain {
	chain := Chain{}
	if len(values) > 0 {
		chain = append(chain, Static(values))
	}
	chain = append(chain, Env{Prefix: envPrefix})
	if dir != "" {
		chain = append(chain, Dir{Path: dir})
	}
	return chain
}
