package apikey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
)

// EnvPrefix marks process environment variables that carry a tenant key,
// NOTIFYHUB_APIKEY_ACME=secret configures tenant "acme".
const EnvPrefix = "NOTIFYHUB_APIKEY_"

// fileVar is excluded from the tenant scan, it names the key file itself.
const fileVar = EnvPrefix + "FILE"

var ErrNoKeys = errors.New("no api keys configured")

type entry struct {
	tenant string
	secret []byte
}

// Registry maps API keys to tenants. It is immutable after construction and
// safe for concurrent use.
type Registry struct {
	entries []entry
}

// Resolve merges the key file and the environment into tenant -> secret.
// Environment entries win over file entries of the same tenant. Tenant names
// are lower-cased and empty secrets are skipped.
func Resolve(environ map[string]string, file map[string]string) map[string]string {
	keys := make(map[string]string, len(file)+len(environ))
	for tenant, secret := range file {
		tenant = strings.ToLower(strings.TrimSpace(tenant))
		secret = strings.TrimSpace(secret)
		if tenant == "" || secret == "" {
			continue
		}
		keys[tenant] = secret
	}
	for name, secret := range environ {
		if !strings.HasPrefix(strings.ToUpper(name), EnvPrefix) || strings.EqualFold(name, fileVar) {
			continue
		}
		tenant := strings.ToLower(strings.TrimSpace(name[len(EnvPrefix):]))
		secret = strings.TrimSpace(secret)
		if tenant == "" || secret == "" {
			continue
		}
		keys[tenant] = secret
	}
	return keys
}

// Load builds the registry from the process environment and, when keyFile is
// not empty, a dotenv style file of tenant=secret lines.
func Load(keyFile string) (*Registry, error) {
	environ, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	var file map[string]string
	if keyFile != "" {
		file, err = godotenv.Read(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read api key file %s: %w", keyFile, err)
		}
	}

	return NewRegistry(Resolve(environ, file))
}

func NewRegistry(keys map[string]string) (*Registry, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	tenants := make([]string, 0, len(keys))
	for tenant := range keys {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	r := &Registry{entries: make([]entry, 0, len(keys))}
	for _, tenant := range tenants {
		r.entries = append(r.entries, entry{tenant: tenant, secret: []byte(keys[tenant])})
		logger.Info("api key loaded", "tenant", tenant, "key", Mask(keys[tenant]))
	}
	return r, nil
}

// TenantOf returns the tenant owning key. Every configured secret is compared
// in constant time so the lookup duration does not depend on which one matched.
func (r *Registry) TenantOf(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	k := []byte(key)
	found := -1
	for i, e := range r.entries {
		if subtle.ConstantTimeCompare(k, e.secret) == 1 {
			found = i
		}
	}
	if found < 0 {
		return "", false
	}
	return r.entries[found].tenant, true
}

func (r *Registry) IsValid(key string) bool {
	_, ok := r.TenantOf(key)
	return ok
}

// Tenants lists the configured tenant names in order.
func (r *Registry) Tenants() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.tenant
	}
	return out
}

// Mask hides the middle of a key for logging.
func Mask(key string) string {
	n := len(key)
	switch {
	case n < 8:
		return strings.Repeat("*", n)
	case n <= 20:
		return key[:4] + strings.Repeat("*", 8) + key[n-4:]
	default:
		return key[:8] + strings.Repeat("*", n-16) + key[n-8:]
	}
}

// Generate returns a new random key with the given prefix, used by the cli.
func Generate(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
