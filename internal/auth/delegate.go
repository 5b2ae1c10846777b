package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ragstack/gateway/internal/errors"
	"github.com/ragstack/gateway/internal/logging"
	"github.com/ragstack/gateway/internal/middleware"
)

// AuthenticatedUser is the identity the auth backend resolved for a token.
type AuthenticatedUser struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Superuser   bool     `json:"is_superuser"`
}

type userContextKey struct{}

// UserFromContext returns the authenticated user attached by the delegate,
// or nil for requests that reached the handler via a public path.
func UserFromContext(ctx context.Context) *AuthenticatedUser {
	u, _ := ctx.Value(userContextKey{}).(*AuthenticatedUser)
	return u
}

// WithUser attaches a resolved user to the context. Exposed for tests and
// for stages that synthesize identities.
func WithUser(ctx context.Context, u *AuthenticatedUser) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// Config holds the delegate's settings.
type Config struct {
	// WhoamiURL is the full URL of the identity backend's introspection
	// endpoint, e.g. http://auth:8001/api/auth/whoami.
	WhoamiURL string

	// PublicPaths are path prefixes that skip authentication entirely.
	PublicPaths []string

	// Timeout bounds the whoami round trip. Defaults to 5s.
	Timeout time.Duration

	// CacheTTL enables the token verdict cache when positive; zero keeps
	// every request hitting the identity backend. CacheSize bounds the
	// cache and defaults to 1024 entries.
	CacheSize int
	CacheTTL  time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client

	Logger *zap.Logger
}

// Delegate verifies bearer tokens by asking the identity backend who the
// token belongs to. The gateway never parses or validates tokens itself.
type Delegate struct {
	whoamiURL   string
	publicPaths []string
	client      *http.Client
	cache       *lru.LRU[string, *AuthenticatedUser]
	log         *zap.Logger
}

// NewDelegate creates a token-verifying delegate.
func NewDelegate(cfg Config) *Delegate {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}

	var cache *lru.LRU[string, *AuthenticatedUser]
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 1024
		}
		cache = lru.NewLRU[string, *AuthenticatedUser](size, nil, cfg.CacheTTL)
	}

	return &Delegate{
		whoamiURL:   cfg.WhoamiURL,
		publicPaths: cfg.PublicPaths,
		client:      client,
		cache:       cache,
		log:         log,
	}
}

// IsPublic reports whether path skips authentication.
func (d *Delegate) IsPublic(path string) bool {
	for _, p := range d.publicPaths {
		if p == path || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Verify resolves the user behind a bearer token via the identity backend.
func (d *Delegate) Verify(ctx context.Context, token string) (*AuthenticatedUser, error) {
	key := cacheKey(token)
	if d.cache != nil {
		if u, ok := d.cache.Get(key); ok {
			return u, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.whoamiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build whoami request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whoami call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read whoami response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.ErrAuthFailed
	}

	var user AuthenticatedUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("decode whoami response: %w", err)
	}

	if d.cache != nil {
		d.cache.Add(key, &user)
	}
	return &user, nil
}

// Middleware authenticates requests. Public paths pass through untouched;
// everything else needs a bearer token the identity backend recognizes.
func (d *Delegate) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d.IsPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				errors.ErrAuthRequired.
					WithRequestID(middleware.GetRequestID(r)).
					WriteJSON(w)
				return
			}

			user, err := d.Verify(r.Context(), token)
			if err != nil {
				if _, ok := errors.IsGatewayError(err); !ok {
					d.log.Warn("identity backend unreachable",
						zap.String("request_id", middleware.GetRequestID(r)),
						zap.Error(err))
				}
				errors.ErrAuthFailed.
					WithRequestID(middleware.GetRequestID(r)).
					WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// HealthCheck probes the identity backend with an unauthenticated whoami
// call. Any HTTP response counts as reachable; only transport failures are
// reported as errors.
func (d *Delegate) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.whoamiURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CacheLen returns the number of cached token verdicts.
func (d *Delegate) CacheLen() int {
	if d.cache == nil {
		return 0
	}
	return d.cache.Len()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// cacheKey hashes the token so raw credentials never sit in memory as map
// keys.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
