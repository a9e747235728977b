package collector

import (
	"sort"
	"strings"
	"sync"

	"github.com/socialpulse/pulse/engine/config"
	"github.com/socialpulse/pulse/engine/domain"
)

// Factory builds the collector for one platform.
type Factory func(cfg config.Collectors, opts Options) Collector

// factories maps each platform to its collector. Adding a platform means
// adding a variant and one entry here.
var factories = map[domain.Platform]Factory{
	domain.PlatformX: func(c config.Collectors, o Options) Collector {
		return NewX(c.X.BaseURL, c.X.BearerToken, o)
	},
	domain.PlatformFacebook: func(c config.Collectors, o Options) Collector {
		base := strings.TrimRight(c.Facebook.BaseURL, "/")
		if c.Facebook.APIVersion != "" {
			base += "/" + c.Facebook.APIVersion
		}
		return NewFacebook(base, c.Facebook.AccessToken, o)
	},
	domain.PlatformYouTube: func(c config.Collectors, o Options) Collector {
		return NewYouTube(c.YouTube.BaseURL, c.YouTube.APIKey, o)
	},
	domain.PlatformGoogleNews: func(c config.Collectors, o Options) Collector {
		return NewGoogleNews(c.GoogleNews.BaseURL, c.GoogleNews.Language, c.GoogleNews.Region, o)
	},
}

// Registry holds one collector per platform.
type Registry struct {
	mu         sync.RWMutex
	collectors map[domain.Platform]Collector
}

// NewRegistry builds a collector for every known platform. Each collector
// gets its own rate limiter; base carries the shared HTTP client and logger.
func NewRegistry(cfg config.Collectors, base Options) *Registry {
	r := &Registry{collectors: make(map[domain.Platform]Collector, len(factories))}
	for p, factory := range factories {
		o := OptionsFrom(cfg)
		o.HTTPClient = base.HTTPClient
		o.Logger = base.Logger
		r.collectors[p] = factory(cfg, o)
	}
	return r
}

// Register adds or replaces the collector for c.Platform().
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.collectors == nil {
		r.collectors = make(map[domain.Platform]Collector)
	}
	r.collectors[c.Platform()] = c
}

func (r *Registry) Get(p domain.Platform) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[p]
	return c, ok
}

// Platforms lists registered platforms in a stable order.
func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Platform, 0, len(r.collectors))
	for p := range r.collectors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
