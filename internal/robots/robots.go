// Package robots decides whether catalog pages may be fetched under the
// catalog's robots.txt. The file is read through the same fetch backend as
// the pages it guards, so behind the proxy it costs one proxied call per TTL.
package robots

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"shelfsync/internal/config"
	"shelfsync/internal/fetcher"
	"shelfsync/pkg/types"
)

const defaultTTL = 30 * time.Minute

// Agent guards one catalog. It satisfies crawler.Guard.
type Agent struct {
	fetch     fetcher.Fetcher
	origin    url.URL
	userAgent string
	ttl       time.Duration
	respect   bool
	// exempt is set when the catalog host is listed in robots.overrides.
	exempt bool
	now    func() time.Time

	loads   singleflight.Group
	mu      sync.RWMutex
	rules   *robotstxt.RobotsData
	fetched time.Time
}

// NewAgent builds an Agent for the catalog rooted at catalogBase.
func NewAgent(cfg config.RobotsConfig, catalogBase string, fetch fetcher.Fetcher) (*Agent, error) {
	base, err := url.Parse(strings.TrimSpace(catalogBase))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("robots: catalog url %q is not absolute", catalogBase)
	}
	if fetch == nil {
		return nil, errors.New("robots: fetcher is required")
	}

	host := strings.ToLower(base.Hostname())
	exempt := false
	for _, o := range cfg.Overrides {
		if strings.ToLower(strings.TrimSpace(o)) == host {
			exempt = true
		}
	}

	return &Agent{
		fetch:     fetch,
		origin:    url.URL{Scheme: strings.ToLower(base.Scheme), Host: strings.ToLower(base.Host)},
		userAgent: cfg.UserAgent,
		ttl:       cfg.CacheTTL.Or(defaultTTL),
		respect:   cfg.Respect,
		exempt:    exempt,
		now:       time.Now,
	}, nil
}

// Allowed reports whether target may be fetched. Targets outside the catalog
// are refused. Rules are matched against path and query, since shelf pages
// differ only by query.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() || !a.inCatalog(target) {
		return false
	}
	if !a.respect || a.exempt {
		return true
	}

	rules, err := a.load(ctx)
	if err != nil {
		// Unreachable or broken robots.txt allows the fetch.
		return true
	}
	return rules.TestAgent(target.RequestURI(), a.userAgent)
}

func (a *Agent) inCatalog(target *url.URL) bool {
	return strings.EqualFold(target.Scheme, a.origin.Scheme) && strings.EqualFold(target.Host, a.origin.Host)
}

// load returns cached rules or fetches them once for all concurrent callers.
func (a *Agent) load(ctx context.Context) (*robotstxt.RobotsData, error) {
	a.mu.RLock()
	rules, fetched := a.rules, a.fetched
	a.mu.RUnlock()
	if rules != nil && a.now().Sub(fetched) < a.ttl {
		return rules, nil
	}

	v, err, _ := a.loads.Do(a.origin.Host, func() (any, error) {
		return a.fetchRules(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}

func (a *Agent) fetchRules(ctx context.Context) (*robotstxt.RobotsData, error) {
	target := a.origin
	target.Path = "/robots.txt"
	req := types.FetchRequest{URL: &target}
	if a.userAgent != "" {
		req.Headers = map[string]string{"User-Agent": a.userAgent}
	}
	page, err := a.fetch.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	// 5xx is transient: not cached, and the caller allows the fetch.
	if page.StatusCode >= 500 {
		return nil, &fetcher.StatusError{StatusCode: page.StatusCode}
	}
	rules, err := robotstxt.FromStatusAndBytes(page.StatusCode, page.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.mu.Lock()
	a.rules, a.fetched = rules, a.now()
	a.mu.Unlock()
	return rules, nil
}

// Purge drops the cached rules so the next check refetches them.
func (a *Agent) Purge() {
	a.mu.Lock()
	a.rules = nil
	a.mu.Unlock()
}
