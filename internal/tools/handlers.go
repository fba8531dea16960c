package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webscrape/internal/cache"
	"github.com/JakeFAU/webscrape/internal/extract"
	"github.com/JakeFAU/webscrape/internal/fetch"
	"github.com/JakeFAU/webscrape/internal/robots"
)

const maxBatchURLs = 20

const (
	emptySchema = `{"type":"object","properties":{},"additionalProperties":false}`

	fetchSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "description": "http or https URL to fetch"},
    "bypassRobots": {"type": "boolean", "default": false},
    "forceRefresh": {"type": "boolean", "default": false}
  },
  "required": ["url"],
  "additionalProperties": false
}`

	extractSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "format": {"type": "string", "enum": ["text", "markdown"], "default": "text"},
    "includeLinks": {"type": "boolean", "default": false},
    "bypassRobots": {"type": "boolean", "default": false},
    "forceRefresh": {"type": "boolean", "default": false}
  },
  "required": ["url"],
  "additionalProperties": false
}`

	batchFetchSchema = `{
  "type": "object",
  "properties": {
    "urls": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 20},
    "bypassRobots": {"type": "boolean", "default": false},
    "forceRefresh": {"type": "boolean", "default": false}
  },
  "required": ["urls"],
  "additionalProperties": false
}`

	purgeSchema = `{
  "type": "object",
  "properties": {
    "pattern": {"type": "string", "description": "glob matched against cached URLs, e.g. https://example.com/*"}
  },
  "additionalProperties": false
}`

	checkRobotsSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "userAgent": {"type": "string"}
  },
  "required": ["url"],
  "additionalProperties": false
}`
)

type fetchArgs struct {
	URL          string `json:"url"`
	BypassRobots bool   `json:"bypassRobots"`
	ForceRefresh bool   `json:"forceRefresh"`
}

func (a fetchArgs) options() fetch.Options {
	return fetch.Options{BypassRobots: a.BypassRobots, ForceRefresh: a.ForceRefresh}
}

func (r *Registry) handleFetch(ctx context.Context, raw json.RawMessage) (any, error) {
	var args fetchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.URL) == "" {
		return nil, invalidArgs("url is required")
	}
	return r.deps.Gateway.FetchURL(ctx, args.URL, args.options())
}

type extractArgs struct {
	URL          string `json:"url"`
	Format       string `json:"format"`
	IncludeLinks bool   `json:"includeLinks"`
	BypassRobots bool   `json:"bypassRobots"`
	ForceRefresh bool   `json:"forceRefresh"`
}

type extractOutput struct {
	URL       string `json:"url"`
	FromCache bool   `json:"fromCache"`
	extract.Result
}

func (r *Registry) handleExtract(ctx context.Context, raw json.RawMessage) (any, error) {
	var args extractArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.URL) == "" {
		return nil, invalidArgs("url is required")
	}
	format, err := extract.ParseFormat(args.Format)
	if err != nil {
		return nil, invalidArgs("%v", err)
	}

	page, err := r.deps.Gateway.FetchURL(ctx, args.URL, fetch.Options{BypassRobots: args.BypassRobots, ForceRefresh: args.ForceRefresh})
	if err != nil {
		return nil, err
	}
	extracted, err := extract.Extract(page.Content, page.URL, extract.Options{
		Format:       format,
		IncludeLinks: args.IncludeLinks,
		ContentType:  page.ContentType,
		RetrievedAt:  page.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	r.deps.Cache.UpdateMetadata(page.URL, extracted.Title, extracted.Author)
	return extractOutput{URL: page.URL, FromCache: page.FromCache, Result: extracted}, nil
}

type batchArgs struct {
	URLs         []string `json:"urls"`
	BypassRobots bool     `json:"bypassRobots"`
	ForceRefresh bool     `json:"forceRefresh"`
}

type batchItem struct {
	URL    string        `json:"url"`
	Result *fetch.Result `json:"result,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

type batchOutput struct {
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Results   []batchItem `json:"results"`
}

func (r *Registry) handleBatchFetch(ctx context.Context, raw json.RawMessage) (any, error) {
	var args batchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if len(args.URLs) == 0 {
		return nil, invalidArgs("urls must contain at least one URL")
	}
	if len(args.URLs) > maxBatchURLs {
		return nil, invalidArgs("urls may contain at most %d URLs", maxBatchURLs)
	}

	opts := fetch.Options{BypassRobots: args.BypassRobots, ForceRefresh: args.ForceRefresh}
	items := make([]batchItem, len(args.URLs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.deps.BatchConcurrency)

	for i, target := range args.URLs {
		if i > 0 && r.deps.BatchDelay > 0 {
			if err := sleepCtx(gctx, r.deps.BatchDelay); err != nil {
				break
			}
		}
		g.Go(func() error {
			items[i].URL = target
			res, err := r.deps.Gateway.FetchURL(gctx, target, opts)
			if err != nil {
				payload := errorPayload(err)
				items[i].Error = &payload
				return nil
			}
			items[i].Result = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := batchOutput{Results: items}
	for _, item := range items {
		if item.Error != nil {
			out.Failed++
		} else {
			out.Succeeded++
		}
	}
	return out, nil
}

type purgeArgs struct {
	Pattern string `json:"pattern"`
}

type purgeOutput struct {
	Removed int `json:"removed"`
}

func (r *Registry) handlePurge(_ context.Context, raw json.RawMessage) (any, error) {
	var args purgeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	removed, err := r.deps.Cache.Purge(args.Pattern)
	if err != nil {
		return nil, invalidArgs("%v", err)
	}
	return purgeOutput{Removed: removed}, nil
}

type statsOutput struct {
	Cache      cache.Stats  `json:"cache"`
	MaxEntries int          `json:"maxEntries"`
	TTLSeconds int          `json:"ttlSeconds"`
	Robots     robots.Stats `json:"robots"`
}

func (r *Registry) handleCacheStats(_ context.Context, raw json.RawMessage) (any, error) {
	if err := decodeArgs(raw, &struct{}{}); err != nil {
		return nil, err
	}
	return statsOutput{
		Cache:      r.deps.Cache.Stats(),
		MaxEntries: r.deps.Cache.MaxEntries(),
		TTLSeconds: int(r.deps.Cache.TTL() / time.Second),
		Robots:     r.deps.Robots.Stats(),
	}, nil
}

type checkRobotsArgs struct {
	URL       string `json:"url"`
	UserAgent string `json:"userAgent"`
}

func (r *Registry) handleCheckRobots(ctx context.Context, raw json.RawMessage) (any, error) {
	var args checkRobotsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.URL) == "" {
		return nil, invalidArgs("url is required")
	}
	userAgent := args.UserAgent
	if userAgent == "" {
		userAgent = r.deps.UserAgent
	}
	return r.deps.Robots.Check(ctx, args.URL, userAgent), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
