// Package tools exposes the fetch gateway, cache, and robots checker as named tools
// with strict JSON arguments.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webscrape/internal/cache"
	"github.com/JakeFAU/webscrape/internal/fetch"
	"github.com/JakeFAU/webscrape/internal/metrics"
	"github.com/JakeFAU/webscrape/internal/robots"
)

// CodeInvalidArguments marks a call whose arguments failed validation.
const CodeInvalidArguments = "INVALID_ARGUMENTS"

// ErrUnknownTool is returned by Call for names that are not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Fetcher retrieves pages.
type Fetcher interface {
	FetchURL(ctx context.Context, rawURL string, opts fetch.Options) (fetch.Result, error)
}

// RobotsChecker evaluates and reports on robots.txt rules.
type RobotsChecker interface {
	Check(ctx context.Context, rawURL, userAgent string) robots.Result
	Stats() robots.Stats
}

// Deps are the collaborators tools operate on.
type Deps struct {
	Gateway          Fetcher
	Cache            *cache.Cache
	Robots           RobotsChecker
	UserAgent        string
	BatchConcurrency int
	BatchDelay       time.Duration
	Logger           *zap.Logger
}

// Tool describes one callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`

	handler handlerFunc
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Content is one block of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the outcome of a tool call. Failures set IsError and carry an
// ErrorPayload as JSON text.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ErrorPayload is the structured body of a failed call.
type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Status            int    `json:"status,omitempty"`
	URL               string `json:"url,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// argumentError is a validation failure raised before any work is done.
type argumentError struct {
	msg string
}

func (e *argumentError) Error() string { return e.msg }

func invalidArgs(format string, args ...any) error {
	return &argumentError{msg: fmt.Sprintf(format, args...)}
}

// Registry dispatches tool calls by name.
type Registry struct {
	deps   Deps
	tools  map[string]*Tool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRegistry registers the built-in tools over deps.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.BatchConcurrency <= 0 {
		deps.BatchConcurrency = 1
	}
	r := &Registry{
		deps:   deps,
		tools:  make(map[string]*Tool),
		logger: deps.Logger.Named("tools"),
		tracer: otel.Tracer("github.com/JakeFAU/webscrape/internal/tools"),
	}
	r.register("fetch", "Fetch a web page, honoring robots.txt, per-host rate limits, and the content cache.", fetchSchema, r.handleFetch)
	r.register("extract", "Fetch a page and extract its title, author, readable content, and a citation.", extractSchema, r.handleExtract)
	r.register("batch_fetch", "Fetch several pages concurrently. Individual failures are reported per URL.", batchFetchSchema, r.handleBatchFetch)
	r.register("purge", "Remove cached pages whose URL matches a glob pattern; an empty pattern clears the cache.", purgeSchema, r.handlePurge)
	r.register("cache_stats", "Report content cache and robots.txt cache statistics.", emptySchema, r.handleCacheStats)
	r.register("check_robots", "Check whether robots.txt allows fetching a URL.", checkRobotsSchema, r.handleCheckRobots)
	return r
}

func (r *Registry) register(name, description, schema string, h handlerFunc) {
	r.tools[name] = &Tool{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(schema),
		handler:     h,
	}
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, *tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs the named tool. Tool failures are reported inside the Result; the
// returned error is reserved for unknown tools.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	tool, ok := r.tools[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	ctx, span := r.tracer.Start(ctx, "tools.Call", trace.WithAttributes(attribute.String("webscrape.tool", name)))
	defer span.End()

	start := time.Now()
	value, err := tool.handler(ctx, args)
	if err != nil {
		payload := errorPayload(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, payload.Code)
		metrics.ObserveToolCall(name, "error")
		r.logger.Info("tool call failed",
			zap.String("tool", name),
			zap.String("code", payload.Code),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return errorResult(payload), nil
	}

	metrics.ObserveToolCall(name, "ok")
	r.logger.Debug("tool call succeeded", zap.String("tool", name), zap.Duration("duration", time.Since(start)))
	text, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(ErrorPayload{Code: string(fetch.CodeUnknown), Message: fmt.Sprintf("encode result: %v", err)}), nil
	}
	return Result{Content: []Content{{Type: "text", Text: string(text)}}}, nil
}

// decodeArgs strictly decodes raw into dst, rejecting unknown fields and trailing data.
func decodeArgs(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidArgs("invalid arguments: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return invalidArgs("invalid arguments: trailing data after JSON object")
	}
	return nil
}

func errorPayload(err error) ErrorPayload {
	var argErr *argumentError
	if errors.As(err, &argErr) {
		return ErrorPayload{Code: CodeInvalidArguments, Message: argErr.msg}
	}
	var fe *fetch.Error
	if errors.As(err, &fe) {
		payload := ErrorPayload{
			Code:    string(fe.Code),
			Message: fe.Message,
			Status:  fe.Status,
			URL:     fe.URL,
		}
		if fe.RetryAfter > 0 {
			payload.RetryAfterSeconds = int(math.Ceil(fe.RetryAfter.Seconds()))
		}
		return payload
	}
	return ErrorPayload{Code: string(fetch.CodeUnknown), Message: err.Error()}
}

func errorResult(payload ErrorPayload) Result {
	text, err := json.Marshal(payload)
	if err != nil {
		text = []byte(fmt.Sprintf(`{"code":%q,"message":%q}`, payload.Code, payload.Message))
	}
	return Result{Content: []Content{{Type: "text", Text: string(text)}}, IsError: true}
}
