package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// response is what the network layer hands back to the gateway. Body holds the
// bytes as read from the wire, before colly's charset conversion.
type response struct {
	FinalURL string
	Status   int
	Header   http.Header
	Body     []byte
}

// headerGate inspects status and headers before the body is read. A non-nil
// result aborts the transfer.
type headerGate func(status int, header http.Header) *Error

type collectorHooks interface {
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// collyClient issues single GETs through a shared base collector.
type collyClient struct {
	base        *colly.Collector
	maxBodySize int64
}

type collyConfig struct {
	UserAgent      string
	Timeout        time.Duration
	MaxContentSize int64
	Transport      http.RoundTripper
	// CheckRedirect vets each redirect hop; a returned *Error surfaces unchanged.
	CheckRedirect func(req *http.Request, via []*http.Request) error
}

func newCollyClient(cfg collyConfig) *collyClient {
	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	// One byte past the limit lets an oversized body be detected after truncation.
	c.MaxBodySize = int(cfg.MaxContentSize + 1)

	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(captureTransport{base: transport})
	c.SetRequestTimeout(cfg.Timeout)
	c.DisableCookies()
	if cfg.CheckRedirect != nil {
		c.SetRedirectHandler(cfg.CheckRedirect)
	}

	return &collyClient{base: c, maxBodySize: cfg.MaxContentSize}
}

// Get fetches target with the given headers. ctx bounds the whole exchange.
func (cc *collyClient) Get(ctx context.Context, target string, headers http.Header, gate headerGate) (response, error) {
	var (
		result   response
		gateErr  *Error
		fetchErr error
	)
	raw := &rawBody{limit: cc.maxBodySize + 1}
	collector := cc.base.Clone()
	collector.Context = context.WithValue(ctx, rawBodyKey{}, raw)
	cc.configureHooks(collector, gate, &result, &gateErr, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, target, nil, nil, headers.Clone())
	}()

	select {
	case <-ctx.Done():
		return response{}, classify(target, ctx.Err())
	case err := <-done:
		if gateErr != nil {
			gateErr.URL = target
			return response{}, gateErr
		}
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return response{}, classify(target, err)
		}
	}
	result.Body = raw.bytes()
	return result, nil
}

func (cc *collyClient) configureHooks(
	hooks collectorHooks,
	gate headerGate,
	result *response,
	gateErr **Error,
	fetchErr *error,
) {
	hooks.OnResponseHeaders(func(r *colly.Response) {
		if gate == nil {
			return
		}
		if ferr := gate(r.StatusCode, *r.Headers); ferr != nil {
			*gateErr = ferr
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = response{
			FinalURL: r.Request.URL.String(),
			Status:   r.StatusCode,
			Header:   r.Headers.Clone(),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		if *gateErr == nil {
			*fetchErr = err
		}
	})
}

type rawBodyKey struct{}

// rawBody keeps the body bytes of the latest response in one exchange, up to limit.
// Each redirect hop starts it over.
type rawBody struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int64
}

func (b *rawBody) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func (b *rawBody) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		return
	}
	if int64(len(p)) > room {
		p = p[:room]
	}
	b.buf.Write(p)
}

func (b *rawBody) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// captureTransport tees response bodies into the rawBody carried by the request
// context. colly transcodes non-UTF-8 bodies before its callbacks run, so the
// size gate and the cache read the tee instead.
type captureTransport struct {
	base http.RoundTripper
}

func (t captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if raw, ok := req.Context().Value(rawBodyKey{}).(*rawBody); ok {
		raw.reset()
		resp.Body = &teeBody{ReadCloser: resp.Body, raw: raw}
	}
	return resp, nil
}

type teeBody struct {
	io.ReadCloser
	raw *rawBody
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.raw.write(p[:n])
	}
	return n, err
}

// classify converts a transport failure into a typed gateway error.
func classify(target string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		out := *fe
		if out.URL == "" {
			out.URL = target
		}
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, URL: target, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Code: CodeTimeout, URL: target, Message: "request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeNetworkError, URL: target, Message: "request canceled", Err: err}
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &netErr) {
		return &Error{Code: CodeNetworkError, URL: target, Message: fmt.Sprintf("network error: %v", err), Err: err}
	}
	return &Error{Code: CodeUnknown, URL: target, Message: err.Error(), Err: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
