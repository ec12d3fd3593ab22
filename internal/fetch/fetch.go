// Package fetch executes broker-initiated HTTP fetches against resources the
// agent's rules allow and replies with the upstream response.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/koltyakov/connector/internal/dispatch"
	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/netutil"
	"github.com/koltyakov/connector/internal/rules"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

// Request headers understood by the agent itself. They are never forwarded.
const (
	MethodHeader = "x-sdc-http-method"
	CookieHeader = "x-sdc-agent-cookie"
	DebugHeader  = "x-sdc-agent-request-report-exception-stacktrace"
)

const (
	DefaultWorkers          = 16
	DefaultTimeout          = 60 * time.Second
	DefaultMaxResponseBytes = 900 << 10
)

var (
	errUnknownMethod   = errors.New("unknown method")
	errNotAllowed      = errors.New("resource not allowed by any rule")
	errResponseTooBig  = errors.New("response body too large")
	errRedirectBlocked = errors.New("redirect target not allowed by any rule")
)

// Sender queues a frame on the tunnel.
type Sender interface {
	Send(f *tunnelproto.Frame) error
}

// Sealer seals and opens session-scoped frames.
type Sealer interface {
	Wrap(t tunnelproto.Type, sessionID string, msg any) (*tunnelproto.Frame, error)
	Unwrap(f *tunnelproto.Frame, expected string, out any) (bool, error)
}

// Doer performs an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options wires a [Handler].
type Options struct {
	SessionID string
	Sealer    Sealer
	Sender    Sender
	// Client defaults to an *http.Client that only follows redirects to
	// allowed resources.
	Client           Doer
	Workers          int
	Timeout          time.Duration
	MaxResponseBytes int64
	Logger           *slog.Logger
}

// Handler serves FETCH_REQUEST frames. Fetches run on their own goroutines,
// at most Workers at a time.
type Handler struct {
	opts Options
	log  *slog.Logger
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	rules atomic.Pointer[rules.Set]
}

// New returns a handler that rejects every request until [Handler.SetRules]
// installs a rule set.
func New(opts Options) *Handler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	h := &Handler{
		opts: opts,
		log:  ilog.Component(opts.Logger, "fetch"),
		sem:  semaphore.NewWeighted(int64(opts.Workers)),
	}
	if h.opts.Client == nil {
		h.opts.Client = &http.Client{CheckRedirect: h.checkRedirect}
	}
	return h
}

// SetRules replaces the rule set requests are checked against.
func (h *Handler) SetRules(set rules.Set) {
	h.rules.Store(&set)
}

// Wait blocks until in-flight fetches finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Dispatch validates the request synchronously and runs the fetch in the
// background.
func (h *Handler) Dispatch(ctx context.Context, f *tunnelproto.Frame) error {
	var req tunnelproto.FetchRequest
	ok, err := h.opts.Sealer.Unwrap(f, h.opts.SessionID, &req)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if strings.TrimSpace(req.ID) == "" {
		return dispatch.Framing(f.Type, errors.New("fetch request without id"))
	}

	target, err := h.target(req.Resource)
	if err != nil {
		h.log.Warn("bad fetch request", "id", req.ID, "resource", req.Resource, "err", err)
		h.reply(&tunnelproto.FetchReply{ID: req.ID, Status: tunnelproto.FetchBadRequest, Error: err.Error()})
		return nil
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer h.sem.Release(1)
		h.reply(h.run(ctx, &req, target))
	}()
	return nil
}

func (h *Handler) target(resource string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(resource))
	if err != nil {
		return nil, fmt.Errorf("malformed resource url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("resource %q is not an absolute url", resource)
	}
	if !h.allowed(u) {
		return nil, errNotAllowed
	}
	return u, nil
}

func (h *Handler) allowed(u *url.URL) bool {
	set := h.rules.Load()
	if set == nil {
		return false
	}
	_, ok := set.MatchURL(u)
	return ok
}

func (h *Handler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if !h.allowed(req.URL) {
		return errRedirectBlocked
	}
	return nil
}

// run performs one fetch and never returns nil.
func (h *Handler) run(ctx context.Context, req *tunnelproto.FetchRequest, target *url.URL) (reply *tunnelproto.FetchReply) {
	started := time.Now()
	reply = &tunnelproto.FetchReply{ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			reply = &tunnelproto.FetchReply{ID: req.ID, Status: tunnelproto.FetchAgentError, Error: fmt.Sprint(r)}
		}
		reply.LatencyMs = time.Since(started).Milliseconds()
		h.log.Info("fetch done",
			"id", req.ID,
			"resource", target.Redacted(),
			"status", reply.Status,
			"http_status", reply.HTTPStatus,
			"latency_ms", reply.LatencyMs,
		)
	}()

	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	httpReq, err := buildRequest(ctx, req, target)
	if err != nil {
		reply.Status, reply.Error = tunnelproto.FetchStrategyException, err.Error()
		return reply
	}
	resp, err := h.opts.Client.Do(httpReq)
	if err != nil {
		reply.Status, reply.Error = tunnelproto.FetchStrategyException, err.Error()
		return reply
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, h.opts.MaxResponseBytes+1)); err != nil {
		reply.Status, reply.Error = tunnelproto.FetchIOException, err.Error()
		return reply
	}
	if int64(buf.Len()) > h.opts.MaxResponseBytes {
		reply.Status, reply.Error = tunnelproto.FetchIOException, errResponseTooBig.Error()
		return reply
	}

	reply.Status = tunnelproto.FetchOK
	reply.HTTPStatus = resp.StatusCode
	reply.Headers = flattenHeaders(resp.Header)
	if buf.Len() > 0 {
		reply.Contents = buf.Bytes()
	}
	return reply
}

func (h *Handler) reply(r *tunnelproto.FetchReply) {
	f, err := h.opts.Sealer.Wrap(tunnelproto.TypeFetchReply, h.opts.SessionID, r)
	if err != nil {
		h.log.Error("seal fetch reply", "id", r.ID, "err", err)
		return
	}
	if err := h.opts.Sender.Send(f); err != nil {
		h.log.Warn("send fetch reply", "id", r.ID, "err", err)
	}
}

func buildRequest(ctx context.Context, req *tunnelproto.FetchRequest, target *url.URL) (*http.Request, error) {
	method := http.MethodGet
	header := http.Header{}
	host := ""
	for _, h := range req.Headers {
		switch {
		case strings.EqualFold(h.Key, MethodHeader):
			method = strings.ToUpper(strings.TrimSpace(h.Value))
		case strings.EqualFold(h.Key, CookieHeader), strings.EqualFold(h.Key, DebugHeader):
		case strings.EqualFold(h.Key, "Host"):
			host = strings.TrimSpace(h.Value)
		default:
			header.Add(h.Key, h.Value)
		}
	}

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
	case http.MethodPost, http.MethodPut:
		if len(req.Contents) > 0 {
			body = bytes.NewReader(req.Contents)
		}
	default:
		return nil, fmt.Errorf("%w %q", errUnknownMethod, method)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	netutil.RemoveHopByHopHeaders(header)
	httpReq.Header = header
	if host != "" {
		httpReq.Host = host
	}
	httpReq.Close = true
	return httpReq, nil
}

func flattenHeaders(h http.Header) []tunnelproto.Header {
	h = h.Clone()
	netutil.RemoveHopByHopHeaders(h)
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]tunnelproto.Header, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, tunnelproto.Header{Key: k, Value: v})
		}
	}
	return out
}
