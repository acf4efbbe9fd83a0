// Package proxy is the forward HTTP proxy that feeds responses to the
// guard engine. Plain HTTP requests in absolute form are forwarded with
// httputil.ReverseProxy and their decoded bodies are replaced by whatever the
// engine returns. CONNECT requests are tunnelled blind.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/guardxp/guard"
)

// Processor is the engine side of the proxy. *guard.Guard implements it.
type Processor interface {
	Process(ctx context.Context, f *guard.Flow) guard.Result
}

// Options tunes a Proxy. Zero values take defaults.
type Options struct {
	// MaxBody is the largest body handed to the Processor. Larger bodies are
	// streamed to the client untouched. Default 16 MiB.
	MaxBody int64
	// DisableCaching rewrites Expires, Last-Modified and Cache-Control so
	// clients refetch every resource.
	DisableCaching bool
	// DialTimeout bounds upstream dials. Default 10s.
	DialTimeout time.Duration
	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
	Now       func() time.Time
}

// Proxy implements http.Handler.
type Proxy struct {
	proc   Processor
	opts   Options
	logger *slog.Logger
	dialer *net.Dialer
	rp     *httputil.ReverseProxy
}

// New creates a Proxy in front of p.
func New(p Processor, opts Options, logger *slog.Logger) *Proxy {
	if opts.MaxBody <= 0 {
		opts.MaxBody = 16 << 20
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	px := &Proxy{
		proc:   p,
		opts:   opts,
		logger: logger,
		dialer: &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second},
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext:           px.dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	px.rp = &httputil.ReverseProxy{
		Rewrite:        px.rewrite,
		Transport:      transport,
		ModifyResponse: px.modifyResponse,
		ErrorHandler:   px.errorHandler,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return px
}

func (px *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		px.tunnel(w, r)
		return
	}
	if !r.URL.IsAbs() || r.URL.Host == "" {
		http.Error(w, "guardxp: this is a proxy, send absolute-form requests", http.StatusBadRequest)
		return
	}
	px.rp.ServeHTTP(w, r)
}

type connKey struct{}

// upstream records the address of the connection a request went out on.
type upstream struct {
	mu   sync.Mutex
	addr netip.Addr
}

func (u *upstream) set(a netip.Addr) {
	u.mu.Lock()
	u.addr = a
	u.mu.Unlock()
}

func (u *upstream) get() netip.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.addr
}

func (px *Proxy) rewrite(pr *httputil.ProxyRequest) {
	// Without a client Accept-Encoding the transport asks for gzip itself
	// and decodes it, so the engine sees plain bytes.
	pr.Out.Header.Del("Accept-Encoding")
	pr.Out.Header.Del("Proxy-Authorization")
	pr.Out.Host = pr.In.URL.Host

	up := &upstream{}
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if ta, ok := info.Conn.RemoteAddr().(*net.TCPAddr); ok {
				up.set(ta.AddrPort().Addr().Unmap())
			}
		},
	}
	ctx := httptrace.WithClientTrace(pr.Out.Context(), trace)
	ctx = context.WithValue(ctx, connKey{}, up)
	pr.Out = pr.Out.WithContext(ctx)
}

func (px *Proxy) modifyResponse(resp *http.Response) error {
	req := resp.Request
	if px.opts.DisableCaching {
		disableCaching(resp.Header, px.opts.Now())
	}
	if !hasBody(req.Method, resp.StatusCode) {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, px.opts.MaxBody+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > px.opts.MaxBody {
		px.logger.Debug("proxy: body over max_body, not inspected", "url", req.URL.String(), "max_body", px.opts.MaxBody)
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil
	}
	resp.Body.Close()

	flow := &guard.Flow{
		URL:        req.URL.String(),
		Header:     req.Header,
		Body:       body,
		ClientAddr: req.RemoteAddr,
	}
	if up, ok := req.Context().Value(connKey{}).(*upstream); ok {
		flow.ServerAddr = up.get()
	}
	res := px.proc.Process(req.Context(), flow)

	resp.Body = io.NopCloser(bytes.NewReader(res.Body))
	resp.ContentLength = int64(len(res.Body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(res.Body)))
	resp.TransferEncoding = nil
	return nil
}

func (px *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	px.logger.Warn("proxy: upstream error", "url", r.URL.String(), "error", err)
	w.WriteHeader(http.StatusBadGateway)
}

// tunnel splices the client connection to r.Host without inspection.
func (px *Proxy) tunnel(w http.ResponseWriter, r *http.Request) {
	dst, err := px.dialer.DialContext(r.Context(), "tcp", r.Host)
	if err != nil {
		px.logger.Warn("proxy: connect dial failed", "host", r.Host, "error", err)
		http.Error(w, "guardxp: "+err.Error(), http.StatusBadGateway)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		dst.Close()
		http.Error(w, "guardxp: hijacking not supported", http.StatusInternalServerError)
		return
	}
	src, rw, err := hj.Hijack()
	if err != nil {
		dst.Close()
		px.logger.Warn("proxy: hijack failed", "error", err)
		return
	}
	defer src.Close()
	defer dst.Close()

	if _, err := src.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	var g errgroup.Group
	g.Go(func() error { return splice(dst, rw.Reader) })
	g.Go(func() error { return splice(src, dst) })
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		px.logger.Debug("proxy: tunnel closed", "host", r.Host, "error", err)
	}
}

type closeWriter interface{ CloseWrite() error }

// splice copies until EOF and then half-closes dst.
func splice(dst net.Conn, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
	return err
}

type readCloser struct {
	io.Reader
	io.Closer
}

func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status < 200, status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// disableCaching marks the response as already expired and uncacheable.
func disableCaching(h http.Header, now time.Time) {
	h.Set("Expires", "Fri, 01 Jan 1990 00:00:00 GMT")
	h.Set("Last-Modified", now.UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "max-age=0, no-cache, no-store, must-revalidate, proxy-revalidate")
}
