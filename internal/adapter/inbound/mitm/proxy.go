package mitm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	dialTimeout     = 10 * time.Second
	upstreamTimeout = 120 * time.Second
)

// ProxyConfig configures the interception proxy server.
type ProxyConfig struct {
	// Addr is the listen address, e.g. "0.0.0.0:8443".
	Addr string
	// TargetDomains are the hosts whose TLS is intercepted. CONNECTs to
	// anything else become transparent tunnels.
	TargetDomains []string
	// CertCache mints leaf certificates for intercepted domains.
	CertCache *CertCache
	// Pipeline processes intercepted requests and responses.
	Pipeline *Pipeline
	// Logger for proxy events.
	Logger *slog.Logger
}

// Proxy is the explicit HTTP proxy the session containers are pointed at
// via http_proxy/https_proxy. CONNECTs to an AI API domain are terminated
// with a leaf certificate from the interception CA; the decrypted requests
// run through the pipeline and are re-dispatched upstream over real TLS.
// Everything else relays untouched.
type Proxy struct {
	cfg      ProxyConfig
	targets  map[string]bool
	upstream *http.Client
	logger   *slog.Logger

	server *http.Server
}

// NewProxy creates the interception proxy.
func NewProxy(cfg ProxyConfig) *Proxy {
	targets := make(map[string]bool, len(cfg.TargetDomains))
	for _, d := range cfg.TargetDomains {
		targets[d] = true
	}
	return &Proxy{
		cfg:     cfg,
		targets: targets,
		upstream: &http.Client{
			Timeout: upstreamTimeout,
			// The proxy speaks for the client; upstream redirects go back
			// to the agent verbatim.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: cfg.Logger,
	}
}

// ListenAndServe blocks serving proxy traffic until Shutdown.
func (p *Proxy) ListenAndServe() error {
	p.server = &http.Server{
		Addr:              p.cfg.Addr,
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.logger.Info("interception proxy listening", "addr", p.cfg.Addr, "targets", len(p.targets))
	err := p.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the proxy server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// ServeHTTP dispatches CONNECTs to the tunnel/intercept path and plain
// proxied requests to the forward path.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.forwardPlain(w, r)
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	domain := hostOnly(r.Host)
	srcIP := hostOnly(r.RemoteAddr)

	if !p.targets[domain] {
		p.tunnel(w, r)
		return
	}
	p.intercept(w, r, domain, srcIP)
}

// tunnel relays a CONNECT as a raw TCP splice, no inspection.
func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	targetConn, err := net.DialTimeout("tcp", r.Host, dialTimeout)
	if err != nil {
		p.logger.Warn("tunnel dial failed", "host", r.Host, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Warn("hijack failed", "error", err)
		targetConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		targetConn.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	splice := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}
	go splice(targetConn, clientConn)
	go splice(clientConn, targetConn)
	wg.Wait()

	clientConn.Close()
	targetConn.Close()
}

// intercept terminates the client's TLS with a minted leaf cert and serves
// the decrypted requests through the pipeline.
func (p *Proxy) intercept(w http.ResponseWriter, r *http.Request, domain, srcIP string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Warn("hijack failed", "domain", domain, "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		return
	}

	leaf, err := p.cfg.CertCache.GetCert(domain)
	if err != nil {
		p.logger.Error("leaf certificate unavailable", "domain", domain, "error", err)
		clientConn.Close()
		return
	}

	tlsConn := newServerTLS(clientConn, leaf)
	if err := tlsConn.Handshake(); err != nil {
		p.logger.Debug("client handshake failed", "domain", domain, "error", err)
		tlsConn.Close()
		return
	}
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	for {
		inner, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("inner request read failed", "domain", domain, "error", err)
			}
			return
		}

		if err := p.serveIntercepted(tlsConn, inner, r.Host, domain, srcIP); err != nil {
			p.logger.Debug("intercepted exchange failed", "domain", domain, "error", err)
			return
		}
		inner.Body.Close()

		if inner.Close {
			return
		}
	}
}

// serveIntercepted runs one decrypted request through the pipeline, replays
// it against the real upstream, records the response, and writes it back.
func (p *Proxy) serveIntercepted(clientConn net.Conn, inner *http.Request, hostPort, domain, srcIP string) error {
	rawBody, err := io.ReadAll(inner.Body)
	if err != nil {
		return fmt.Errorf("read intercepted body: %w", err)
	}

	outBody := rawBody
	if inner.Method == http.MethodPost && p.cfg.Pipeline != nil {
		outcome := p.cfg.Pipeline.ProcessRequest(srcIP, domain, inner.URL.Path, inner.Method, inner.Header, rawBody)
		outBody = outcome.Body
	}

	url := "https://" + hostPort + inner.URL.RequestURI()
	upReq, err := http.NewRequest(inner.Method, url, bytes.NewReader(outBody))
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	upReq.Header = inner.Header.Clone()
	upReq.Header.Del("Proxy-Connection")
	upReq.ContentLength = int64(len(outBody))

	resp, err := p.upstream.Do(upReq)
	if err != nil {
		writeProxyError(clientConn, http.StatusBadGateway, "upstream unreachable")
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeProxyError(clientConn, http.StatusBadGateway, "upstream read failed")
		return fmt.Errorf("read upstream response: %w", err)
	}

	if inner.Method == http.MethodPost && p.cfg.Pipeline != nil {
		p.cfg.Pipeline.ProcessResponse(srcIP, domain, resp.StatusCode, respBody)
	}

	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(respBody)))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", resp.StatusCode, statusText(resp.StatusCode))
	for key, values := range resp.Header {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, v)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(respBody)

	if _, err := clientConn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// forwardPlain proxies an absolute-URI HTTP request. Plain-HTTP traffic to
// a target domain still runs through the pipeline.
func (p *Proxy) forwardPlain(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute URI", http.StatusBadRequest)
		return
	}

	srcIP := hostOnly(r.RemoteAddr)
	domain := hostOnly(r.URL.Host)

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	outBody := rawBody
	intercepted := p.targets[domain] && r.Method == http.MethodPost && p.cfg.Pipeline != nil
	if intercepted {
		outcome := p.cfg.Pipeline.ProcessRequest(srcIP, domain, r.URL.Path, r.Method, r.Header, rawBody)
		outBody = outcome.Body
	}

	upReq, err := http.NewRequest(r.Method, r.URL.String(), bytes.NewReader(outBody))
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	upReq.Header = r.Header.Clone()
	upReq.Header.Del("Proxy-Connection")
	upReq.ContentLength = int64(len(outBody))

	resp, err := p.upstream.Do(upReq)
	if err != nil {
		p.logger.Warn("plain forward failed", "url", r.URL.String(), "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if intercepted {
		p.cfg.Pipeline.ProcessResponse(srcIP, domain, resp.StatusCode, respBody)
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func writeProxyError(conn net.Conn, code int, msg string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, statusText(code), len(msg), msg)
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}

func newServerTLS(conn net.Conn, leaf *tls.Certificate) *tls.Conn {
	return tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
}

func hostOnly(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return host
}
