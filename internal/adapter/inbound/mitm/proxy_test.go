package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/domain/intel"
)

// testProxy wires a full proxy with a fresh forensics dir. The loopback
// address stands in for an AI API domain when target is true.
func testProxy(t *testing.T, target bool) (*Proxy, *httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()

	sessions := forensics.NewProxyMap(dir)
	if err := sessions.Register("127.0.0.1", "LAB-2026-0824-007"); err != nil {
		t.Fatal(err)
	}
	pipeline := NewPipeline(
		forensics.NewModeFile(dir),
		sessions,
		forensics.NewPromptCapture(dir),
		intel.NewStore(dir),
		forensics.NewEventLog(dir, nil, testLogger()),
		testLogger(),
	)

	cm, err := NewCAManager(testCAConfig(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var targets []string
	if target {
		targets = []string{"127.0.0.1"}
	}
	p := NewProxy(ProxyConfig{
		Addr:          "127.0.0.1:0",
		TargetDomains: targets,
		CertCache:     NewCertCache(cm, time.Hour, testLogger()),
		Pipeline:      pipeline,
		Logger:        testLogger(),
	})

	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return p, srv, dir
}

func proxiedClient(t *testing.T, proxyURL string, rootCAs *x509.CertPool) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(u),
			TLSClientConfig: &tls.Config{RootCAs: rootCAs},
		},
	}
}

func TestProxy_PlainForwardIntercepted(t *testing.T) {
	t.Parallel()

	var upstreamBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		upstreamBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"finish_reason":"stop","message":{"content":"ok"}}],"model":"gpt-4o"}`))
	}))
	defer upstream.Close()

	_, proxySrv, dir := testProxy(t, true)
	client := proxiedClient(t, proxySrv.URL, nil)

	resp, err := client.Post(upstream.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"finish_reason":"stop"`) {
		t.Errorf("client body = %s", body)
	}

	if !strings.Contains(upstreamBody, `"model":"gpt-4o"`) {
		t.Errorf("upstream body = %s", upstreamBody)
	}

	log := forensics.NewEventLog(dir, nil, testLogger())
	events, err := log.ReadSession("LAB-2026-0824-007")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want intercept + response", len(events))
	}
	if events[0].Event != forensics.EventAPIIntercepted || events[1].Event != forensics.EventAPIResponse {
		t.Errorf("event order = %s, %s", events[0].Event, events[1].Event)
	}
}

func TestProxy_PlainForwardNonTargetNotIntercepted(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain"))
	}))
	defer upstream.Close()

	_, proxySrv, dir := testProxy(t, false)
	client := proxiedClient(t, proxySrv.URL, nil)

	resp, err := client.Post(upstream.URL+"/anything", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	log := forensics.NewEventLog(dir, nil, testLogger())
	if _, err := log.ReadSession("LAB-2026-0824-007"); err == nil {
		t.Error("non-target traffic must not produce forensic events")
	}
}

func TestProxy_ConnectTunnelForNonTarget(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("through the tunnel"))
	}))
	defer upstream.Close()

	_, proxySrv, _ := testProxy(t, false)

	pool := x509.NewCertPool()
	pool.AddCert(upstream.Certificate())
	client := proxiedClient(t, proxySrv.URL, pool)

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "through the tunnel" {
		t.Errorf("body = %s", body)
	}
}

func TestProxy_ConnectInterceptTerminatesTLS(t *testing.T) {
	t.Parallel()

	var upstreamBody string
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		upstreamBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"gpt-4o","choices":[{"finish_reason":"stop","message":{"content":"done"}}]}`))
	}))
	defer upstream.Close()

	p, proxySrv, dir := testProxy(t, true)
	// The proxy's upstream client must trust the test server the way the
	// real proxy trusts the public AI APIs.
	p.upstream = upstream.Client()

	// The agent trusts the interception CA, as a provisioned container would.
	caPool := x509.NewCertPool()
	block := p.cfg.CertCache.ca.CACertPEM()
	if !caPool.AppendCertsFromPEM(block) {
		t.Fatal("bad CA PEM")
	}
	client := proxiedClient(t, proxySrv.URL, caPool)

	resp, err := client.Post(upstream.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"finish_reason":"stop"`) {
		t.Errorf("client body = %s", body)
	}
	if !strings.Contains(upstreamBody, `"model":"gpt-4o"`) {
		t.Errorf("upstream body = %s", upstreamBody)
	}

	log := forensics.NewEventLog(dir, nil, testLogger())
	events, err := log.ReadSession("LAB-2026-0824-007")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want intercept + response", len(events))
	}
}

func TestProxy_RejectsRelativeURI(t *testing.T) {
	t.Parallel()

	_, proxySrv, _ := testProxy(t, false)

	resp, err := http.Get(proxySrv.URL + "/not-a-proxy-request")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
