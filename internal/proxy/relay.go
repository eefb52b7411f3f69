// Package proxy implements the HTTP relay that forwards matched requests
// to a rule's upstream target.
package proxy

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/rules"
)

// Relay executes upstream HTTP requests for matched rules.
type Relay struct {
	transport         http.RoundTripper
	insecureTransport http.RoundTripper
}

// Config holds relay configuration.
type Config struct {
	Transport http.RoundTripper
}

// New creates a relay. The insecure transport (certificate validation
// disabled) backs rules whose secure flag is off.
func New(cfg Config) *Relay {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Relay{
		transport: transport,
		insecureTransport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// Hop-by-hop headers removed from forwarded requests.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Response headers never copied back to the client.
var strippedResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// Serve forwards the request to the rule's target with the rewritten path
// and writes the upstream response. The result of path rewriting is
// supplied by the caller so HTTP and WebSocket dispatch share it.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, rule *rules.CompiledRule, rewrittenPath string) int {
	target := rule.TargetURL()
	target.Path = rewrittenPath
	target.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(r.Context())

	proxyReq.Header = make(http.Header, len(r.Header)+2)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	removeHopHeaders(proxyReq.Header)

	if rule.ChangeOrigin {
		proxyReq.Host = target.Host
		proxyReq.Header.Set("Host", target.Host)
		proxyReq.Header.Set("Origin", target.Scheme+"://"+target.Host)
	} else {
		proxyReq.Host = r.Host
	}

	for name, value := range rule.Headers {
		proxyReq.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := rl.transportFor(rule).RoundTrip(proxyReq)
	if err != nil {
		logging.Debug("upstream transport error",
			zap.String("rule", rule.ID),
			zap.String("target", target.String()),
			zap.Error(err),
		)
		writeProxyError(w, err)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	logging.Debug("relayed request",
		zap.String("rule", rule.ID),
		zap.String("path", rewrittenPath),
		zap.Int("status", resp.StatusCode),
		zap.Duration("upstream_time", time.Since(start)),
	)

	// HTML bodies may need post-processing, which requires buffering
	if needsHTMLRewrite(rule, resp) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			writeProxyError(w, err)
			return http.StatusBadGateway
		}
		if rule.RelativePaths {
			body = RewriteRelativePaths(body)
		}
		if rule.Base != "" {
			body = InjectBase(body, rule.Base)
		}

		copyResponseHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		return resp.StatusCode
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	return resp.StatusCode
}

// transportFor picks the transport honoring the rule's certificate
// validation hint.
func (rl *Relay) transportFor(rule *rules.CompiledRule) http.RoundTripper {
	if rule.TargetURL().Scheme == "https" && !rule.Secure {
		return rl.insecureTransport
	}
	return rl.transport
}

func needsHTMLRewrite(rule *rules.CompiledRule, resp *http.Response) bool {
	if rule.Base == "" && !rule.RelativePaths {
		return false
	}
	return strings.Contains(resp.Header.Get("Content-Type"), "text/html")
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	for _, h := range strippedResponseHeaders {
		dst.Del(h)
	}
}

func writeProxyError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "Proxy error: " + err.Error(),
	})
}
