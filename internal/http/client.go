// Package http builds the transport used for cloud API calls and owns the
// retry executor that every guarded call runs through.
package http

import (
	"context"
	"crypto/tls"
	nethttp "net/http"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"

	"github.com/hearthlink/hearthlink/internal/config"
	"github.com/hearthlink/hearthlink/internal/logging"
)

// retryLogger implements the retryablehttp.LeveledLogger interface on top of
// the zerolog wrapper. Info and Debug stay at debug level.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

// CreateOptimizedClient creates the HTTP client for cloud API calls with proxy support.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Small keep-alive pool; the API serves short JSON bodies to one host
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - HTTP/2 disabled through proxies unless FORCE_HTTP2=true
//
// If cfg is nil, proxy settings are read from environment variables
// (HTTP_PROXY, HTTPS_PROXY, NO_PROXY).
func CreateOptimizedClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	var baseClient *nethttp.Client
	if cfg != nil {
		var err error
		baseClient, err = ConfigureHTTPClient(cfg, logger)
		if err != nil {
			return nil, err
		}
	} else {
		baseClient = &nethttp.Client{Transport: &nethttp.Transport{Proxy: nethttp.ProxyFromEnvironment}}
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM wraps the transport in a negotiator; leave it as configured.
		return baseClient, nil
	}

	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	disable := os.Getenv("DISABLE_HTTP2") == "true"
	if cfg != nil && proxyActive(cfg) && os.Getenv("FORCE_HTTP2") != "true" {
		disable = true
	}
	if disable {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	baseClient.Timeout = 0
	return baseClient, nil
}

// NewAPIClient wraps the optimized client with go-retryablehttp for its
// logging hooks and error passthrough. Transport-level retries are disabled:
// the caller's retry policy owns every re-attempt.
func NewAPIClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	httpClient, err := CreateOptimizedClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = 0
	retryClient.CheckRetry = func(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
		return false, ctx.Err()
	}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &retryLogger{log: logger}
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *nethttp.Request, attempt int) {
		logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("upstream request")
	}
	retryClient.ResponseLogHook = func(_ retryablehttp.Logger, resp *nethttp.Response) {
		logger.Debug().Str("path", resp.Request.URL.Path).Int("status", resp.StatusCode).Msg("upstream response")
	}
	return retryClient.StandardClient(), nil
}
