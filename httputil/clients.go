package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"lbc_ingest/config"
)

type Clients struct {
	Scraping *http.Client // proxied, talks to the target site
	Admin    *http.Client // direct, for everything else
}

// NewClients builds the two HTTP clients the subsystem uses. The
// scraping client routes through the configured proxy, downgrades to
// HTTP/1.1 (the site fingerprints h2 clients) and never follows
// redirects so challenge redirects stay visible to the caller.
func NewClients(proxyCfg *config.ProxyConfig) *Clients {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	if proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	scraping := &http.Client{
		Timeout:   20 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Clients{
		Scraping: scraping,
		Admin:    &http.Client{Timeout: 30 * time.Second},
	}
}
