package collector

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"lbc_ingest/config"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Client performs authenticated page fetches against one site. Every
// request carries the anti-bot token cookie; every response body is
// screened for challenge markers before it is handed back.
type Client struct {
	http *http.Client
	site *config.SiteConfig
}

func NewClient(httpClient *http.Client, site *config.SiteConfig) *Client {
	return &Client{http: httpClient, site: site}
}

// FetchPage GETs one URL and returns the parsed document. A challenge
// response, whether flagged by status code or by page markers, comes
// back as *ChallengeError.
func (c *Client) FetchPage(ctx context.Context, pageURL, token string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: c.site.TokenCookie, Value: token})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	doc, parseErr := goquery.NewDocumentFromReader(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		// Blocked responses still carry the challenge page; inspect it
		// so the challenge type makes it into the notification.
		if parseErr == nil {
			if challenge := DetectChallenge(doc, c.site.ChallengeMarkers); challenge != nil {
				return nil, challenge
			}
		}
		return nil, &ChallengeError{ChallengeType: "captcha", Details: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, pageURL)}
	default:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", pageURL, resp.StatusCode)
	}

	if parseErr != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, parseErr)
	}
	if challenge := DetectChallenge(doc, c.site.ChallengeMarkers); challenge != nil {
		return nil, challenge
	}

	c.rateLimit(ctx)
	return doc, nil
}

func (c *Client) rateLimit(ctx context.Context) {
	if c.site.RateLimitMS <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(c.site.RateLimitMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func logPage(siteID, url string, count int) {
	log.Printf("[%s] collected %d listings from %s", siteID, count, url)
}
