// Package token captures and stores the anti-bot session token the
// target site requires. Capture drives a real browser session, which is
// why it is a manual administrative action; the pipeline only consumes
// the persisted value.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/playwright-community/playwright-go"
	"lbc_ingest/config"
	"lbc_ingest/settings"
	"lbc_ingest/storage"
)

// ErrTokenNotFound is returned when the site never set the token
// cookie, even after a second navigation attempt.
var ErrTokenNotFound = errors.New("anti-bot token cookie not found in browser session")

const navigationTimeoutMS = 60000

type Manager struct {
	settings storage.SettingStore
	site     *config.SiteConfig
	browser  config.BrowserConfig
}

func NewManager(settingStore storage.SettingStore, site *config.SiteConfig, browser config.BrowserConfig) *Manager {
	return &Manager{
		settings: settingStore,
		site:     site,
		browser:  browser,
	}
}

// Capture opens a browser session against the target site, extracts the
// token cookie and persists it into the settings store. When the cookie
// is missing after the first navigation it tries the search page once
// before giving up.
func (m *Manager) Capture(ctx context.Context) (string, error) {
	pw, err := playwright.Run()
	if err != nil {
		return "", fmt.Errorf("start playwright: %w", err)
	}
	defer pw.Stop()

	browserCtx, err := pw.Chromium.LaunchPersistentContext(m.browser.UserDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(m.browser.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}
	defer browserCtx.Close()

	page, err := browserCtx.NewPage()
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}

	log.Printf("Token capture: navigating to %s", m.site.BaseURL)
	if _, err := page.Goto(m.site.BaseURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(navigationTimeoutMS),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		log.Printf("Navigation error (continuing): %v", err)
	}
	page.WaitForTimeout(3000)

	value := m.cookieValue(browserCtx)
	if value == "" {
		// The cookie is sometimes only set on a deeper page.
		searchURL := strings.TrimRight(m.site.BaseURL, "/") + m.site.SearchPath
		log.Printf("Token cookie missing, retrying via %s", searchURL)
		if _, err := page.Goto(searchURL, playwright.PageGotoOptions{
			Timeout:   playwright.Float(navigationTimeoutMS),
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		}); err != nil {
			log.Printf("Navigation error (continuing): %v", err)
		}
		page.WaitForTimeout(3000)
		value = m.cookieValue(browserCtx)
	}

	if value == "" {
		return "", ErrTokenNotFound
	}

	if err := m.settings.SetSetting(ctx, settings.KeyAntiBotToken, &value); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}

	log.Printf("Captured %s token (%d chars)", m.site.TokenCookie, len(value))
	return value, nil
}

// Current returns the persisted token, or "" when none was captured.
func (m *Manager) Current(ctx context.Context) (string, error) {
	setting, err := m.settings.GetSetting(ctx, settings.KeyAntiBotToken)
	if err != nil {
		return "", err
	}
	if setting == nil || setting.Value == nil {
		return "", nil
	}
	return *setting.Value, nil
}

func (m *Manager) cookieValue(browserCtx playwright.BrowserContext) string {
	cookies, err := browserCtx.Cookies()
	if err != nil {
		log.Printf("Warning: could not read cookies: %v", err)
		return ""
	}
	for _, cookie := range cookies {
		if cookie.Name == m.site.TokenCookie {
			return cookie.Value
		}
	}
	return ""
}
