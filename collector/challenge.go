package collector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DetectChallenge inspects a parsed page for the site's challenge
// markers. Markers are matched against script sources, iframe sources
// and the page title; a hit means the response is a challenge
// interstitial, not content.
func DetectChallenge(doc *goquery.Document, markers []string) *ChallengeError {
	if doc == nil || len(markers) == 0 {
		return nil
	}

	var hit string
	doc.Find("script[src], iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		for _, marker := range markers {
			if strings.Contains(src, marker) {
				hit = marker
				return false
			}
		}
		return true
	})

	if hit == "" {
		title := strings.ToLower(doc.Find("title").Text())
		inline := strings.ToLower(doc.Find("script").Text())
		for _, marker := range markers {
			m := strings.ToLower(marker)
			if strings.Contains(title, m) || strings.Contains(inline, m) {
				hit = marker
				break
			}
		}
	}

	if hit == "" {
		return nil
	}
	return &ChallengeError{ChallengeType: challengeType(hit), Details: "marker " + hit}
}

func challengeType(marker string) string {
	m := strings.ToLower(marker)
	if strings.Contains(m, "datadome") || strings.Contains(m, "captcha-delivery") {
		return "datadome"
	}
	return "captcha"
}
