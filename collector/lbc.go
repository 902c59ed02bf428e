package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
	"lbc_ingest/config"
	"lbc_ingest/models"
	"lbc_ingest/settings"
)

// LBC search results ship as JSON inside the Next.js data script, not
// as server-rendered markup.
const nextDataSelector = "script#__NEXT_DATA__"

type lbcAd struct {
	ListID    int64  `json:"list_id"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	URL       string `json:"url"`
	Price     []int  `json:"price"`
	IndexDate string `json:"index_date"`
	Location  struct {
		City string `json:"city"`
	} `json:"location"`
	Images struct {
		URLs []string `json:"urls"`
	} `json:"images"`
	Attributes []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"attributes"`
}

type lbcNextData struct {
	Props struct {
		PageProps struct {
			SearchData struct {
				Ads []lbcAd `json:"ads"`
			} `json:"searchData"`
		} `json:"pageProps"`
	} `json:"props"`
}

// LBCCollector pages through a leboncoin search and emits one batch
// per result page.
type LBCCollector struct {
	client *Client
	site   *config.SiteConfig
}

func NewLBCCollector(client *Client, site *config.SiteConfig) *LBCCollector {
	return &LBCCollector{client: client, site: site}
}

func (c *LBCCollector) ID() string {
	return c.site.ID
}

func (c *LBCCollector) Collect(ctx context.Context, snap *settings.Snapshot, emit func(batch []models.RawListing) error) error {
	for page := 1; page <= snap.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		pageURL, err := withPage(snap.SearchURL, page)
		if err != nil {
			return fmt.Errorf("build page url: %w", err)
		}

		doc, err := c.client.FetchPage(ctx, pageURL, snap.AntiBotToken)
		if err != nil {
			return err
		}

		batch, err := c.parsePage(doc)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if len(batch) == 0 {
			// Past the last result page.
			return nil
		}

		logPage(c.site.ID, pageURL, len(batch))
		if err := emit(batch); err != nil {
			return err
		}
	}
	return nil
}

func (c *LBCCollector) parsePage(doc *goquery.Document) ([]models.RawListing, error) {
	payload := doc.Find(nextDataSelector).Text()
	if payload == "" {
		return nil, errors.New("result page has no data script")
	}

	var data lbcNextData
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("decode search data: %w", err)
	}

	ads := data.Props.PageProps.SearchData.Ads
	batch := make([]models.RawListing, 0, len(ads))
	for _, ad := range ads {
		batch = append(batch, c.toRawListing(ad))
	}
	return batch, nil
}

func (c *LBCCollector) toRawListing(ad lbcAd) models.RawListing {
	raw := models.RawListing{
		Source:      c.site.ID,
		SourceID:    strconv.FormatInt(ad.ListID, 10),
		URL:         ad.URL,
		Title:       ad.Subject,
		Description: ad.Body,
		City:        ad.Location.City,
		Photos:      ad.Images.URLs,
	}
	if len(ad.Price) > 0 {
		raw.Budget = ad.Price[0]
	}
	for _, attr := range ad.Attributes {
		switch attr.Key {
		case "rooms":
			raw.RoomCount, _ = strconv.Atoi(attr.Value)
		case "square":
			raw.SurfaceArea, _ = strconv.Atoi(attr.Value)
		}
	}
	if ad.IndexDate != "" {
		if posted, err := time.Parse("2006-01-02 15:04:05", ad.IndexDate); err == nil {
			raw.PostedAt = &posted
		}
	}
	return raw
}

func withPage(searchURL string, page int) (string, error) {
	u, err := url.Parse(searchURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
