package identity

import (
	"testing"

	"lbc_ingest/models"
)

func sample() *models.RawListing {
	return &models.RawListing{
		Source:      "lbc",
		SourceID:    "2507113388",
		URL:         "https://www.leboncoin.fr/colocations/2507113388.htm",
		Title:       "Chambre dans T4 lumineux",
		City:        "Saint-Denis",
		Budget:      550,
		RoomCount:   4,
		SurfaceArea: 82,
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Hash(sample())
	b := Hash(sample())
	if a != b {
		t.Fatalf("same listing hashed differently: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%s)", len(a), a)
	}
}

func TestHashCaseInsensitive(t *testing.T) {
	upper := sample()
	upper.Title = "CHAMBRE DANS T4 LUMINEUX"
	upper.City = "SAINT-DENIS"
	if Hash(upper) != Hash(sample()) {
		t.Fatal("hash should ignore field casing")
	}
}

func TestHashSensitiveToEachCanonicalField(t *testing.T) {
	base := Hash(sample())

	mutations := map[string]func(*models.RawListing){
		"source":       func(l *models.RawListing) { l.Source = "pap" },
		"source_id":    func(l *models.RawListing) { l.SourceID = "999" },
		"url":          func(l *models.RawListing) { l.URL = "https://example.com/x" },
		"title":        func(l *models.RawListing) { l.Title = "Studio" },
		"city":         func(l *models.RawListing) { l.City = "Lyon" },
		"budget":       func(l *models.RawListing) { l.Budget = 551 },
		"room_count":   func(l *models.RawListing) { l.RoomCount = 5 },
		"surface_area": func(l *models.RawListing) { l.SurfaceArea = 83 },
	}

	for field, mutate := range mutations {
		l := sample()
		mutate(l)
		if Hash(l) == base {
			t.Errorf("changing %s did not change the hash", field)
		}
	}
}

func TestHashIgnoresNonCanonicalFields(t *testing.T) {
	l := sample()
	l.Description = "totally different description"
	l.Photos = []string{"https://img.leboncoin.fr/x.jpg"}
	if Hash(l) != Hash(sample()) {
		t.Fatal("description and photos must not affect identity")
	}
}

func TestCanonicalLayout(t *testing.T) {
	l := &models.RawListing{Source: "lbc", URL: "u1", Title: "Chambre", City: "Saint-Denis", Budget: 550}
	got := Canonical(l)
	want := "lbc||u1|chambre|saint-denis|550||"
	if got != want {
		t.Fatalf("canonical string %q, want %q", got, want)
	}
}
