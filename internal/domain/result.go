package domain

import (
	"fmt"
	"strings"
	"time"
)

type ProcessingResult struct {
	ID              string `json:"id"`
	OriginalDataURI string `json:"original_data_uri"`
	ResultDataURI   string `json:"result_data_uri"`
	Timestamp       int64  `json:"timestamp"`
}

// HistoryEntry shares the result shape; entries are kept newest first.
type HistoryEntry = ProcessingResult

func (r ProcessingResult) CreatedAt() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// AssetName is the gallery display name, e.g. Asset_3f9a.png.
func (r ProcessingResult) AssetName() string {
	short := r.ID
	if len(short) > 4 {
		short = short[:4]
	}
	return fmt.Sprintf("Asset_%s.png", short)
}

// Matches reports whether the entry is found by a history search term. The
// term is compared against the display name and the entry's date.
func (r ProcessingResult) Matches(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	if strings.Contains(strings.ToLower(r.AssetName()), term) {
		return true
	}
	return strings.Contains(r.CreatedAt().Format("2006-01-02"), term)
}
