// Package creative holds the ad data model: formats, asset types, cache keys,
// cache entries, and the campaign structures read from the campaign provider.
package creative

import (
	"os"
	"path"
	"strings"
	"time"
)

// AdFormat determines the countdown and auto-play policy for a placement.
type AdFormat string

const (
	FormatBanner       AdFormat = "banner"
	FormatInterstitial AdFormat = "interstitial"
	FormatRewarded     AdFormat = "rewarded"
)

// Valid reports whether f is one of the known formats.
func (f AdFormat) Valid() bool {
	switch f {
	case FormatBanner, FormatInterstitial, FormatRewarded:
		return true
	}
	return false
}

// AssetType classifies a single creative file.
type AssetType string

const (
	AssetImage AssetType = "image"
	AssetVideo AssetType = "video"
	AssetLogo  AssetType = "logo"
)

// DefaultAssetID is used in cache keys when the origin did not assign an ID.
const DefaultAssetID = "default"

// CacheKey uniquely identifies one cached asset. Stable across restarts:
// the same (format, type, asset ID) always maps to the same key.
type CacheKey struct {
	Format  AdFormat
	Type    AssetType
	AssetID string
}

// NewCacheKey builds a key, substituting DefaultAssetID for an empty asset ID.
func NewCacheKey(format AdFormat, typ AssetType, assetID string) CacheKey {
	if assetID == "" {
		assetID = DefaultAssetID
	}
	return CacheKey{Format: format, Type: typ, AssetID: assetID}
}

func (k CacheKey) String() string {
	return string(k.Format) + "/" + string(k.Type) + "/" + k.AssetID
}

// CacheEntry is one downloaded asset on local storage. Entries are immutable
// once written: an overwrite is a full replacement, never a partial mutation.
//
// Ad-level text and click fields are denormalized onto every entry so a
// placement can reconstruct a full ad view from assets alone.
type CacheEntry struct {
	ID          string    `json:"id"` // origin-assigned asset ID
	Type        AssetType `json:"asset_type"`
	Format      AdFormat  `json:"ad_format"`
	LocalPath   string    `json:"local_path"`
	OriginalURL string    `json:"original_url"`
	ClickURL    string    `json:"click_url,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	AltText     string    `json:"alt_text,omitempty"`
	CachedAt    time.Time `json:"cached_at"`

	AdID            string `json:"ad_id,omitempty"`
	HeaderText      string `json:"header_text,omitempty"`
	ButtonText      string `json:"button_text,omitempty"`
	DescriptionText string `json:"description_text,omitempty"`
}

// Key returns the cache key this entry is stored under.
func (e *CacheEntry) Key() CacheKey {
	return NewCacheKey(e.Format, e.Type, e.ID)
}

// Valid reports whether the entry can be served: a non-empty local path whose
// backing file still exists on disk.
func (e *CacheEntry) Valid() bool {
	if e.LocalPath == "" {
		return false
	}
	fi, err := os.Stat(e.LocalPath)
	return err == nil && fi.Mode().IsRegular()
}

// MediaRef is one creative file reference inside a campaign ad.
// Type is optional; when absent the URL extension decides (see ClassifyURL).
type MediaRef struct {
	ID      string    `json:"id,omitempty"`
	URL     string    `json:"url"`
	Type    AssetType `json:"type,omitempty"`
	Width   int       `json:"width,omitempty"`
	Height  int       `json:"height,omitempty"`
	AltText string    `json:"alt_text,omitempty"`
}

// AssetTypeOrClassify returns the declared type, or classifies by URL when
// the campaign did not declare one.
func (m MediaRef) AssetTypeOrClassify() AssetType {
	if m.Type != "" {
		return m.Type
	}
	return ClassifyURL(m.URL)
}

// AdCreative is one ad inside a campaign ad group.
type AdCreative struct {
	ID           string   `json:"id"`
	Format       AdFormat `json:"format"`
	MainImage    MediaRef `json:"main_image"`
	MainVideo    MediaRef `json:"main_video"`
	Logo         MediaRef `json:"logo"`
	MainHeader   string   `json:"main_header,omitempty"`
	ActionButton string   `json:"action_button,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// AdGroup is a set of ads sharing one click destination.
type AdGroup struct {
	ClickURL string       `json:"click_url"`
	Ads      []AdCreative `json:"ads"`
}

// Campaign is the read-only structure returned by the campaign provider.
// The core never mutates it.
type Campaign struct {
	ID       string    `json:"id,omitempty"`
	AdGroups []AdGroup `json:"ad_groups"`
}

// FirstAd returns the first ad matching format, with its owning group, or
// (nil, nil) when the campaign has none for that format.
func (c *Campaign) FirstAd(format AdFormat) (*AdGroup, *AdCreative) {
	if c == nil {
		return nil, nil
	}
	for gi := range c.AdGroups {
		g := &c.AdGroups[gi]
		for ai := range g.Ads {
			if g.Ads[ai].Format == format {
				return g, &g.Ads[ai]
			}
		}
	}
	return nil, nil
}

// Ad is the view model a placement renders: at most one cached entry per
// asset type plus the shared click URL and text fields. It is a read-only
// projection assembled on demand, never persisted.
type Ad struct {
	ID       string
	Format   AdFormat
	Image    *CacheEntry
	Video    *CacheEntry
	Logo     *CacheEntry
	ClickURL string

	HeaderText      string
	ButtonText      string
	DescriptionText string

	// VideoURL is the remote video source, used when deciding whether to
	// stream. Filled from the campaign when live, or from the cached video
	// entry's original URL when reconstructing offline.
	VideoURL string
}

// AssembleAd reconstructs an Ad from cache entries sharing a format. Entries
// of the same ad (matching AdID, when available) are preferred; the first
// valid entry per asset type wins. Returns nil when no entry is usable.
func AssembleAd(entries []CacheEntry, format AdFormat) *Ad {
	ad := &Ad{Format: format}
	for i := range entries {
		e := &entries[i]
		if e.Format != format || !e.Valid() {
			continue
		}
		if ad.ID == "" && e.AdID != "" {
			ad.ID = e.AdID
		}
		if ad.ID != "" && e.AdID != "" && e.AdID != ad.ID {
			continue
		}
		switch e.Type {
		case AssetImage:
			if ad.Image == nil {
				ad.Image = e
			}
		case AssetVideo:
			if ad.Video == nil {
				ad.Video = e
				ad.VideoURL = e.OriginalURL
			}
		case AssetLogo:
			if ad.Logo == nil {
				ad.Logo = e
			}
		}
		if ad.ClickURL == "" {
			ad.ClickURL = e.ClickURL
		}
		if ad.HeaderText == "" {
			ad.HeaderText = e.HeaderText
		}
		if ad.ButtonText == "" {
			ad.ButtonText = e.ButtonText
		}
		if ad.DescriptionText == "" {
			ad.DescriptionText = e.DescriptionText
		}
	}
	if ad.Image == nil && ad.Video == nil && ad.Logo == nil {
		return nil
	}
	return ad
}

// AdFromCreative builds an Ad view straight from a live campaign creative,
// before any asset is cached. Cached entries can be attached afterwards.
func AdFromCreative(group *AdGroup, c *AdCreative) *Ad {
	if c == nil {
		return nil
	}
	ad := &Ad{
		ID:              c.ID,
		Format:          c.Format,
		HeaderText:      c.MainHeader,
		ButtonText:      c.ActionButton,
		DescriptionText: c.Description,
		VideoURL:        c.MainVideo.URL,
	}
	if group != nil {
		ad.ClickURL = group.ClickURL
	}
	return ad
}

// ClassifyURL guesses the asset type from the URL's file extension.
// Unknown extensions default to image.
func ClassifyURL(rawURL string) AssetType {
	ext := strings.ToLower(path.Ext(trimURLQuery(rawURL)))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return AssetImage
	case ".mp4", ".webm", ".mov", ".avi":
		return AssetVideo
	}
	return AssetImage
}

func trimURLQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}
