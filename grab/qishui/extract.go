package qishui

import (
	"encoding/json"
	"strings"

	"qishuigrab/grab"
)

// Unknown is the sentinel carried forward for any field that could not
// be resolved from the share page payload.
const Unknown = "Unknown"

// Marker pairs for the fields embedded in the share page blob. The blob
// is not valid JSON as a whole, so values are located by their literal
// surrounding delimiters instead of a parser.
const (
	trackNameStart  = `"trackName":"`
	artistNameStart = `"artistName":"`
	coverURLStart   = `"coverURL":"`
	fieldEnd        = `","`

	// audioAnchor is a query parameter of the media URL itself, which is
	// the only stable landmark near the audio link in observed payloads.
	audioAnchor = "mime_type=audio_mp4"
)

// TrackDescriptor holds everything the pipeline needs about one track.
// Fields resolve independently. Unresolved fields carry the sentinel.
type TrackDescriptor struct {
	TrackName  string
	ArtistName string
	CoverURL   string
	TrackURL   string
}

// ExtractField returns the substring of text strictly between the first
// occurrence of startMarker and the next endMarker after it. Any miss
// yields the sentinel. No unescaping is performed here.
func ExtractField(text, startMarker, endMarker string) string {
	start := strings.Index(text, startMarker)
	if start < 0 {
		return Unknown
	}
	valueStart := start + len(startMarker)
	end := strings.Index(text[valueStart:], endMarker)
	if end < 0 {
		return Unknown
	}
	return text[valueStart : valueStart+end]
}

// ResolveTrackURL locates the media URL by its mime_type query parameter.
// The URL is embedded as a JSON string fragment: the span runs from the
// last ':' before the anchor (the one in "https:" for absolute URLs, or
// the key separator for scheme-relative ones) to the first ',' after it.
func ResolveTrackURL(text string) string {
	anchor := strings.Index(text, audioAnchor)
	if anchor < 0 {
		return Unknown
	}

	start := strings.LastIndex(text[:anchor], ":") + 1
	tail := strings.Index(text[anchor:], ",")
	if tail < 0 {
		return Unknown
	}

	raw := strings.TrimSpace(text[start : anchor+tail])
	raw = trimQuotes(raw)

	trackURL, err := decodeJSONString(raw)
	if err != nil {
		return Unknown
	}
	if strings.HasPrefix(trackURL, "//") {
		trackURL = "https:" + trackURL
	}
	return trackURL
}

// Scraper builds track descriptors from share page text.
type Scraper struct {
	logger grab.Logger
}

func NewScraper(logger grab.Logger) *Scraper {
	return &Scraper{logger: logger}
}

// BuildDescriptor resolves all descriptor fields from the page blob.
// A failed field never aborts the others; the descriptor always comes
// back fully populated, with sentinels where needed.
func (s *Scraper) BuildDescriptor(text string) TrackDescriptor {
	desc := TrackDescriptor{
		TrackName:  ExtractField(text, trackNameStart, fieldEnd),
		ArtistName: ExtractField(text, artistNameStart, fieldEnd),
		CoverURL:   Unknown,
		TrackURL:   ResolveTrackURL(text),
	}

	if raw := ExtractField(text, coverURLStart, fieldEnd); raw != Unknown {
		if decoded, err := decodeJSONString(raw); err == nil {
			desc.CoverURL = decoded
		} else if s.logger != nil {
			s.logger.Error("cover url decode failed", "raw", raw, "error", err)
		}
	}

	if s.logger != nil {
		if desc.TrackName == Unknown || desc.ArtistName == Unknown ||
			desc.CoverURL == Unknown || desc.TrackURL == Unknown {
			s.logger.Error("descriptor has unresolved fields",
				"track", desc.TrackName,
				"artist", desc.ArtistName,
				"cover_url", desc.CoverURL,
				"track_url", desc.TrackURL,
			)
		} else {
			s.logger.Info("descriptor resolved",
				"track", desc.TrackName,
				"artist", desc.ArtistName,
				"cover_url", desc.CoverURL,
				"track_url", desc.TrackURL,
			)
		}
	}

	return desc
}

// trimQuotes removes one enclosing double quote from each end. The raw
// span usually keeps the string's closing quote but not its opening one,
// because the backward scan stops at the ':' inside "https:".
func trimQuotes(s string) string {
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	return s
}

// decodeJSONString interprets raw as the body of a JSON string literal,
// recovering escapes like \/ and \uXXXX.
func decodeJSONString(raw string) (string, error) {
	var decoded string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &decoded); err != nil {
		return "", err
	}
	return decoded, nil
}
