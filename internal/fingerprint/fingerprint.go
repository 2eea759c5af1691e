// Package fingerprint computes stable deduplication keys for event records.
//
// Two records with the same fingerprint are the same logical event. The key
// prefers the upstream reservation identifier when the source system supplied
// one; otherwise it falls back to a content hash over the fields a human
// would use to recognise the event.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"calpal/internal/model"
)

const dateLayout = "2006-01-02"

// Fingerprint returns the dedup key for a record. Deterministic and stable
// across process restarts. It never fails: malformed upstream titles and
// locations degrade to best-effort text.
func Fingerprint(r *model.EventRecord) string {
	if id := upstreamID(r); id != "" {
		return id
	}
	return contentHash(r.Title, r.StartTime, r.EndTime, r.Location)
}

// upstreamID returns the upstream reservation identifier, suffixed with the
// event's start date. Recurring instances share one base identifier upstream;
// the date suffix keeps each instance distinct.
func upstreamID(r *model.EventRecord) string {
	id := SafeText(r.Metadata[model.MetaUpstreamID])
	if id == "" {
		return ""
	}
	if r.StartTime.IsZero() {
		return id
	}
	return id + "_" + r.StartTime.UTC().Format(dateLayout)
}

// contentHash digests the identifying fields into a hex string. Fields are
// delimited so ("ab","c") and ("a","bc") cannot collide.
func contentHash(title string, start, end time.Time, location string) string {
	h := sha256.New()
	h.Write([]byte(SafeText(title)))
	h.Write([]byte("|"))
	if !start.IsZero() {
		h.Write([]byte(start.UTC().Format(time.RFC3339)))
	}
	h.Write([]byte("|"))
	if !end.IsZero() {
		h.Write([]byte(end.UTC().Format(time.RFC3339)))
	}
	h.Write([]byte("|"))
	h.Write([]byte(SafeText(location)))
	return hex.EncodeToString(h.Sum(nil))
}

// SafeText normalises text coming from upstream feeds, which occasionally
// contains control characters, stray structure, or nothing but whitespace.
// It returns best-effort plain text and is empty only when the input carries
// no printable content at all.
func SafeText(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case unicode.IsControl(r), unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		case unicode.IsPrint(r):
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}
