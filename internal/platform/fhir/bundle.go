package fhir

import (
	"bytes"
	"encoding/json"
	"time"
)

// Link relations used on searchset bundles.
const (
	LinkRelationSelf     = "self"
	LinkRelationNext     = "next"
	LinkRelationPrevious = "previous"
)

// Bundle represents one page of a FHIR search result.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// LinkURL returns the URL of the first link with the given relation, or ""
// when the bundle carries no such link.
func (b *Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// NextURL returns the "next" page link. An empty string marks the last page.
func (b *Bundle) NextURL() string {
	return b.LinkURL(LinkRelationNext)
}

// Resources returns the entry resources in entry order. Entries without a
// resource (absent or JSON null) are skipped. A bundle without entries
// yields an empty slice.
func (b *Bundle) Resources() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if isEmptyJSON(e.Resource) {
			continue
		}
		out = append(out, e.Resource)
	}
	return out
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// NewSearchBundle builds a searchset Bundle from already-encoded resources.
// A non-empty next adds a "next" link.
func NewSearchBundle(resources []json.RawMessage, self, next string, total *int) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{
			FullURL:  fullURLOf(r),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		}
	}

	links := []BundleLink{{Relation: LinkRelationSelf, URL: self}}
	if next != "" {
		links = append(links, BundleLink{Relation: LinkRelationNext, URL: next})
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// fullURLOf builds the relative "Type/id" reference for an encoded resource.
func fullURLOf(raw json.RawMessage) string {
	ref, err := ParseReference(raw)
	if err != nil || ref.ResourceType == "" || ref.ID == "" {
		return ""
	}
	return ref.ResourceType + "/" + ref.ID
}
