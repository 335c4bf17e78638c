package importer

import (
	"net/url"
	"strconv"
	"time"
)

// BuildSearchURL returns the relative search URL for the first page of one
// resource type. Parameters are encoded in key order, so equal inputs always
// produce identical strings.
func BuildSearchURL(cfg ResourceTypeConfig, subjectID string, since *time.Time, pageSize int) string {
	q := url.Values{}
	subjectParam := cfg.SubjectParam
	if subjectParam == "" {
		subjectParam = "patient"
	}
	q.Set(subjectParam, subjectID)
	if since != nil && cfg.DateParam != "" {
		q.Set(cfg.DateParam, "gt"+since.UTC().Format(time.RFC3339))
	}
	q.Set("_count", strconv.Itoa(pageSize))
	if cfg.SortKey != "" {
		q.Set("_sort", cfg.SortKey)
	}
	return cfg.ResourceType + "?" + q.Encode()
}

// SearchURL looks resourceType up and builds its first-page search URL.
func (r *Registry) SearchURL(resourceType, subjectID string, since *time.Time, pageSize int) (string, error) {
	cfg, err := r.Lookup(resourceType)
	if err != nil {
		return "", err
	}
	return BuildSearchURL(cfg, subjectID, since, pageSize), nil
}
