package model

import "time"

// Row is one search analytics row. Keys are aligned with the dimensions of
// the request that produced it.
type Row struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

// FetchRequest describes one report request: a single date of one job.
type FetchRequest struct {
	Dimensions []string
	SearchType string
	Date       time.Time
	Filter     *Filter
}

// MetricColumns are the value columns stored next to the dimension columns.
var MetricColumns = []string{"clicks", "impressions", "ctr", "position"}

// Metrics returns the row's metric values in MetricColumns order.
func (r Row) Metrics() []any {
	return []any{r.Clicks, r.Impressions, r.CTR, r.Position}
}
