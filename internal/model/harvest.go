package model

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DateLayout is the calendar date format used for queue items and API requests.
const DateLayout = "2006-01-02"

// Property identifies one harvested Search Console property of an account.
type Property struct {
	ID          int64  `json:"id"`
	AccountName string `json:"account_name"`
	SiteURL     string `json:"site_url"`
	Active      bool   `json:"active"`
}

// Filter restricts a job to a single dimension value.
type Filter struct {
	Dimension  string `json:"dimension" yaml:"dimension"`
	Expression string `json:"expression" yaml:"expression"`
	Operator   string `json:"operator" yaml:"operator"`
}

// Job is one fixed reporting slice of a property: dimensions, search type and
// an optional filter. Jobs are never edited after creation, only toggled.
type Job struct {
	ID         int64    `json:"id"`
	PropertyID int64    `json:"property_id"`
	Dimensions []string `json:"dimensions"`
	SearchType string   `json:"search_type"`
	Filter     *Filter  `json:"filter,omitempty"`
	Active     bool     `json:"active"`
}

// JobSpec is a job definition before it is bound to a property.
type JobSpec struct {
	SearchType string
	Dimensions []string
	Filter     *Filter
}

// TableName returns the destination table for the job's rows:
// searchtype_dim1_dim2[_filterexpression]. Dimensions are sorted and the
// filter expression is lower-cased, which keeps names stable across runs.
func (j Job) TableName() string {
	dims := append([]string(nil), j.Dimensions...)
	sort.Strings(dims)
	name := j.SearchType + "_" + strings.Join(dims, "_")
	if j.Filter != nil {
		name += "_" + cases.Lower(language.Und).String(j.Filter.Expression)
	}
	return name
}

// QueueItem is the unit of harvest work: one date of one job of one property.
type QueueItem struct {
	ID         int64     `json:"id"`
	PropertyID int64     `json:"property_id"`
	JobID      int64     `json:"job_id"`
	Date       time.Time `json:"date"`
	Attempts   int       `json:"attempts"`
	Finished   bool      `json:"finished"`
	Rows       int       `json:"rows"`
	Seconds    float64   `json:"seconds"`
	Hits       int       `json:"hits"`
	RPS        float64   `json:"rps"`
	Streamed   bool      `json:"streamed"`
	Failures   int       `json:"failures"`
	LastError  string    `json:"last_error,omitempty"`
}

// Completion is the telemetry recorded when a queue item is finished.
type Completion struct {
	Rows    int
	Seconds float64
	Hits    int
	RPS     float64
}

// Progress summarizes the queue of one job.
type Progress struct {
	PropertyID int64  `json:"property_id"`
	JobID      int64  `json:"job_id"`
	Table      string `json:"table"`
	Total      int    `json:"total"`
	Finished   int    `json:"finished"`
	Failed     int    `json:"failed"`
	Rows       int64  `json:"rows"`
}

// Pending returns the number of unfinished items.
func (p Progress) Pending() int {
	return p.Total - p.Finished
}
