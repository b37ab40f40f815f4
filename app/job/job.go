// Package job defines the tracked job model and the rule turning backend rows into job progress
package job

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Type identifies a category of jobs, one per backend workflow (e.g. "bb-update")
type Type string

// Job is one tracked run of backend processing bound to an uploaded file
type Job struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"` // backend file identifier
	Status     Status     `json:"status"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Errors     int        `json:"errors"`
	Progress   int        `json:"progress"`
	StartTime  time.Time  `json:"startTime,omitzero"`
	EndTime    *time.Time `json:"endTime,omitempty"` // set for terminal jobs only
	Message    string     `json:"message,omitempty"` // set for failed jobs only
}

// RawRow is one backend-reported unit of work
type RawRow struct {
	FileID  string    `json:"fileIdentifier"`
	Status  RowStatus `json:"status"`
	Error   string    `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// RowStatus is the backend status of a single row
type RowStatus string

// row statuses reported by backend
const (
	RowNew       RowStatus = "new"
	RowProcessed RowStatus = "processed"
)

// IsFailed reports a processed row carrying an error
func (r RawRow) IsFailed() bool {
	return r.Status == RowProcessed && strings.TrimSpace(r.Error) != ""
}

// Progress returns processed/total as a rounded percent, 0 for empty jobs
func Progress(processed, total int) int {
	if total <= 0 {
		return 0
	}
	res := int(math.Round(float64(processed) / float64(total) * 100))
	return max(0, min(100, res))
}

// Compute builds the job for given rows. Status is running until every row is processed,
// failed if all rows failed and completed otherwise, partial failures included.
func Compute(id, name string, rows []RawRow) Job {
	res := Job{ID: id, Name: name, Total: len(rows), Status: StatusRunning}
	if len(rows) == 0 {
		return res
	}

	var lastUpdate time.Time
	var firstErr string
	res.StartTime = rows[0].Created
	for _, r := range rows {
		if !r.Created.IsZero() && (res.StartTime.IsZero() || r.Created.Before(res.StartTime)) {
			res.StartTime = r.Created
		}
		if r.Updated.After(lastUpdate) {
			lastUpdate = r.Updated
		}
		if r.Status != RowProcessed {
			continue
		}
		res.Processed++
		if r.IsFailed() {
			res.Failed++
			if firstErr == "" {
				firstErr = r.Error
			}
		}
	}
	res.Successful = res.Processed - res.Failed
	res.Errors = res.Failed
	res.Progress = Progress(res.Processed, res.Total)

	if res.Processed < res.Total {
		return res
	}

	res.Status = StatusCompleted
	if res.Failed == res.Total {
		res.Status = StatusFailed
		res.Message = fmt.Sprintf("all %d rows failed: %s", res.Total, firstErr)
	}
	if lastUpdate.IsZero() {
		lastUpdate = res.StartTime
	}
	res.EndTime = &lastUpdate
	return res
}

// SortTime returns end time for terminal jobs and start time otherwise
func (j Job) SortTime() time.Time {
	if j.EndTime != nil {
		return *j.EndTime
	}
	return j.StartTime
}
