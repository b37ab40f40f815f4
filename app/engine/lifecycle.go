package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/umputun/rowjobs/app/backend"
	"github.com/umputun/rowjobs/app/job"
	"github.com/umputun/rowjobs/app/sheet"
)

// UploadFile sends file to backend and returns its identifier
func (e *Engine) UploadFile(ctx context.Context, f backend.File) (string, error) {
	fileID, err := e.Transport.Upload(ctx, f)
	if err != nil {
		return "", &FileUploadError{File: f.Name, Err: err}
	}
	return fileID, nil
}

// TriggerProcessing starts backend processing of uploaded file and caches returned rows
func (e *Engine) TriggerProcessing(ctx context.Context, fileID string) (TriggerResult, error) {
	rows, err := e.Transport.Trigger(ctx, e.Type, fileID)
	if err != nil {
		return TriggerResult{}, &ProcessingTriggerError{FileID: fileID, Err: err}
	}
	e.cache.Set(fileID, rows)
	return TriggerResult{FileID: fileID, Rows: rows}, nil
}

// ProcessFileAndCreateJob validates rows, uploads the file, starts processing and registers a job for it.
// Validation is done before any network call.
func (e *Engine) ProcessFileAndCreateJob(ctx context.Context, f backend.File, rows []sheet.Row) (job.Job, error) {
	if f.Name == "" || len(f.Data) == 0 {
		return job.Job{}, &ValidationError{Reason: "file is empty"}
	}
	if len(rows) == 0 {
		return job.Job{}, &ValidationError{Reason: "no rows to process"}
	}
	if missing := sheet.MissingColumns(rows, e.RequiredColumns); len(missing) > 0 {
		return job.Job{}, &ValidationError{Missing: missing}
	}

	if !e.inFlight.add(f.Name) {
		return job.Job{}, &ValidationError{Reason: fmt.Sprintf("%s is already being submitted", f.Name)}
	}
	defer e.inFlight.remove(f.Name)

	fileID, err := e.UploadFile(ctx, f)
	if err != nil {
		return job.Job{}, err
	}
	return e.CreateJobFromUploadedFile(ctx, fileID)
}

// CreateJobFromUploadedFile starts processing of already uploaded file and registers a job for it.
// The returned job is computed from rows reported on start.
func (e *Engine) CreateJobFromUploadedFile(ctx context.Context, fileID string) (job.Job, error) {
	if _, err := e.TriggerProcessing(ctx, fileID); err != nil {
		return job.Job{}, err
	}

	id := uuid.NewString()
	j := job.Compute(id, fileID, e.GetJobEntries(ctx, fileID, true))
	if j.Status.Terminal() {
		e.mu.Lock()
		e.Store.Complete(e.Type, j)
		e.mu.Unlock()
		e.notifyFinished(context.WithoutCancel(ctx), []job.Job{j})
		return j, nil
	}

	e.mu.Lock()
	e.active.add(id, fileID)
	e.persistActive()
	e.Store.AddRunningJob(e.Type, j)
	e.mu.Unlock()
	e.Logger.Logf("[INFO] job %s of %s created for %s", id, e.Type, fileID)
	return j, nil
}
