// Package backend implements HTTP transport to the batch processing backend:
// file upload, processing trigger and rows query.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/rowjobs/app/job"
)

const maxResponseSize = 16 * 1024 * 1024

// File is an upload payload
type File struct {
	Name string
	Data []byte
}

// Params configures Client
type Params struct {
	BaseURL string
	Token   string        // bearer token, optional
	Timeout time.Duration // per request timeout, default 30s
	Retries int           // attempts for idempotent reads, default 3
	Backoff time.Duration // initial retry delay, default 500ms
}

// Client talks to backend over HTTP. Upload and trigger are never retried,
// rows queries are retried with backoff as they are idempotent.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	rptr    Repeater
}

// Repeater repeats failed function, stops on any of given errors
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// uploadResponse is the body returned on upload
type uploadResponse struct {
	FileID string `json:"fileIdentifier"`
}

// New makes Client
func New(p Params) *Client {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.Retries <= 0 {
		p.Retries = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	return &Client{
		baseURL: strings.TrimSuffix(p.BaseURL, "/"),
		token:   p.Token,
		http: &http.Client{
			Timeout: p.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		rptr: repeater.New(&strategy.Backoff{Repeats: p.Retries, Duration: p.Backoff, Factor: 2, Jitter: true}),
	}
}

// Upload sends file as multipart form and returns backend file identifier
func (c *Client) Upload(ctx context.Context, f File) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return "", fmt.Errorf("failed to make form file: %w", err)
	}
	if _, err = part.Write(f.Data); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err = mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	var resp uploadResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/files", mw.FormDataContentType(), body, &resp); err != nil {
		return "", fmt.Errorf("upload %s: %w", f.Name, err)
	}
	if resp.FileID == "" {
		return "", fmt.Errorf("upload %s: empty file identifier in response", f.Name)
	}
	log.Printf("[DEBUG] uploaded %s as %s", f.Name, resp.FileID)
	return resp.FileID, nil
}

// Trigger starts backend processing of uploaded file for the category, returns created rows
func (c *Client) Trigger(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error) {
	u := fmt.Sprintf("%s/%s/process/%s", c.baseURL, url.PathEscape(string(category)), url.PathEscape(fileID))
	var rows []job.RawRow
	if err := c.do(ctx, http.MethodPost, u, "", http.NoBody, &rows); err != nil {
		return nil, fmt.Errorf("trigger %s for %s: %w", fileID, category, err)
	}
	return rows, nil
}

// QueryRows returns rows of the category, limited to one file if fileID not empty
func (c *Client) QueryRows(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error) {
	u := fmt.Sprintf("%s/%s/rows", c.baseURL, url.PathEscape(string(category)))
	if fileID != "" {
		u += "?file=" + url.QueryEscape(fileID)
	}

	var rows []job.RawRow
	var lastErr error
	err := c.rptr.Do(ctx, func() error {
		rows = nil
		lastErr = c.do(ctx, http.MethodGet, u, "", http.NoBody, &rows)
		var se *StatusError
		if errors.As(lastErr, &se) && se.Permanent() {
			return errPermanent
		}
		return lastErr
	}, errPermanent)
	if errors.Is(err, errPermanent) {
		err = lastErr
	}
	if err != nil {
		return nil, fmt.Errorf("query rows of %s: %w", category, err)
	}
	return rows, nil
}

// errPermanent stops retries on responses that won't change with another attempt
var errPermanent = errors.New("permanent failure")

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Permanent reports client errors, retry won't help except for throttling
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method, u, contentType string, body io.Reader, res any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close response body: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, res); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
