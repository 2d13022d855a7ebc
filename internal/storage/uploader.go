// Package storage uploads attachments to an object storage HTTP API.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"chat-sync/internal/errs"
	"chat-sync/internal/transport"
)

// Uploader stores objects under <base>/object/<bucket>/<path> and hands out
// public URLs of the form <base>/object/public/<bucket>/<path>.
type Uploader struct {
	baseURL string
	bucket  string
	token   string
	client  *http.Client
}

// NewUploader constructs an Uploader.
func NewUploader(baseURL, bucket, token string) *Uploader {
	return &Uploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload stores data at path. An empty contentType is sniffed from data.
func (u *Uploader) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	objectPath := escapePath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/object/%s/%s", u.baseURL, url.PathEscape(u.bucket), objectPath), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", fmt.Errorf("upload %s: object exists: %w", path, errs.ErrConflict)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return u.PublicURL(path), nil
}

// PublicURL is where an uploaded object can be fetched from.
func (u *Uploader) PublicURL(path string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", u.baseURL, url.PathEscape(u.bucket), escapePath(path))
}

func escapePath(path string) string {
	parts := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ transport.Uploader = (*Uploader)(nil)
