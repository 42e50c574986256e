// Package gcs archives raw page payloads to Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path, e.g. "raw-pages".
	Prefix string
}

// PageArchiver writes raw page bodies to a configured GCS bucket so a crawl
// can be replayed against the original payloads.
type PageArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed page archiver.
func New(client *storage.Client, cfg Config) (*PageArchiver, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &PageArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// ArchivePage uploads one raw page body and returns its gs:// URI. Object
// paths are date-partitioned so a day's crawl is one listable prefix.
func (a *PageArchiver) ArchivePage(ctx context.Context, source, listingType string, page int, body []byte) (string, error) {
	if source == "" || listingType == "" {
		return "", fmt.Errorf("source and listing type are required")
	}
	path := fmt.Sprintf("%s/%s/%s/page-%04d.html",
		source, listingType, time.Now().UTC().Format("2006-01-02"), page)
	if a.prefix != "" {
		path = a.prefix + "/" + path
	}
	writer := a.client.Bucket(a.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = "text/html; charset=utf-8"
	if _, err := io.Copy(writer, bytes.NewReader(body)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, path), nil
}
