// Package gcs exports stored record files to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the export destination.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object name, e.g. "exports/".
	Prefix string `mapstructure:"prefix"`
}

// Exporter uploads files to a configured GCS bucket.
type Exporter struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS exporter.
func New(client *storage.Client, cfg Config) (*Exporter, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Exporter{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// ObjectName maps a local file onto its object name.
func (e *Exporter) ObjectName(localPath string) string {
	return path.Join(e.prefix, filepath.Base(localPath))
}

// ExportFile uploads localPath as a CSV object and returns its gs:// URI.
func (e *Exporter) ExportFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()
	return e.PutObject(ctx, e.ObjectName(localPath), "text/csv", f)
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (e *Exporter) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("object name is required")
	}
	writer := e.client.Bucket(e.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", e.bucket, name), nil
}
