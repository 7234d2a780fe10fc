// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage routes artifact reads and writes to either the local
// filesystem or Google Cloud Storage, based on the output directory URL.
// Cloud paths authenticate through a service account key file when one is
// configured; local paths need no credentials.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// gcsPrefix marks a cloud object storage URL.
const gcsPrefix = "gs://"

// ErrNotFound is returned by Read when the named object does not exist,
// regardless of backend.
var ErrNotFound = errors.New("object not found")

// Store reads and writes named artifacts under a base location.
type Store interface {
	// Write stores data under name, creating intermediate directories for
	// local backends.
	Write(ctx context.Context, name string, data []byte) error

	// Read returns the contents of name, or ErrNotFound.
	Read(ctx context.Context, name string) ([]byte, error)

	// URL returns the full location of name, for logging.
	URL(name string) string
}

// IsCloudURL reports whether the URL points at object storage.
func IsCloudURL(url string) bool {
	return strings.HasPrefix(url, gcsPrefix)
}

// New returns a Store rooted at baseURL. A gs:// URL yields a GCS-backed
// store using the given credentials file (or application default credentials
// when empty); anything else is treated as a local directory.
func New(ctx context.Context, baseURL, credentialsFile string) (Store, error) {
	if IsCloudURL(baseURL) {
		return newGCSStore(ctx, baseURL, credentialsFile)
	}
	return &localStore{dir: baseURL}, nil
}

// Fetch is a one-shot read of a full URL, used for input datasets that may
// live outside the output directory.
func Fetch(ctx context.Context, url, credentialsFile string) ([]byte, error) {
	if IsCloudURL(url) {
		bucket, objectPath, err := splitGCSURL(url)
		if err != nil {
			return nil, err
		}
		client, err := newGCSClient(ctx, credentialsFile)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		return readGCSObject(ctx, client, bucket, objectPath)
	}
	data, err := os.ReadFile(url)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return data, nil
}

// --- Local backend ---

type localStore struct {
	dir string
}

func (s *localStore) Write(_ context.Context, name string, data []byte) error {
	target := filepath.Join(s.dir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create the output directory for %s: %w", target, err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

func (s *localStore) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

func (s *localStore) URL(name string) string {
	return filepath.Join(s.dir, name)
}

// --- GCS backend ---

type gcsStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSStore(ctx context.Context, baseURL, credentialsFile string) (*gcsStore, error) {
	bucket, prefix, err := splitGCSURL(baseURL)
	if err != nil {
		return nil, err
	}
	client, err := newGCSClient(ctx, credentialsFile)
	if err != nil {
		return nil, err
	}
	return &gcsStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func newGCSClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return client, nil
}

func (s *gcsStore) Write(ctx context.Context, name string, data []byte) error {
	objectPath := path.Join(s.prefix, name)
	writer := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("failed to write GCS object %s: %w", objectPath, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", objectPath, err)
	}
	return nil
}

func (s *gcsStore) Read(ctx context.Context, name string) ([]byte, error) {
	return readGCSObject(ctx, s.client, s.bucket, path.Join(s.prefix, name))
}

func (s *gcsStore) URL(name string) string {
	return gcsPrefix + path.Join(s.bucket, s.prefix, name)
}

func readGCSObject(ctx context.Context, client *storage.Client, bucket, objectPath string) ([]byte, error) {
	reader, err := client.Bucket(bucket).Object(objectPath).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", bucket, objectPath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", objectPath, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", objectPath, err)
	}
	return data, nil
}

func splitGCSURL(url string) (bucket, objectPath string, err error) {
	trimmed := strings.TrimPrefix(url, gcsPrefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid GCS URL %q: missing bucket", url)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		objectPath = parts[1]
	}
	return bucket, objectPath, nil
}
