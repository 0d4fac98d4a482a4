// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/sentinel/services/telemetry"
)

var _ telemetry.Sink = (*GCSSink)(nil)

// ObjectWriterFunc opens a writer for the named object. Closing the writer
// commits the object.
type ObjectWriterFunc func(ctx context.Context, object string) io.WriteCloser

// GCSSink archives each batch as a newline-delimited JSON object in a
// Cloud Storage bucket, named <prefix>/<yyyy>/<mm>/<dd>/<batch id>.ndjson.
type GCSSink struct {
	prefix string
	open   ObjectWriterFunc
	client *storage.Client
}

// NewGCSSink creates a storage client and writes into bucket. An empty
// credentialsFile uses application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSSink, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	handle := client.Bucket(bucket)
	s := NewGCSSinkWithWriter(prefix, func(ctx context.Context, object string) io.WriteCloser {
		w := handle.Object(object).NewWriter(ctx)
		w.ContentType = "application/x-ndjson"
		return w
	})
	s.client = client
	return s, nil
}

// NewGCSSinkWithWriter writes objects through open.
func NewGCSSinkWithWriter(prefix string, open ObjectWriterFunc) *GCSSink {
	return &GCSSink{prefix: prefix, open: open}
}

func (s *GCSSink) Name() string { return "gcs" }

// ObjectName returns the object a batch is written to.
func (s *GCSSink) ObjectName(b telemetry.Batch) string {
	return path.Join(s.prefix, b.CreatedAt.UTC().Format("2006/01/02"), b.ID.String()+".ndjson")
}

func (s *GCSSink) Write(ctx context.Context, b telemetry.Batch) error {
	if len(b.Samples) == 0 {
		return nil
	}
	object := s.ObjectName(b)
	w := s.open(ctx, object)
	enc := json.NewEncoder(w)
	for _, smp := range b.Samples {
		if err := enc.Encode(smp); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to encode sample to GCS object %s: %w", object, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return nil
}

func (s *GCSSink) Flush(context.Context) error { return nil }

func (s *GCSSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
