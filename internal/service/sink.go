package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"

	"github.com/reidlabs/gauge/internal/model"
)

// Sink consumes the rendered findings of one audit.
type Sink interface {
	Publish(ctx context.Context, audit string, findings []byte) error
}

// SinkCloser is a Sink holding resources that need a teardown.
type SinkCloser interface {
	Sink
	Close() error
}

func sinks(ctx context.Context, cfg model.Service) ([]Sink, error) {
	if cfg.Dir == "" && cfg.Bucket == "" {
		return []Sink{NewWriteSink(os.Stdout)}, nil
	}
	var out []Sink
	if cfg.Dir != "" {
		s, err := NewDirSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initializing storage client: %w", err)
		}
		out = append(out, NewBucketSink(client, cfg.Bucket))
	}
	return out, nil
}

// WriteSink streams findings to a single writer, typically stdout.
type WriteSink struct {
	w io.Writer
}

func NewWriteSink(w io.Writer) WriteSink {
	return WriteSink{w: w}
}

func (s WriteSink) Publish(_ context.Context, _ string, findings []byte) error {
	if s.w == nil {
		s.w = os.Stdout
	}
	_, err := s.w.Write(findings)
	return err
}

// DirSink drops one file per audit run under a directory, never escaping it.
type DirSink struct {
	root *os.Root
}

func NewDirSink(path string) (*DirSink, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirSink{root: root}, nil
}

func (s *DirSink) Publish(ctx context.Context, audit string, findings []byte) error {
	if s.root == nil {
		return errors.New("sink already closed")
	}

	path := findingsName(audit)
	f, err := s.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating findings file: %w", err)
	}
	_, err = f.Write(findings)
	if err != nil {
		return fmt.Errorf("saving findings: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing findings file: %w", err)
	}
	slog.InfoContext(ctx, "findings saved", "path", path)
	return nil
}

func (s *DirSink) Close() error {
	if s.root == nil {
		return errors.New("sink already closed")
	}
	err := s.root.Close()
	s.root = nil
	return err
}

// BucketSink saves findings as objects in a cloud storage bucket.
type BucketSink struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func NewBucketSink(client *storage.Client, bucket string) *BucketSink {
	return &BucketSink{client: client, bucket: client.Bucket(bucket)}
}

func (s *BucketSink) Publish(ctx context.Context, audit string, findings []byte) error {
	obj := s.bucket.Object(findingsName(audit))
	w := obj.NewWriter(ctx)
	if _, err := w.Write(findings); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing findings object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("saving findings object: %w", err)
	}
	slog.InfoContext(ctx, "findings saved", "bucket", s.bucket.BucketName(), "object", obj.ObjectName())
	return nil
}

func (s *BucketSink) Close() error {
	return s.client.Close()
}

func findingsName(audit string) string {
	return fmt.Sprintf("gauge-%s-%s.txt", audit, time.Now().UTC().Format("2006-01-02-15-04-05"))
}
