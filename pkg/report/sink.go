package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
)

// FileSink writes the report to a local path. The file is replaced
// atomically so readers never see a partial report.
type FileSink struct {
	Path string
}

func (f FileSink) Name() string {
	return "file:" + f.Path
}

func (f FileSink) Write(_ context.Context, _ string, data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".replication-report-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}

// PutObjectAPI is the slice of the S3 client the S3 sink uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ PutObjectAPI = (*s3.Client)(nil)

// S3Sink uploads a copy of the report to S3, one object per run.
type S3Sink struct {
	Bucket   string
	Prefix   string
	KMSKeyID string

	client PutObjectAPI
}

// NewS3Sink creates an S3 sink using the given client.
func NewS3Sink(client PutObjectAPI, bucket, prefix, kmsKeyID string) *S3Sink {
	return &S3Sink{
		Bucket:   bucket,
		Prefix:   prefix,
		KMSKeyID: kmsKeyID,
		client:   client,
	}
}

func (s *S3Sink) Name() string {
	return fmt.Sprintf("s3://%s/%s", s.Bucket, strings.TrimSuffix(s.Prefix, "/"))
}

// keyPath returns the full S3 key for a run's report
func (s *S3Sink) keyPath(runID string) string {
	prefix := s.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return fmt.Sprintf("%sreplication-report-%s.json", prefix, runID)
}

func (s *S3Sink) Write(ctx context.Context, runID string, data []byte) error {
	key := s.keyPath(runID)
	l := log.WithFields(log.Fields{
		"action": "S3Sink.Write",
		"bucket": s.Bucket,
		"key":    key,
	})
	l.Debug("Uploading report to S3")

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}

	if s.KMSKeyID != "" {
		input.ServerSideEncryption = "aws:kms"
		input.SSEKMSKeyId = aws.String(s.KMSKeyID)
	} else {
		input.ServerSideEncryption = "AES256"
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}
