package outputs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"transcript-notes-pipeline/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Writer is the default write_outputs collaborator: it composes the notes
// markdown and stores it locally or in S3, returning the artifact location.
type Writer struct {
	log  *logrus.Logger
	dest uploader
}

// NewWriter chooses the destination: S3 when a bucket is configured,
// otherwise the local output directory.
func NewWriter(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Writer, error) {
	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return &Writer{
			log:  log,
			dest: &s3Uploader{client: s3.NewFromConfig(awsCfg), bucket: cfg.S3Bucket},
		}, nil
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{log: log, dest: &localUploader{baseDir: cfg.OutputDir}}, nil
}

// WriteNotes composes and stores the markdown for one video.
func (w *Writer) WriteNotes(ctx context.Context, videoID, title, notes, assessment string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Video: %s\nGenerated: %s\n\n", videoID, time.Now().UTC().Format(time.RFC3339))
	b.WriteString(notes)
	if assessment != "" {
		b.WriteString("\n\n## Assessment\n\n")
		b.WriteString(assessment)
	}
	b.WriteString("\n")

	key := fmt.Sprintf("notes/%s.md", videoID)
	location, err := w.dest.Upload(ctx, key, []byte(b.String()), "text/markdown")
	if err != nil {
		return "", fmt.Errorf("store notes for %s: %w", videoID, err)
	}
	w.log.WithFields(logrus.Fields{"video_id": videoID, "location": location}).Debug("notes written")
	return location, nil
}

type localUploader struct {
	baseDir string
}

func (u *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(u.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
