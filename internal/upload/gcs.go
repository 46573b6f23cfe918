package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCS streams artifacts into a Google Cloud Storage bucket using a service
// account key file.
type GCS struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

func NewGCS(ctx context.Context, bucket, credentialsFile string, logger *slog.Logger) (*GCS, error) {
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

func (g *GCS) Name() string {
	return "gcs"
}

func (g *GCS) Upload(ctx context.Context, artifactPath, objectName string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return &Error{Permanent: true, Err: fmt.Errorf("open artifact: %w", err)}
	}
	defer f.Close()

	wc := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(wc, f); err != nil {
		wc.Close()
		return classifyGCS(err)
	}
	if err := wc.Close(); err != nil {
		return classifyGCS(err)
	}

	g.logger.Info("uploaded artifact to GCS", "bucket", g.bucket, "object", objectName)
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

// classifyGCS treats client errors (4xx) as permanent; server errors and
// anything network-shaped stay retryable.
func classifyGCS(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 {
		return &Error{Permanent: true, Err: err}
	}
	return &Error{Err: err}
}
