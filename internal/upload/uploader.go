// Package upload pushes finished artifacts to cloud storage. A processing
// job that reaches this stage has already succeeded; upload failures are
// tracked on their own and never undo that.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Uploader pushes one artifact to its destination under the given object
// name. Implementations classify failures via *Error so the dispatcher can
// retry transient ones under the shared policy.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, artifactPath, objectName string) error
}

// Error wraps an upload failure. Permanent failures (bad credentials,
// missing bucket) are not retried.
type Error struct {
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Permanent {
		return fmt.Sprintf("upload failed permanently: %v", e.Err)
	}
	return fmt.Sprintf("upload failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a non-retryable upload failure.
func IsPermanent(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Permanent
	}
	return false
}

// Stub is used when uploading is disabled; it records the request and
// reports success so jobs complete locally.
type Stub struct {
	logger *slog.Logger
}

func NewStub(logger *slog.Logger) *Stub {
	return &Stub{logger: logger}
}

func (s *Stub) Name() string {
	return "stub"
}

func (s *Stub) Upload(ctx context.Context, artifactPath, objectName string) error {
	s.logger.Info("upload stub: upload requested", "artifact", artifactPath, "object", objectName)
	return nil
}
