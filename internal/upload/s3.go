package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// permanentS3Codes are API error codes that a retry cannot fix.
var permanentS3Codes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"AccountProblem":        true,
	"InvalidBucketName":     true,
}

// S3 uploads artifacts to an S3 bucket through the multipart upload
// manager, which handles large video files in chunks.
type S3 struct {
	uploader *manager.Uploader
	bucket   string
	logger   *slog.Logger
}

type S3Options struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func NewS3(opts S3Options, logger *slog.Logger) *S3 {
	client := s3.New(s3.Options{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
	})
	return &S3{
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		logger:   logger,
	}
}

func (u *S3) Name() string {
	return "s3"
}

func (u *S3) Upload(ctx context.Context, artifactPath, objectName string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return &Error{Permanent: true, Err: fmt.Errorf("open artifact: %w", err)}
	}
	defer f.Close()

	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(objectName),
		Body:   f,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && permanentS3Codes[apiErr.ErrorCode()] {
			return &Error{Permanent: true, Err: err}
		}
		return &Error{Err: err}
	}

	u.logger.Info("uploaded artifact to S3", "bucket", u.bucket, "object", objectName)
	return nil
}
