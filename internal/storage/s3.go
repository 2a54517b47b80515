package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/driftline/uploadd/pkg/config"
	"github.com/rs/zerolog/log"
)

// S3ObjectStore implements ObjectStore on top of S3 multipart uploads.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
}

// NewS3ObjectStore creates an S3-backed object store from configuration
func NewS3ObjectStore(ctx context.Context, cfg *config.StorageConfig) (*S3ObjectStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Msg("s3 object store initialized")

	return &S3ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

// BeginUpload starts a multipart upload for the destination key
func (s *S3ObjectStore) BeginUpload(ctx context.Context, destinationKey string) (*UploadHandle, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(destinationKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart upload: %w", err)
	}

	return &UploadHandle{
		Key:      destinationKey,
		UploadID: aws.ToString(out.UploadId),
	}, nil
}

// AppendPart uploads one part of the multipart upload
func (s *S3ObjectStore) AppendPart(ctx context.Context, handle *UploadHandle, partNumber int, r io.Reader, size int64) (*PartRef, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(handle.Key),
		UploadId:      aws.String(handle.UploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          io.LimitReader(r, size),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}

	return &PartRef{
		Number: partNumber,
		ETag:   aws.ToString(out.ETag),
	}, nil
}

// Finalize completes the multipart upload
func (s *S3ObjectStore) Finalize(ctx context.Context, handle *UploadHandle, parts []*PartRef) (string, error) {
	sorted := make([]*PartRef, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	completed := make([]s3types.CompletedPart, 0, len(sorted))
	for _, part := range sorted {
		completed = append(completed, s3types.CompletedPart{
			PartNumber: aws.Int32(int32(part.Number)),
			ETag:       aws.String(part.ETag),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(handle.Key),
		UploadId: aws.String(handle.UploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	log.Info().
		Str("bucket", s.bucket).
		Str("key", handle.Key).
		Str("etag", aws.ToString(out.ETag)).
		Int("parts", len(completed)).
		Msg("multipart upload completed")

	return fmt.Sprintf("s3://%s/%s", s.bucket, handle.Key), nil
}

// Abort cancels the multipart upload
func (s *S3ObjectStore) Abort(ctx context.Context, handle *UploadHandle) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(handle.Key),
		UploadId: aws.String(handle.UploadID),
	})
	if err != nil {
		// The upload may already be gone; aborting twice is not a failure.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload" {
			return nil
		}
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}
