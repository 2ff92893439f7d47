// Package storage holds the S3-compatible object store used for avatar
// uploads. The server never proxies file bytes; clients upload straight to
// the bucket through presigned URLs.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AvatarStorage wraps an S3-compatible bucket (AWS S3, Cloudflare R2, minio)
// for avatar objects.
type AvatarStorage struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	publicURL string
}

// NewAvatarStorage creates the storage client. endpoint may be empty for
// plain AWS S3; publicURL is the base the stored avatar_url is built from.
func NewAvatarStorage(endpoint, region, accessKeyID, secretAccessKey, bucket, publicURL string) (*AvatarStorage, error) {
	if accessKeyID == "" || secretAccessKey == "" || bucket == "" {
		return nil, fmt.Errorf("avatar storage configuration incomplete")
	}
	if region == "" {
		region = "auto"
	}

	creds := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")

	opts := s3.Options{
		Region:      region,
		Credentials: creds,
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	client := s3.New(opts)

	return &AvatarStorage{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// PresignAvatarUpload returns a presigned PUT URL for the avatar object of
// one user, plus the public URL the avatar will be served from.
func (s *AvatarStorage) PresignAvatarUpload(ctx context.Context, userID, contentType string, expiry time.Duration) (uploadURL, avatarURL string, err error) {
	key := fmt.Sprintf("avatars/%s", userID)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}
	request, err := s.presigner.PresignPutObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", "", fmt.Errorf("presign avatar upload: %w", err)
	}

	return request.URL, fmt.Sprintf("%s/%s", s.publicURL, key), nil
}

// DeleteAvatar removes a user's avatar object.
func (s *AvatarStorage) DeleteAvatar(ctx context.Context, userID string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fmt.Sprintf("avatars/%s", userID)),
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("delete avatar object: %w", err)
	}
	return nil
}
