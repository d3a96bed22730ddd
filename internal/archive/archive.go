// Package archive stores the messages of users removed by the retention
// sweep before they are deleted from the primary store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/ts03085781/silent-letter/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Archiver persists a user's messages outside the primary store
type Archiver interface {
	ArchiveUser(ctx context.Context, user *models.User, messages []*models.Message) error
}

// Noop discards everything
type Noop struct{}

// ArchiveUser does nothing
func (Noop) ArchiveUser(context.Context, *models.User, []*models.Message) error { return nil }

// putter is the subset of the S3 client used here
type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds S3 archive settings
type Config struct {
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	// Endpoint points at an S3-compatible store such as MinIO; it enables
	// path-style addressing
	Endpoint string
}

// S3Archiver writes one JSON document per archived user
type S3Archiver struct {
	client putter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archiver creates an archiver from cfg. Static credentials are used
// when given, otherwise the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg Config) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 archive initialized")

	return newS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(client putter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Document is the archived form of one user
type Document struct {
	UserID      string               `json:"userId"`
	AnonymousID string               `json:"anonymousId"`
	ArchivedAt  string               `json:"archivedAt"`
	Messages    []models.MessageView `json:"messages"`
}

// Key returns the object key for a user archived at t
func (a *S3Archiver) Key(userID string, t time.Time) string {
	return path.Join(a.prefix, t.UTC().Format("2006/01/02"), userID+".json")
}

// ArchiveUser uploads the user and their messages as one JSON document
func (a *S3Archiver) ArchiveUser(ctx context.Context, user *models.User, messages []*models.Message) error {
	now := a.now()
	doc := Document{
		UserID:      user.ID,
		AnonymousID: user.AnonymousID,
		ArchivedAt:  models.FormatTime(now),
		Messages:    make([]models.MessageView, 0, len(messages)),
	}
	for _, m := range messages {
		doc.Messages = append(doc.Messages, models.NewMessageView(m))
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(user.ID, now)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	return nil
}
