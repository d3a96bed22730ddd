package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ts03085781/silent-letter/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchiverWritesUserDocument(t *testing.T) {
	fake := &fakePutter{}
	a := newS3Archiver(fake, "letters", "retention")
	a.now = func() time.Time { return time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC) }

	sent := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	user := &models.User{ID: "u1", AnonymousID: "BraveFox12"}
	msgs := []*models.Message{{
		ID: "m1", SenderID: "u1", ReceiverID: "u2", Content: "hello",
		SentAt: sent, Replies: []models.Reply{{Content: "hi", RepliedAt: sent.Add(time.Minute)}},
	}}

	require.NoError(t, a.ArchiveUser(context.Background(), user, msgs))

	assert.Equal(t, "letters", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "retention/2026/05/01/u1.json", aws.ToString(fake.input.Key))
	assert.Equal(t, "application/json", aws.ToString(fake.input.ContentType))

	var doc Document
	require.NoError(t, json.Unmarshal(fake.body, &doc))
	assert.Equal(t, "BraveFox12", doc.AnonymousID)
	require.Len(t, doc.Messages, 1)
	assert.Equal(t, "hello", doc.Messages[0].Content)
	require.Len(t, doc.Messages[0].Replies, 1)
	assert.Equal(t, "2026-03-01T10:01:00.000Z", doc.Messages[0].Replies[0].RepliedAt)
}

func TestS3ArchiverPropagatesUploadError(t *testing.T) {
	a := newS3Archiver(&fakePutter{err: errors.New("boom")}, "letters", "")
	err := a.ArchiveUser(context.Background(), &models.User{ID: "u1"}, nil)
	assert.ErrorContains(t, err, "boom")
}
