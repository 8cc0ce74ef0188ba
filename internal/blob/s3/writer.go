package s3blob

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Writer uploads objects under a key prefix of the client's bucket.
type Writer struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewWriter returns a writer that stores every object under prefix.
func NewWriter(c *Client, prefix string) *Writer {
	return &Writer{client: c.s3, bucket: c.bucket, prefix: prefix}
}

// Put uploads data as a single PutObject request. Snapshots are small enough
// that multipart uploads are never needed.
func (w *Writer) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	full := w.Key(key)
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(full),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", full, err)
	}
	return nil
}

// Key returns the object key key is stored under.
func (w *Writer) Key(key string) string {
	if w.prefix == "" {
		return key
	}
	return path.Join(w.prefix, key)
}
