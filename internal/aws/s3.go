package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tinyrange/vminit/internal/fetch"
)

// S3Client fetches objects for volumes and environment variables.
type S3Client struct {
	client *s3.Client
}

// NewS3Client returns a client using the given configuration.
func NewS3Client(cfg aws.Config) *S3Client {
	return &S3Client{client: s3.NewFromConfig(cfg)}
}

// GetObjectBytes downloads a single object.
func (c *S3Client) GetObjectBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get object at s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// GetObjectMap downloads a single object and decodes it as a JSON string
// map.
func (c *S3Client) GetObjectMap(ctx context.Context, bucket, key string) (map[string]string, error) {
	buf, err := c.GetObjectBytes(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("unable to decode s3://%s/%s as a map: %w", bucket, key, err)
	}
	return m, nil
}

// GetObjectList lists every object under a key prefix as fetchable items.
// Folder placeholder objects (keys ending in "/") are skipped. When a key
// equals the prefix exactly, the item's name is empty so it lands on the
// destination path itself.
func (c *S3Client) GetObjectList(ctx context.Context, bucket, keyPrefix string) ([]fetch.Item, error) {
	var items []fetch.Item
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to list objects at s3://%s/%s: %w", bucket, keyPrefix, err)
		}
		for _, object := range page.Contents {
			if object.Key == nil {
				continue
			}
			key := *object.Key
			if strings.HasSuffix(key, "/") {
				continue
			}
			if !strings.HasPrefix(key, keyPrefix) {
				continue
			}
			items = append(items, fetch.Item{
				Name: key[len(keyPrefix):],
				Body: &lazyObject{client: c, bucket: bucket, key: key},
			})
		}
	}
	if items == nil {
		return nil, fmt.Errorf("no objects found at s3://%s/%s", bucket, keyPrefix)
	}
	return items, nil
}

// lazyObject downloads its object on first read so listing a large prefix
// does not hold every body open at once.
type lazyObject struct {
	client *S3Client
	bucket string
	key    string
	body   io.ReadCloser
}

func (o *lazyObject) Read(p []byte) (int, error) {
	if o.body == nil {
		out, err := o.client.client.GetObject(context.Background(), &s3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(o.key),
		})
		if err != nil {
			return 0, fmt.Errorf("unable to download s3://%s/%s: %w", o.bucket, o.key, err)
		}
		o.body = out.Body
	}
	n, err := o.body.Read(p)
	if err == io.EOF {
		o.body.Close()
	}
	return n, err
}
