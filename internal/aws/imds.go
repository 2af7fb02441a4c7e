// Package aws wraps the handful of AWS calls the boot pipeline depends
// on behind small clients with synchronous, byte-oriented interfaces. The
// rest of the system treats these as opaque fetchers.
package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/tinyrange/vminit/internal/backoff"
)

// ImdsClient talks to the instance metadata service.
type ImdsClient struct {
	client *imds.Client
}

// NewImdsClient returns a client for the link-local metadata endpoint.
func NewImdsClient() *ImdsClient {
	return &ImdsClient{client: imds.New(imds.Options{})}
}

// GetUserData returns the instance user data, or "" when none was set.
func (c *ImdsClient) GetUserData(ctx context.Context) (string, error) {
	out, err := c.client.GetUserData(ctx, &imds.GetUserDataInput{})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get user data: %w", err)
	}
	defer out.Content.Close()
	buf, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("failed to read user data: %w", err)
	}
	return string(buf), nil
}

// GetMetadata returns the metadata value at the given path.
func (c *ImdsClient) GetMetadata(ctx context.Context, path string) (string, error) {
	out, err := c.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", fmt.Errorf("failed to get %s from IMDS: %w", path, err)
	}
	defer out.Content.Close()
	buf, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("failed to read %s from IMDS: %w", path, err)
	}
	return string(buf), nil
}

// GetSshKey returns the instance's public SSH key, or "" when none exists.
func (c *ImdsClient) GetSshKey(ctx context.Context) (string, error) {
	key, err := c.GetMetadata(ctx, "public-keys/0/openssh-key")
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return key, nil
}

// GetRegion returns the region the instance runs in.
func (c *ImdsClient) GetRegion(ctx context.Context) (string, error) {
	out, err := c.client.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get region from IMDS: %w", err)
	}
	return out.Region, nil
}

// WaitFor polls the metadata service until it answers or the timeout
// elapses. Used right after bootstrap networking comes up.
func (c *ImdsClient) WaitFor(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	wait := backoff.New(2 * time.Second)
	for {
		_, err := c.GetMetadata(ctx, "instance-id")
		if err == nil {
			return nil
		}
		if time.Since(start) >= timeout {
			return fmt.Errorf("failed to wait for IMDS: %w", err)
		}
		wait.Wait()
	}
}

// IsNotFound reports whether err is an HTTP 404 from the metadata service,
// which marks an absent key rather than a failure.
func (c *ImdsClient) IsNotFound(err error) bool {
	return isNotFound(err)
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
