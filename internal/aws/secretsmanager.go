package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/tinyrange/vminit/internal/fetch"
)

// AsmClient fetches secrets-manager secrets.
type AsmClient struct {
	client *secretsmanager.Client
}

// NewAsmClient returns a client using the given configuration.
func NewAsmClient(cfg aws.Config) *AsmClient {
	return &AsmClient{client: secretsmanager.NewFromConfig(cfg)}
}

// GetSecretValue returns the secret body. String secrets and binary
// secrets are both supported.
func (c *AsmClient) GetSecretValue(ctx context.Context, secretID string) ([]byte, error) {
	out, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get secret %s: %w", secretID, err)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	return nil, fmt.Errorf("secret %s has no value", secretID)
}

// GetSecretMap returns the secret decoded as a JSON string map, the usual
// shape for key/value secrets.
func (c *AsmClient) GetSecretMap(ctx context.Context, secretID string) (map[string]string, error) {
	buf, err := c.GetSecretValue(ctx, secretID)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("unable to decode secret %s as a map: %w", secretID, err)
	}
	return m, nil
}

// GetSecretList returns the secret as a single unnamed item, so it lands
// on the volume destination itself.
func (c *AsmClient) GetSecretList(ctx context.Context, secretID string) ([]fetch.Item, error) {
	buf, err := c.GetSecretValue(ctx, secretID)
	if err != nil {
		return nil, err
	}
	return []fetch.Item{{Secret: true, Body: bytes.NewReader(buf)}}, nil
}
