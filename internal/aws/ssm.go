package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/tinyrange/vminit/internal/fetch"
)

// SsmClient fetches systems-manager parameters.
type SsmClient struct {
	client *ssm.Client
}

// NewSsmClient returns a client using the given configuration.
func NewSsmClient(cfg aws.Config) *SsmClient {
	return &SsmClient{client: ssm.NewFromConfig(cfg)}
}

// GetParameterValue returns the decrypted value of a single parameter.
func (c *SsmClient) GetParameterValue(ctx context.Context, path string) ([]byte, error) {
	parameter, err := c.getParameter(ctx, path)
	if err != nil {
		return nil, err
	}
	if parameter.Value == nil {
		return nil, fmt.Errorf("value of SSM parameter at path %s not found", path)
	}
	return []byte(*parameter.Value), nil
}

// GetParameterMap returns a single parameter decoded as a JSON string map.
func (c *SsmClient) GetParameterMap(ctx context.Context, path string) (map[string]string, error) {
	buf, err := c.GetParameterValue(ctx, path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("unable to decode SSM parameter %s as a map: %w", path, err)
	}
	return m, nil
}

// GetParameterList returns every parameter under a path as fetchable
// items. A path-style coordinate (leading "/") is listed recursively; when
// that yields nothing, or for a bare name, the single parameter is fetched
// with an empty item name.
func (c *SsmClient) GetParameterList(ctx context.Context, path string) ([]fetch.Item, error) {
	var parameters []types.Parameter
	if strings.HasPrefix(path, "/") {
		listed, err := c.getParametersByPath(ctx, path)
		if err != nil {
			return nil, err
		}
		parameters = listed
	}
	if len(parameters) == 0 {
		parameter, err := c.getParameter(ctx, path)
		if err != nil {
			return nil, err
		}
		parameters = append(parameters, parameter)
	}

	items := make([]fetch.Item, 0, len(parameters))
	for _, parameter := range parameters {
		if parameter.Name == nil || parameter.Value == nil {
			continue
		}
		name := strings.TrimPrefix(*parameter.Name, path)
		items = append(items, fetch.Item{
			Name:   name,
			Secret: true,
			Body:   strings.NewReader(*parameter.Value),
		})
	}
	return items, nil
}

func (c *SsmClient) getParametersByPath(ctx context.Context, path string) ([]types.Parameter, error) {
	var parameters []types.Parameter
	paginator := ssm.NewGetParametersByPathPaginator(c.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(path),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to get SSM parameters at path %s: %w", path, err)
		}
		parameters = append(parameters, page.Parameters...)
	}
	return parameters, nil
}

func (c *SsmClient) getParameter(ctx context.Context, path string) (types.Parameter, error) {
	out, err := c.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return types.Parameter{}, fmt.Errorf("unable to get SSM parameter %s: %w", path, err)
	}
	if out.Parameter == nil {
		return types.Parameter{}, fmt.Errorf("no SSM parameter at path %s", path)
	}
	return *out.Parameter, nil
}
