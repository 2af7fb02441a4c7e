package boot

import (
	"context"
	"fmt"

	"github.com/tinyrange/vminit/internal/expand"
	"github.com/tinyrange/vminit/internal/fetch"
	"github.com/tinyrange/vminit/internal/paths"
	"github.com/tinyrange/vminit/internal/vmspec"
)

// resolveEnv materializes the workload environment: every env-from source
// is fetched, declared env values are expanded against both the declared
// and the fetched variables, and PATH is guaranteed.
func (b *bootContext) resolveEnv(ctx context.Context) (vmspec.NameValues, error) {
	var resolved vmspec.NameValues
	for _, source := range b.spec.EnvFrom {
		nvs, err := b.resolveEnvFrom(ctx, &source)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, nvs...)
	}

	mapping := expand.MappingFuncFor(b.spec.Env.ToMap(), resolved.ToMap())
	all := make(vmspec.NameValues, 0, len(b.spec.Env)+len(resolved))
	for _, nv := range b.spec.Env {
		all = append(all, vmspec.NameValue{
			Name:  nv.Name,
			Value: expand.Expand(nv.Value, mapping),
		})
	}
	all = append(all, resolved...)

	if _, ok := all.Find("PATH"); !ok {
		all = append(all, vmspec.NameValue{Name: "PATH", Value: paths.DefaultPath})
	}
	return all, nil
}

func (b *bootContext) resolveEnvFrom(ctx context.Context, source *vmspec.EnvFromSource) (vmspec.NameValues, error) {
	switch {
	case source.Imds != nil:
		return b.resolveImdsEnv(ctx, source.Imds)
	case source.S3 != nil:
		return b.resolveS3Env(ctx, source.S3)
	case source.SecretsManager != nil:
		return b.resolveSecretsManagerEnv(ctx, source.SecretsManager)
	case source.Ssm != nil:
		return b.resolveSsmEnv(ctx, source.Ssm)
	}
	return nil, fmt.Errorf("env-from source has no variant set")
}

func (b *bootContext) resolveImdsEnv(ctx context.Context, source *vmspec.ImdsEnvSource) (vmspec.NameValues, error) {
	var nvs vmspec.NameValues
	err := fetch.Optionally(source.Optional, "imds:"+source.Path, func() error {
		value, err := b.imds.GetMetadata(ctx, source.Path)
		if err != nil {
			return err
		}
		nvs = vmspec.NameValues{{Name: source.Name, Value: value}}
		return nil
	})
	return nvs, err
}

func (b *bootContext) resolveS3Env(ctx context.Context, source *vmspec.S3EnvSource) (vmspec.NameValues, error) {
	var nvs vmspec.NameValues
	s3URL := fmt.Sprintf("s3://%s/%s", source.Bucket, source.Key)
	err := fetch.Optionally(source.Optional, s3URL, func() error {
		s3Client, err := b.s3(ctx)
		if err != nil {
			return err
		}
		resolved, err := fetch.ResolveEnv(source.Name, source.Base64Encode,
			func() ([]byte, error) {
				return s3Client.GetObjectBytes(ctx, source.Bucket, source.Key)
			},
			func() (map[string]string, error) {
				return s3Client.GetObjectMap(ctx, source.Bucket, source.Key)
			})
		if err != nil {
			return err
		}
		nvs = resolved
		return nil
	})
	return nvs, err
}

func (b *bootContext) resolveSecretsManagerEnv(ctx context.Context,
	source *vmspec.SecretsManagerEnvSource) (vmspec.NameValues, error) {

	var nvs vmspec.NameValues
	err := fetch.Optionally(source.Optional, source.SecretID, func() error {
		asmClient, err := b.asm(ctx)
		if err != nil {
			return err
		}
		resolved, err := fetch.ResolveEnv(source.Name, source.Base64Encode,
			func() ([]byte, error) {
				return asmClient.GetSecretValue(ctx, source.SecretID)
			},
			func() (map[string]string, error) {
				return asmClient.GetSecretMap(ctx, source.SecretID)
			})
		if err != nil {
			return err
		}
		nvs = resolved
		return nil
	})
	return nvs, err
}

func (b *bootContext) resolveSsmEnv(ctx context.Context, source *vmspec.SsmEnvSource) (vmspec.NameValues, error) {
	var nvs vmspec.NameValues
	err := fetch.Optionally(source.Optional, source.Path, func() error {
		ssmClient, err := b.ssm(ctx)
		if err != nil {
			return err
		}
		resolved, err := fetch.ResolveEnv(source.Name, source.Base64Encode,
			func() ([]byte, error) {
				return ssmClient.GetParameterValue(ctx, source.Path)
			},
			func() (map[string]string, error) {
				return ssmClient.GetParameterMap(ctx, source.Path)
			})
		if err != nil {
			return err
		}
		nvs = resolved
		return nil
	})
	return nvs, err
}
