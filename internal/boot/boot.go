// Package boot drives the machine from kernel hand-off to a running
// workload: kernel filesystems, device links, networking, the boot spec,
// storage, environment, and finally either an exec of the workload or the
// supervisor.
package boot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"

	"github.com/tinyrange/vminit/internal/aws"
	"github.com/tinyrange/vminit/internal/blockdev"
	"github.com/tinyrange/vminit/internal/container"
	"github.com/tinyrange/vminit/internal/grow"
	"github.com/tinyrange/vminit/internal/netinit"
	"github.com/tinyrange/vminit/internal/paths"
	"github.com/tinyrange/vminit/internal/uevent"
	"github.com/tinyrange/vminit/internal/vmspec"
)

// bootContext carries the state threaded through the boot steps. The AWS
// service clients are created on first use: a boot that declares no
// external sources never needs them.
type bootContext struct {
	imds *aws.ImdsClient
	spec *vmspec.VmSpec

	awsConfig *awssdk.Config
	s3Client  *aws.S3Client
	ssmClient *aws.SsmClient
	asmClient *aws.AsmClient
	ec2Client *aws.Ec2Client
}

func (b *bootContext) config(ctx context.Context) (awssdk.Config, error) {
	if b.awsConfig == nil {
		region, err := b.imds.GetRegion(ctx)
		if err != nil {
			return awssdk.Config{}, fmt.Errorf("unable to get region from IMDS: %w", err)
		}
		slog.Debug("resolved region", slog.String("region", region))
		cfg, err := aws.LoadConfig(ctx, region)
		if err != nil {
			return awssdk.Config{}, err
		}
		b.awsConfig = &cfg
	}
	return *b.awsConfig, nil
}

func (b *bootContext) s3(ctx context.Context) (*aws.S3Client, error) {
	if b.s3Client == nil {
		cfg, err := b.config(ctx)
		if err != nil {
			return nil, err
		}
		b.s3Client = aws.NewS3Client(cfg)
	}
	return b.s3Client, nil
}

func (b *bootContext) ssm(ctx context.Context) (*aws.SsmClient, error) {
	if b.ssmClient == nil {
		cfg, err := b.config(ctx)
		if err != nil {
			return nil, err
		}
		b.ssmClient = aws.NewSsmClient(cfg)
	}
	return b.ssmClient, nil
}

func (b *bootContext) asm(ctx context.Context) (*aws.AsmClient, error) {
	if b.asmClient == nil {
		cfg, err := b.config(ctx)
		if err != nil {
			return nil, err
		}
		b.asmClient = aws.NewAsmClient(cfg)
	}
	return b.asmClient, nil
}

func (b *bootContext) ec2(ctx context.Context) (*aws.Ec2Client, error) {
	if b.ec2Client == nil {
		cfg, err := b.config(ctx)
		if err != nil {
			return nil, err
		}
		b.ec2Client = aws.NewEc2Client(cfg)
	}
	return b.ec2Client, nil
}

// Run executes the boot sequence. It returns only when the workload and
// all services have exited (or immediately with an error); in replace-init
// mode it does not return at all on success.
func Run(ctx context.Context) error {
	if err := executeBaseMounts(); err != nil {
		return err
	}
	if err := executeBaseLinks(); err != nil {
		return err
	}
	if err := uevent.Start(blockdev.LinkDevice); err != nil {
		return err
	}
	if err := blockdev.LinkDevices(); err != nil {
		return err
	}

	b := &bootContext{imds: aws.NewImdsClient()}
	if err := netinit.Initialize(ctx, b.imds); err != nil {
		return fmt.Errorf("unable to initialize network: %w", err)
	}

	userDataRaw, err := b.imds.GetUserData(ctx)
	if err != nil {
		return fmt.Errorf("unable to get user data: %w", err)
	}
	userData, err := vmspec.ParseUserData(userDataRaw)
	if err != nil {
		return err
	}
	setLogLevel(userData != nil && userData.Debug != nil && *userData.Debug)

	configFile, err := readConfigFile(paths.Metadata)
	if err != nil {
		return fmt.Errorf("unable to read image config file %s: %w", paths.Metadata, err)
	}
	spec, err := vmspec.FromConfigFile(configFile)
	if err != nil {
		return fmt.Errorf("unable to configure instance: %w", err)
	}
	spec.MergeUserData(userData)
	b.spec = spec

	if err := spec.SetSysctls(paths.Root); err != nil {
		return err
	}
	if err := grow.ResizeRootVolume(); err != nil {
		return fmt.Errorf("unable to resize root volume: %w", err)
	}
	if err := b.handleVolumes(ctx); err != nil {
		return err
	}

	env, err := b.resolveEnv(ctx)
	if err != nil {
		return fmt.Errorf("unable to resolve environment variables from external sources: %w", err)
	}
	command, err := spec.FullCommand(env)
	if err != nil {
		return err
	}
	slog.Debug("resolved workload command", slog.Any("command", command))

	if err := spec.RunInitScripts(env); err != nil {
		return err
	}

	if spec.ReplaceInit {
		return replaceInit(spec, command, env)
	}
	return b.supervise(ctx, command, env)
}

func setLogLevel(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func readConfigFile(p string) (*container.ConfigFile, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var configFile container.ConfigFile
	if err := json.NewDecoder(f).Decode(&configFile); err != nil {
		return nil, err
	}
	return &configFile, nil
}

// replaceInit hands the machine to the workload directly: no supervisor,
// no services. On success execve does not return.
func replaceInit(spec *vmspec.VmSpec, command []string, env vmspec.NameValues) error {
	if len(command) == 0 {
		return fmt.Errorf("command is empty")
	}
	if spec.Security.ReadonlyRootFS {
		if err := remountRootReadonly(); err != nil {
			return err
		}
	}
	if err := os.Chdir(spec.WorkingDir); err != nil {
		return fmt.Errorf("unable to chdir to %s: %w", spec.WorkingDir, err)
	}
	if err := syscall.Setgid(int(spec.Security.RunAsGroupID)); err != nil {
		return fmt.Errorf("unable to setgid to %d: %w", spec.Security.RunAsGroupID, err)
	}
	if err := syscall.Setuid(int(spec.Security.RunAsUserID)); err != nil {
		return fmt.Errorf("unable to setuid to %d: %w", spec.Security.RunAsUserID, err)
	}
	if err := syscall.Exec(command[0], command, env.ToStrings()); err != nil {
		return fmt.Errorf("unable to run command: %w", err)
	}
	return nil
}
