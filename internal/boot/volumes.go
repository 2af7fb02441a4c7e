package boot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/backoff"
	"github.com/tinyrange/vminit/internal/blockdev"
	"github.com/tinyrange/vminit/internal/fetch"
	"github.com/tinyrange/vminit/internal/fsx"
	"github.com/tinyrange/vminit/internal/paths"
	"github.com/tinyrange/vminit/internal/vmspec"
)

const defaultDeviceTimeout = 300 * time.Second

// handleVolumes materializes every declared volume in order.
func (b *bootContext) handleVolumes(ctx context.Context) error {
	for _, volume := range b.spec.Volumes {
		switch {
		case volume.Ebs != nil:
			if err := b.handleEbsVolume(ctx, volume.Ebs); err != nil {
				return err
			}
		case volume.S3 != nil:
			if err := b.handleS3Volume(ctx, volume.S3); err != nil {
				return err
			}
		case volume.SecretsManager != nil:
			if err := b.handleSecretsManagerVolume(ctx, volume.SecretsManager); err != nil {
				return err
			}
		case volume.Ssm != nil:
			if err := b.handleSsmVolume(ctx, volume.Ssm); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *bootContext) handleEbsVolume(ctx context.Context, volume *vmspec.EbsVolumeSource) error {
	slog.Info("handling EBS volume", slog.String("device", volume.Device))

	if volume.Device == "" {
		return fmt.Errorf("volume must have a device")
	}
	if volume.FsType == "" {
		return fmt.Errorf("volume must have a filesystem type")
	}
	if volume.Mount.Destination == "" {
		return fmt.Errorf("volume must have a mount point")
	}

	timeout := defaultDeviceTimeout
	if volume.Attachment != nil {
		if volume.Attachment.Timeout != nil {
			timeout = time.Duration(*volume.Attachment.Timeout) * time.Second
		}
		availabilityZone, err := b.imds.GetMetadata(ctx, "placement/availability-zone")
		if err != nil {
			return err
		}
		instanceID, err := b.imds.GetMetadata(ctx, "instance-id")
		if err != nil {
			return err
		}
		ec2Client, err := b.ec2(ctx)
		if err != nil {
			return err
		}
		err = ec2Client.EnsureVolumeAttached(ctx, volume.Attachment, volume.Device,
			strings.TrimSpace(availabilityZone), strings.TrimSpace(instanceID))
		if err != nil {
			return err
		}
	}

	if err := waitForDevice(volume.Device, timeout); err != nil {
		return err
	}

	mode, err := fsx.ParseMode(volume.Mount.Mode)
	if err != nil {
		return err
	}
	if err := fsx.MkdirAll(volume.Mount.Destination, mode); err != nil {
		return err
	}
	if err := os.Chown(volume.Mount.Destination,
		int(*volume.Mount.UserID), int(*volume.Mount.GroupID)); err != nil {
		return fmt.Errorf("unable to change ownership of %s: %w", volume.Mount.Destination, err)
	}

	if err := tryMkfs(volume.Device, volume.FsType); err != nil {
		return err
	}

	err = unix.Mount(volume.Device, volume.Mount.Destination, volume.FsType, 0,
		strings.Join(volume.Mount.Options, ","))
	if err != nil {
		return fmt.Errorf("unable to mount %s on %s: %w",
			volume.Device, volume.Mount.Destination, err)
	}
	slog.Info("mounted volume",
		slog.String("device", volume.Device), slog.String("target", volume.Mount.Destination))
	return nil
}

// waitForDevice polls for the device node to appear. Hot-attached volumes
// surface asynchronously via the uevent listener.
func waitForDevice(device string, timeout time.Duration) error {
	start := time.Now()
	wait := backoff.New(2 * time.Second)
	for {
		if _, err := os.Stat(device); err == nil {
			return nil
		}
		if time.Since(start) >= timeout {
			return fmt.Errorf("timeout waiting for device %s to appear", device)
		}
		wait.Wait()
	}
}

// tryMkfs creates a filesystem on the device if it has none.
func tryMkfs(device, fsType string) error {
	hasFs, err := blockdev.HasFilesystem(device)
	if err != nil {
		return fmt.Errorf("unable to check if %s has a filesystem: %w", device, err)
	}
	if hasFs {
		return nil
	}
	mkfs := filepath.Join(paths.Sbin, "mkfs."+fsType)
	if _, err := os.Stat(mkfs); os.IsNotExist(err) {
		return fmt.Errorf("unsupported filesystem %s for %s", fsType, device)
	} else if err != nil {
		return fmt.Errorf("unable to stat %s: %w", mkfs, err)
	}
	out, err := exec.Command(mkfs, device).CombinedOutput()
	if err != nil {
		return fmt.Errorf("unable to create a filesystem on %s: %w: %s", device, err, out)
	}
	slog.Info("created filesystem", slog.String("device", device))
	return nil
}

func (b *bootContext) handleS3Volume(ctx context.Context, volume *vmspec.S3VolumeSource) error {
	s3URL := fmt.Sprintf("s3://%s/%s", volume.Bucket, volume.KeyPrefix)
	return fetch.Optionally(volume.Optional, s3URL, func() error {
		s3Client, err := b.s3(ctx)
		if err != nil {
			return err
		}
		items, err := s3Client.GetObjectList(ctx, volume.Bucket, volume.KeyPrefix)
		if err != nil {
			return err
		}
		return fetch.WriteAll(items, &volume.Mount)
	})
}

func (b *bootContext) handleSecretsManagerVolume(ctx context.Context,
	volume *vmspec.SecretsManagerVolumeSource) error {

	return fetch.Optionally(volume.Optional, volume.SecretID, func() error {
		asmClient, err := b.asm(ctx)
		if err != nil {
			return err
		}
		items, err := asmClient.GetSecretList(ctx, volume.SecretID)
		if err != nil {
			return err
		}
		return fetch.WriteAll(items, &volume.Mount)
	})
}

func (b *bootContext) handleSsmVolume(ctx context.Context, volume *vmspec.SsmVolumeSource) error {
	return fetch.Optionally(volume.Optional, volume.Path, func() error {
		ssmClient, err := b.ssm(ctx)
		if err != nil {
			return err
		}
		items, err := ssmClient.GetParameterList(ctx, volume.Path)
		if err != nil {
			return err
		}
		return fetch.WriteAll(items, &volume.Mount)
	})
}
