package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/tinyrange/vminit/internal/backoff"
	"github.com/tinyrange/vminit/internal/vmspec"
)

const defaultAttachTimeout = 300 * time.Second

// Ec2Client attaches block volumes declared by tag in the boot spec.
type Ec2Client struct {
	client *ec2.Client
}

// NewEc2Client returns a client using the given configuration.
func NewEc2Client(cfg aws.Config) *Ec2Client {
	return &Ec2Client{client: ec2.NewFromConfig(cfg)}
}

// EnsureVolumeAttached finds the volume matching the attachment's tags in
// this availability zone, waits for it to become available, and attaches
// it at the requested device. Attaching a volume that is already attached
// here is treated as success, so a rebooted instance converges.
func (c *Ec2Client) EnsureVolumeAttached(ctx context.Context, attachment *vmspec.EbsVolumeAttachment,
	device, availabilityZone, instanceID string) error {

	volumeID, err := c.waitForVolume(ctx, attachment, availabilityZone)
	if err != nil {
		return err
	}
	_, err = c.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(device),
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(volumeID),
	})
	if err != nil && !isAlreadyAttached(err) {
		return fmt.Errorf("unable to attach EBS volume %s: %w", volumeID, err)
	}
	return nil
}

func (c *Ec2Client) waitForVolume(ctx context.Context, attachment *vmspec.EbsVolumeAttachment,
	availabilityZone string) (string, error) {

	filters := []types.Filter{
		{Name: aws.String("status"), Values: []string{"available"}},
		{Name: aws.String("availability-zone"), Values: []string{availabilityZone}},
	}
	for _, tag := range attachment.Tags {
		if tag.Value == nil {
			filters = append(filters, types.Filter{
				Name:   aws.String("tag-key"),
				Values: []string{tag.Key},
			})
		} else {
			filters = append(filters, types.Filter{
				Name:   aws.String("tag:" + tag.Key),
				Values: []string{*tag.Value},
			})
		}
	}

	timeout := defaultAttachTimeout
	if attachment.Timeout != nil {
		timeout = time.Duration(*attachment.Timeout) * time.Second
	}
	start := time.Now()
	wait := backoff.New(5 * time.Second)
	for {
		out, err := c.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{Filters: filters})
		if err != nil {
			slog.Debug("error describing EBS volumes", slog.String("error", err.Error()))
		} else if len(out.Volumes) > 0 && out.Volumes[0].VolumeId != nil {
			volumeID := *out.Volumes[0].VolumeId
			slog.Debug("found matching EBS volume", slog.String("volume_id", volumeID))
			return volumeID, nil
		}
		if time.Since(start) > timeout {
			return "", fmt.Errorf("timeout waiting for EBS volume to be available")
		}
		slog.Debug("waiting for EBS volume to be available")
		wait.Wait()
	}
}

// isAlreadyAttached recognizes the error class the API returns when the
// volume is already attached to this instance at the same device.
func isAlreadyAttached(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "VolumeInUse", "IncorrectState":
			return true
		}
	}
	return false
}
