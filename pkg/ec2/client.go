// pkg/ec2/client.go
package ec2

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	sbconfig "snapbucket/pkg/config"
	"snapbucket/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// 快照迁移标签的哨兵值
const (
	tagValueMigrate     = "migrate"
	tagValueCreated     = "created"
	tagValueTransferred = "transferred"
	tagValueRestore     = "restore-volume"
)

// attachDevice 是固定的本地挂载设备名。内核实际分配的名字
// (nvme 之类) 由 pkg/fs 按序列号解析，这里只是控制面的请求值。
const attachDevice = "/dev/sdk"

// 有界轮询预算。
// available 用短间隔 (创建通常很快)；attach/delete 给更长预算。
// var 而不是 const：测试里缩短间隔。
var (
	availableInterval = 10 * time.Second
	availableAttempts = 50
	stateInterval     = 15 * time.Second
	stateAttempts     = 40
)

// api 是本包用到的 EC2 客户端切面，测试里注入 fake。
type api interface {
	DescribeSnapshots(ctx context.Context, in *ec2.DescribeSnapshotsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	CreateVolume(ctx context.Context, in *ec2.CreateVolumeInput, opts ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, opts ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput, opts ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, in *ec2.DetachVolumeInput, opts ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, opts ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DeleteSnapshot(ctx context.Context, in *ec2.DeleteSnapshotInput, opts ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// Client 封装 EC2 控制面调用：卷的创建/挂载/卸载/删除、
// 快照的枚举和打标。
type Client struct {
	client     api
	tag        string
	volumeType ec2types.VolumeType
	iops       int32
	throughput int32
	identity   Identity
	verbose    int
}

func New(cfg aws.Config, s *sbconfig.Settings, identity Identity) *Client {
	return &Client{
		client:     ec2.NewFromConfig(cfg),
		tag:        s.Tag,
		volumeType: ec2types.VolumeType(s.VolumeType),
		iops:       s.IOPS,
		throughput: s.Throughput,
		identity:   identity,
		verbose:    s.Verbose,
	}
}

// Snapshots 枚举所有打了 tag:<tag>=migrate 的快照，带分页。
func (c *Client) Snapshots(ctx context.Context) ([]types.Snapshot, error) {
	filter := ec2types.Filter{
		Name:   aws.String("tag:" + c.tag),
		Values: []string{tagValueMigrate},
	}
	var snapshots []types.Snapshot
	var token *string
	for {
		out, err := c.client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
			Filters:   []ec2types.Filter{filter},
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe snapshots: %w", err)
		}
		for _, snap := range out.Snapshots {
			s := types.Snapshot{
				ID:         types.SnapshotID(aws.ToString(snap.SnapshotId)),
				Created:    aws.ToTime(snap.StartTime),
				VolumeSize: aws.ToInt32(snap.VolumeSize),
			}
			for _, t := range snap.Tags {
				if strings.EqualFold(aws.ToString(t.Key), "name") {
					s.Name = aws.ToString(t.Value)
					break
				}
			}
			snapshots = append(snapshots, s)
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	if c.verbose > 0 {
		fmt.Printf("Found %d snapshots\n", len(snapshots))
	}
	return snapshots, nil
}

// CreateVolume 从快照创建新卷并等到 available。
// 超时返回已创建的卷 ID 和 ErrResourceTimeout —— 补偿删除由编排方执行
// (卷归编排器独占所有，这里不私自回收)。
func (c *Client) CreateVolume(ctx context.Context, snap types.Snapshot) (types.VolumeID, error) {
	out, err := c.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: &c.identity.AvailabilityZone,
		Encrypted:        aws.Bool(false),
		SnapshotId:       aws.String(snap.ID.String()),
		VolumeType:       c.volumeType,
		Iops:             c.iopsOrNil(),
		Throughput:       c.throughputOrNil(),
		TagSpecifications: c.volumeTags(map[string]string{
			c.tag:  tagValueCreated,
			"Name": "snap-to-bucket-" + snap.ID.String(),
		}),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create volume from %q: %w", snap.ID, err)
	}
	id := types.VolumeID(aws.ToString(out.VolumeId))
	if c.verbose > 1 {
		fmt.Printf("Created %q volume\n", id)
	}
	if err := c.waitVolume(ctx, id, types.VolumeAvailable, availableInterval, availableAttempts); err != nil {
		return id, err
	}
	if c.verbose > 2 {
		fmt.Printf("Volume %q is ready\n", id)
	}
	return id, nil
}

// CreateEmptyVolume 创建一个空白卷用于恢复。
// 目标大小加 25% 余量 (文件系统开销)，最小 1 GiB。
func (c *Client) CreateEmptyVolume(ctx context.Context, sizeBytes int64) (types.VolumeID, error) {
	gib := math.Ceil(float64(sizeBytes)/(1024*1024*1024)) * 1.25
	if gib < 1 {
		gib = 1
	}
	timestr := time.Now().Format("2006-01-02_15-04-05")
	out, err := c.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: &c.identity.AvailabilityZone,
		Encrypted:        aws.Bool(false),
		Size:             aws.Int32(int32(math.Round(gib))),
		VolumeType:       c.volumeType,
		Iops:             c.iopsOrNil(),
		Throughput:       c.throughputOrNil(),
		TagSpecifications: c.volumeTags(map[string]string{
			c.tag:  tagValueRestore,
			"Name": "snap-to-bucket-" + timestr,
		}),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create empty volume: %w", err)
	}
	id := types.VolumeID(aws.ToString(out.VolumeId))
	if c.verbose > 1 {
		fmt.Printf("Created %q volume\n", id)
	}
	if err := c.waitVolume(ctx, id, types.VolumeAvailable, availableInterval, availableAttempts); err != nil {
		return id, err
	}
	return id, nil
}

// Attach 把卷挂到当前实例并等到 in-use。
func (c *Client) Attach(ctx context.Context, id types.VolumeID) error {
	_, err := c.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(attachDevice),
		InstanceId: &c.identity.InstanceID,
		VolumeId:   aws.String(id.String()),
	})
	if err != nil {
		return fmt.Errorf("failed to attach volume %q to instance %q: %w",
			id, c.identity.InstanceID, err)
	}
	if c.verbose > 1 {
		fmt.Printf("Attaching volume %q to instance %q\n", id, c.identity.InstanceID)
	}
	return c.waitVolume(ctx, id, types.VolumeInUse, stateInterval, stateAttempts)
}

// Detach 强制卸载卷并等它回到 available。
func (c *Client) Detach(ctx context.Context, id types.VolumeID) error {
	_, err := c.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		Force:    aws.Bool(true),
		VolumeId: aws.String(id.String()),
	})
	if err != nil {
		return fmt.Errorf("unable to detach volume %q from instance %q: %w",
			id, c.identity.InstanceID, err)
	}
	if c.verbose > 1 {
		fmt.Printf("Detaching volume %q from instance %q\n", id, c.identity.InstanceID)
	}
	return c.waitVolume(ctx, id, types.VolumeAvailable, stateInterval, stateAttempts)
}

// Delete 删除卷并等到控制面确认消失。
func (c *Client) Delete(ctx context.Context, id types.VolumeID) error {
	_, err := c.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
		VolumeId: aws.String(id.String()),
	})
	if err != nil {
		return fmt.Errorf("failed to delete volume %q: %w", id, err)
	}
	if c.verbose > 1 {
		fmt.Printf("Deleting volume %q\n", id)
	}
	return c.waitVolume(ctx, id, types.VolumeDeleted, stateInterval, stateAttempts)
}

// DeleteSnapshot 删除已迁移的快照 (--delete 模式)。
func (c *Client) DeleteSnapshot(ctx context.Context, snap types.Snapshot) error {
	_, err := c.client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
		SnapshotId: aws.String(snap.ID.String()),
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", snap.ID, err)
	}
	fmt.Printf("Deleting snapshot %q\n", snap.ID)
	return nil
}

// MarkTransferred 把快照标签改成 transferred 哨兵，防止重复迁移。
func (c *Client) MarkTransferred(ctx context.Context, snap types.Snapshot) error {
	_, err := c.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{snap.ID.String()},
		Tags: []ec2types.Tag{
			{Key: &c.tag, Value: aws.String(tagValueTransferred)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update tag for snapshot %q: %w", snap.ID, err)
	}
	if c.verbose > 0 {
		fmt.Printf("Updated tag for snapshot %q\n", snap.ID)
	}
	return nil
}

// waitVolume 有界轮询直到卷进入期望状态。
// 预算用完返回 ErrResourceTimeout；等 deleted 时 NotFound 即成功。
func (c *Client) waitVolume(ctx context.Context, id types.VolumeID, want types.VolumeState,
	interval time.Duration, attempts int) error {
	for i := 0; i < attempts; i++ {
		out, err := c.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			VolumeIds: []string{id.String()},
		})
		if err != nil {
			if want == types.VolumeDeleted && strings.Contains(err.Error(), "InvalidVolume.NotFound") {
				return nil
			}
			return fmt.Errorf("failed to describe volume %q: %w", id, err)
		}
		if len(out.Volumes) == 1 && string(out.Volumes[0].State) == string(want) {
			return nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: volume %q not %s after %d attempts",
		types.ErrResourceTimeout, id, want, attempts)
}

func (c *Client) iopsOrNil() *int32 {
	if c.iops > 0 {
		return aws.Int32(c.iops)
	}
	return nil
}

func (c *Client) throughputOrNil() *int32 {
	if c.throughput > 0 {
		return aws.Int32(c.throughput)
	}
	return nil
}

func (c *Client) volumeTags(tags map[string]string) []ec2types.TagSpecification {
	var list []ec2types.Tag
	for k, v := range tags {
		list = append(list, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return []ec2types.TagSpecification{{
		ResourceType: ec2types.ResourceTypeVolume,
		Tags:         list,
	}}
}
