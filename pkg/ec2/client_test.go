package ec2

import (
	"context"
	"errors"
	"testing"
	"time"

	sbconfig "snapbucket/pkg/config"
	"snapbucket/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEC2 可编程的控制面替身：DescribeVolumes 按脚本逐次返回状态
type fakeEC2 struct {
	states      []string // 依次返回的卷状态，耗尽后重复最后一个
	describes   int
	describeErr error

	createInput *ec2.CreateVolumeInput
	attachInput *ec2.AttachVolumeInput
	detachForce bool
	deleted     []string
	taggedSnaps []string
	snapshots   []ec2types.Snapshot
}

func (f *fakeEC2) DescribeSnapshots(context.Context, *ec2.DescribeSnapshotsInput, ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	return &ec2.DescribeSnapshotsOutput{Snapshots: f.snapshots}, nil
}

func (f *fakeEC2) CreateVolume(_ context.Context, in *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.createInput = in
	return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-0abc")}, nil
}

func (f *fakeEC2) DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	idx := f.describes
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	f.describes++
	return &ec2.DescribeVolumesOutput{
		Volumes: []ec2types.Volume{{State: ec2types.VolumeState(f.states[idx])}},
	}, nil
}

func (f *fakeEC2) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	f.attachInput = in
	return &ec2.AttachVolumeOutput{}, nil
}

func (f *fakeEC2) DetachVolume(_ context.Context, in *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	f.detachForce = aws.ToBool(in.Force)
	return &ec2.DetachVolumeOutput{}, nil
}

func (f *fakeEC2) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.VolumeId))
	return &ec2.DeleteVolumeOutput{}, nil
}

func (f *fakeEC2) DeleteSnapshot(context.Context, *ec2.DeleteSnapshotInput, ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.taggedSnaps = append(f.taggedSnaps, in.Resources...)
	return &ec2.CreateTagsOutput{}, nil
}

func fastWaiters(t *testing.T) {
	t.Helper()
	oi, oa, si, sa := availableInterval, availableAttempts, stateInterval, stateAttempts
	availableInterval, stateInterval = time.Millisecond, time.Millisecond
	availableAttempts, stateAttempts = 3, 3
	t.Cleanup(func() {
		availableInterval, availableAttempts = oi, oa
		stateInterval, stateAttempts = si, sa
	})
}

func newTestClient(f *fakeEC2) *Client {
	return &Client{
		client:     f,
		tag:        "snap-to-bucket",
		volumeType: ec2types.VolumeTypeGp2,
		identity: Identity{
			InstanceID:       "i-0123",
			AvailabilityZone: "eu-west-1a",
			Region:           "eu-west-1",
		},
	}
}

func TestSnapshots_MapsTagsAndFields(t *testing.T) {
	created := time.Date(2021, 3, 15, 8, 30, 0, 0, time.UTC)
	f := &fakeEC2{snapshots: []ec2types.Snapshot{
		{
			SnapshotId: aws.String("snap-1"),
			StartTime:  &created,
			VolumeSize: aws.Int32(8),
			Tags: []ec2types.Tag{
				// Name 标签大小写不敏感
				{Key: aws.String("NAME"), Value: aws.String("web server")},
			},
		},
		{SnapshotId: aws.String("snap-2"), StartTime: &created},
	}}
	c := newTestClient(f)

	snaps, err := c.Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, types.SnapshotID("snap-1"), snaps[0].ID)
	assert.Equal(t, "web server", snaps[0].Name)
	assert.Equal(t, int32(8), snaps[0].VolumeSize)
	assert.Equal(t, "", snaps[1].Name, "没有 Name 标签时名字为空")
}

func TestCreateVolume_WaitsForAvailable(t *testing.T) {
	fastWaiters(t)
	f := &fakeEC2{states: []string{"creating", "creating", "available"}}
	c := newTestClient(f)

	snap := types.Snapshot{ID: "snap-1"}
	id, err := c.CreateVolume(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeID("vol-0abc"), id)
	assert.Equal(t, 3, f.describes)
	assert.Equal(t, "snap-1", aws.ToString(f.createInput.SnapshotId))
}

func TestCreateVolume_TimeoutReturnsIDForCompensation(t *testing.T) {
	// 【关键】超时也要把卷 ID 带回去，编排器靠它补偿删除
	fastWaiters(t)
	f := &fakeEC2{states: []string{"creating"}}
	c := newTestClient(f)

	id, err := c.CreateVolume(context.Background(), types.Snapshot{ID: "snap-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrResourceTimeout))
	assert.Equal(t, types.VolumeID("vol-0abc"), id)
}

func TestCreateEmptyVolume_SizingRule(t *testing.T) {
	fastWaiters(t)
	f := &fakeEC2{states: []string{"available"}}
	c := newTestClient(f)

	// 10 GiB 的数据 -> 向上取整后加 25% = 13 GiB (round)
	_, err := c.CreateEmptyVolume(context.Background(), 10*1024*1024*1024)
	require.NoError(t, err)
	assert.Equal(t, int32(13), aws.ToInt32(f.createInput.Size))
	assert.Nil(t, f.createInput.SnapshotId)

	// 小到忽略不计也至少开 1 GiB
	_, err = c.CreateEmptyVolume(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int32(1), aws.ToInt32(f.createInput.Size))
}

func TestAttach_UsesFixedDevice(t *testing.T) {
	fastWaiters(t)
	f := &fakeEC2{states: []string{"in-use"}}
	c := newTestClient(f)

	require.NoError(t, c.Attach(context.Background(), "vol-0abc"))
	assert.Equal(t, "/dev/sdk", aws.ToString(f.attachInput.Device))
	assert.Equal(t, "i-0123", aws.ToString(f.attachInput.InstanceId))
}

func TestDetach_ForcesAndWaits(t *testing.T) {
	fastWaiters(t)
	f := &fakeEC2{states: []string{"in-use", "available"}}
	c := newTestClient(f)

	require.NoError(t, c.Detach(context.Background(), "vol-0abc"))
	assert.True(t, f.detachForce)
}

func TestDelete_NotFoundMeansGone(t *testing.T) {
	// 等 deleted 时 NotFound 不是错误，是成功的证据
	fastWaiters(t)
	f := &fakeEC2{describeErr: errors.New("api error InvalidVolume.NotFound: not found")}
	c := newTestClient(f)

	require.NoError(t, c.Delete(context.Background(), "vol-0abc"))
	assert.Equal(t, []string{"vol-0abc"}, f.deleted)
}

func TestDelete_TimeoutWhenStuck(t *testing.T) {
	fastWaiters(t)
	f := &fakeEC2{states: []string{"in-use"}}
	c := newTestClient(f)

	err := c.Delete(context.Background(), "vol-0abc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrResourceTimeout))
}

func TestMarkTransferred(t *testing.T) {
	f := &fakeEC2{}
	c := newTestClient(f)

	require.NoError(t, c.MarkTransferred(context.Background(), types.Snapshot{ID: "snap-9"}))
	assert.Equal(t, []string{"snap-9"}, f.taggedSnaps)
}

func TestNewUsesSettings(t *testing.T) {
	s := &sbconfig.Settings{Tag: "t", VolumeType: "gp3", IOPS: 4000, Throughput: 250}
	c := New(aws.Config{}, s, Identity{})
	assert.Equal(t, ec2types.VolumeTypeGp3, c.volumeType)
	assert.Equal(t, int32(4000), c.iops)
}
