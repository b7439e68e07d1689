package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"snapbucket/pkg/config"
	"snapbucket/pkg/meta"
	"snapbucket/pkg/transfer"
	"snapbucket/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompute 记录控制面调用顺序
type fakeCompute struct {
	ops *[]string

	snapshots  []types.Snapshot
	createErr  error
	createID   types.VolumeID // createErr 时仍返回的 ID (超时补偿场景)
	attachErr  error
	detachErr  error
	emptyCount int64 // ObjectCountAndSize 给出的大小传给 CreateEmptyVolume
}

func (f *fakeCompute) log(op string) { *f.ops = append(*f.ops, op) }

func (f *fakeCompute) Snapshots(context.Context) ([]types.Snapshot, error) {
	return f.snapshots, nil
}

func (f *fakeCompute) CreateVolume(_ context.Context, snap types.Snapshot) (types.VolumeID, error) {
	f.log("create:" + snap.ID.String())
	if f.createErr != nil {
		return f.createID, f.createErr
	}
	return "vol-1", nil
}

func (f *fakeCompute) CreateEmptyVolume(_ context.Context, size int64) (types.VolumeID, error) {
	f.emptyCount = size
	f.log("create-empty")
	if f.createErr != nil {
		return f.createID, f.createErr
	}
	return "vol-1", nil
}

func (f *fakeCompute) Attach(_ context.Context, id types.VolumeID) error {
	f.log("attach:" + id.String())
	return f.attachErr
}

func (f *fakeCompute) Detach(_ context.Context, id types.VolumeID) error {
	f.log("detach:" + id.String())
	return f.detachErr
}

func (f *fakeCompute) Delete(_ context.Context, id types.VolumeID) error {
	f.log("delete:" + id.String())
	return nil
}

func (f *fakeCompute) DeleteSnapshot(_ context.Context, snap types.Snapshot) error {
	f.log("delete-snapshot:" + snap.ID.String())
	return nil
}

func (f *fakeCompute) MarkTransferred(_ context.Context, snap types.Snapshot) error {
	f.log("tag-snapshot:" + snap.ID.String())
	return nil
}

// fakeFS 记录文件系统动作
type fakeFS struct {
	ops *[]string

	mountErr   error
	prepareErr error
	size       int64
	grubErr    error
}

func (f *fakeFS) log(op string) { *f.ops = append(*f.ops, op) }

func (f *fakeFS) MountVolume(id types.VolumeID) error {
	f.log("mount:" + id.String())
	return f.mountErr
}

func (f *fakeFS) Unmount() error {
	f.log("unmount")
	return nil
}

func (f *fakeFS) PrepareVolume(id types.VolumeID, boot bool) error {
	f.log(fmt.Sprintf("prepare:%s:boot=%v", id, boot))
	return f.prepareErr
}

func (f *fakeFS) MountedSize() (int64, error) { return f.size, nil }

func (f *fakeFS) BindSystemDirs() error { f.log("bind"); return nil }

func (f *fakeFS) UnbindSystemDirs() error { f.log("unbind"); return nil }

func (f *fakeFS) UpdateGrub(id types.VolumeID) error {
	f.log("grub:" + id.String())
	return f.grubErr
}

func (f *fakeFS) RepairFstab() error { f.log("fstab"); return nil }

func (f *fakeFS) MountPoint() string { return "/mnt/snaps" }

// fakeEngine 记录传输调用
type fakeEngine struct {
	ops *[]string

	err   error
	units []transfer.Unit
}

func (f *fakeEngine) Run(_ context.Context, _ io.Reader, unit transfer.Unit) (*transfer.Result, error) {
	*f.ops = append(*f.ops, "transfer")
	f.units = append(f.units, unit)
	if f.err != nil {
		return nil, f.err
	}
	return &transfer.Result{Keys: []string{unit.Plan.ObjectKey(transfer.SinglePart)}, Bytes: 42, Parts: 1}, nil
}

// fakeBucket 恢复方向的对象存储替身
type fakeBucket struct {
	ops *[]string

	count       int
	size        int64
	downloadErr error
}

func (f *fakeBucket) ObjectCountAndSize(context.Context, string) (int, int64, error) {
	return f.count, f.size, nil
}

func (f *fakeBucket) PartKey(_ context.Context, prefix string, partNo int) (string, error) {
	if partNo == -1 {
		return prefix + ".tar", nil
	}
	return fmt.Sprintf("%s-part%d.tar", prefix, partNo), nil
}

func (f *fakeBucket) Download(_ context.Context, key, _ string) (string, error) {
	*f.ops = append(*f.ops, "download:"+key)
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	return "/tmp/" + key, nil
}

// fakeExtractor 记录喂进来的分卷
type fakeExtractor struct {
	ops    *[]string
	fed    []string
	closed bool
}

func (f *fakeExtractor) Feed(path string) error {
	*f.ops = append(*f.ops, "extract:"+path)
	f.fed = append(f.fed, path)
	return nil
}

func (f *fakeExtractor) Close() error {
	f.closed = true
	*f.ops = append(*f.ops, "extractor-close")
	return nil
}

// fakeJournal 收集落库的记录
type fakeJournal struct {
	records []meta.TransferRecord
}

func (f *fakeJournal) Record(_ context.Context, rec meta.TransferRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func testSnap(id string) types.Snapshot {
	return types.Snapshot{
		ID:      types.SnapshotID(id),
		Name:    "backup",
		Created: time.Date(2021, 3, 15, 8, 30, 0, 0, time.UTC),
	}
}

func migrateSettings() *config.Settings {
	return &config.Settings{
		Bucket:    "b",
		Tag:       "snap-to-bucket",
		SplitSize: config.MaxSplitSize,
	}
}

func newTestMigrator(ops *[]string, compute *fakeCompute, fs *fakeFS, engine *fakeEngine,
	journal Recorder, settings *config.Settings) *Migrator {
	m := NewMigrator(compute, fs, engine, journal, settings)
	m.newSource = func(string, bool) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("archive")), nil
	}
	return m
}

func TestMigrator_HappyPath(t *testing.T) {
	var ops []string
	compute := &fakeCompute{ops: &ops, snapshots: []types.Snapshot{testSnap("snap-1")}}
	fs := &fakeFS{ops: &ops, size: 1024}
	engine := &fakeEngine{ops: &ops}
	journal := &fakeJournal{}
	m := newTestMigrator(&ops, compute, fs, engine, journal, migrateSettings())

	require.NoError(t, m.Run(context.Background()))

	// 完整生命周期，顺序一个都不能乱
	assert.Equal(t, []string{
		"create:snap-1",
		"attach:vol-1",
		"mount:vol-1",
		"transfer",
		"unmount",
		"detach:vol-1",
		"delete:vol-1",
		"tag-snapshot:snap-1",
	}, ops)

	// 成功的传输要进日志
	require.Len(t, journal.records, 1)
	assert.Equal(t, meta.DirectionBackup, journal.records[0].Direction)
	assert.Equal(t, "snap-1", journal.records[0].SnapshotID)
	assert.Equal(t, int64(42), journal.records[0].Bytes)
}

func TestMigrator_DeleteModeRemovesSnapshot(t *testing.T) {
	var ops []string
	compute := &fakeCompute{ops: &ops, snapshots: []types.Snapshot{testSnap("snap-1")}}
	fs := &fakeFS{ops: &ops}
	settings := migrateSettings()
	settings.Delete = true
	m := newTestMigrator(&ops, compute, fs, &fakeEngine{ops: &ops}, nil, settings)

	require.NoError(t, m.Run(context.Background()))
	assert.Contains(t, ops, "delete-snapshot:snap-1")
	assert.NotContains(t, ops, "tag-snapshot:snap-1")
}

func TestMigrator_TransferFailureStillTearsDown(t *testing.T) {
	// 【关键】传输失败后的最终状态：卷已卸载、已分离、已删除
	var ops []string
	compute := &fakeCompute{ops: &ops, snapshots: []types.Snapshot{testSnap("snap-1")}}
	fs := &fakeFS{ops: &ops}
	engine := &fakeEngine{ops: &ops, err: types.ErrPartUploadFailed}
	journal := &fakeJournal{}
	m := newTestMigrator(&ops, compute, fs, engine, journal, migrateSettings())

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPartUploadFailed))

	assert.Contains(t, ops, "unmount")
	assert.Contains(t, ops, "detach:vol-1")
	assert.Contains(t, ops, "delete:vol-1")
	// 失败的快照不能打 transferred 标，也不能删
	assert.NotContains(t, ops, "tag-snapshot:snap-1")
	assert.NotContains(t, ops, "delete-snapshot:snap-1")
	assert.Empty(t, journal.records)
}

func TestMigrator_MountFailureSkipsUnmount(t *testing.T) {
	// 没挂上去就不要 umount，但 detach/delete 照走
	var ops []string
	compute := &fakeCompute{ops: &ops, snapshots: []types.Snapshot{testSnap("snap-1")}}
	fs := &fakeFS{ops: &ops, mountErr: errors.New("mount: wrong fs type")}
	m := newTestMigrator(&ops, compute, fs, &fakeEngine{ops: &ops}, nil, migrateSettings())

	require.Error(t, m.Run(context.Background()))
	assert.NotContains(t, ops, "unmount")
	assert.Contains(t, ops, "detach:vol-1")
	assert.Contains(t, ops, "delete:vol-1")
}

func TestMigrator_CreateTimeoutCompensates(t *testing.T) {
	// 创建等待超时但卷已存在：删掉它，不 attach
	var ops []string
	compute := &fakeCompute{
		ops:       &ops,
		snapshots: []types.Snapshot{testSnap("snap-1")},
		createErr: types.ErrResourceTimeout,
		createID:  "vol-1",
	}
	m := newTestMigrator(&ops, compute, &fakeFS{ops: &ops}, &fakeEngine{ops: &ops}, nil, migrateSettings())

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"create:snap-1", "delete:vol-1"}, ops)
}

func TestMigrator_AttachFailureDeletesVolume(t *testing.T) {
	var ops []string
	compute := &fakeCompute{
		ops:       &ops,
		snapshots: []types.Snapshot{testSnap("snap-1")},
		attachErr: errors.New("IncorrectState"),
	}
	m := newTestMigrator(&ops, compute, &fakeFS{ops: &ops}, &fakeEngine{ops: &ops}, nil, migrateSettings())

	require.Error(t, m.Run(context.Background()))
	assert.Equal(t, []string{"create:snap-1", "attach:vol-1", "delete:vol-1"}, ops)
}

func TestMigrator_SequentialUnits(t *testing.T) {
	// 多个快照严格串行，每个单元独立闭环
	var ops []string
	compute := &fakeCompute{ops: &ops, snapshots: []types.Snapshot{testSnap("snap-1"), testSnap("snap-2")}}
	m := newTestMigrator(&ops, compute, &fakeFS{ops: &ops}, &fakeEngine{ops: &ops}, nil, migrateSettings())

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, "create:snap-1", ops[0])
	// 第二个单元必须在第一个的 delete 之后才开始
	first := indexOf(ops, "delete:vol-1")
	second := indexOf(ops, "create:snap-2")
	require.GreaterOrEqual(t, first, 0)
	assert.Greater(t, second, first)
}

func TestMigrator_NoSnapshotsIsNoop(t *testing.T) {
	var ops []string
	compute := &fakeCompute{ops: &ops}
	m := newTestMigrator(&ops, compute, &fakeFS{ops: &ops}, &fakeEngine{ops: &ops}, nil, migrateSettings())

	require.NoError(t, m.Run(context.Background()))
	assert.Empty(t, ops)
}

func TestMigrator_MetadataOnUnit(t *testing.T) {
	var ops []string
	compute := &fakeCompute{ops: &ops, snapshots: []types.Snapshot{testSnap("snap-1")}}
	fs := &fakeFS{ops: &ops, size: 4096}
	engine := &fakeEngine{ops: &ops}
	m := newTestMigrator(&ops, compute, fs, engine, nil, migrateSettings())

	require.NoError(t, m.Run(context.Background()))
	require.Len(t, engine.units, 1)
	unit := engine.units[0]
	assert.Equal(t, int64(4096), unit.EstimatedSize)
	assert.Equal(t, "4096", unit.Metadata[transfer.SizeMetadataKey])
	assert.NotEmpty(t, unit.Metadata["creation-time"])
}

func restoreSettings(boot bool) *config.Settings {
	return &config.Settings{
		Bucket:     "b",
		RestoreKey: "snap/backup/snap-1-a-b",
		RestoreDir: "/tmp/s2b",
		Restore:    true,
		Boot:       boot,
		SplitSize:  config.MaxSplitSize,
	}
}

func newTestRestorer(ops *[]string, compute *fakeCompute, fs *fakeFS, bucket *fakeBucket,
	journal Recorder, settings *config.Settings) (*Restorer, *fakeExtractor) {
	r := NewRestorer(compute, fs, bucket, journal, settings)
	ex := &fakeExtractor{ops: ops}
	r.newExtractor = func() PartExtractor { return ex }
	return r, ex
}

func TestRestorer_SingleObject(t *testing.T) {
	var ops []string
	compute := &fakeCompute{ops: &ops}
	fs := &fakeFS{ops: &ops}
	bucket := &fakeBucket{ops: &ops, count: 1, size: 5 * 1024 * 1024 * 1024}
	journal := &fakeJournal{}
	r, ex := newTestRestorer(&ops, compute, fs, bucket, journal, restoreSettings(false))

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []string{
		"create-empty",
		"attach:vol-1",
		"prepare:vol-1:boot=false",
		"mount:vol-1",
		"download:snap/backup/snap-1-a-b.tar",
		"extract:/tmp/snap/backup/snap-1-a-b.tar",
		"extractor-close",
		"unmount",
		"detach:vol-1",
	}, ops)
	// 【关键】成功的恢复不删卷，卷就是交付物
	assert.NotContains(t, ops, "delete:vol-1")
	assert.True(t, ex.closed)
	assert.Equal(t, int64(5*1024*1024*1024), compute.emptyCount)

	require.Len(t, journal.records, 1)
	assert.Equal(t, meta.DirectionRestore, journal.records[0].Direction)
}

func TestRestorer_OrderedParts(t *testing.T) {
	// 分卷按 1..N 顺序下载和解包，不是 S3 列表顺序
	var ops []string
	compute := &fakeCompute{ops: &ops}
	bucket := &fakeBucket{ops: &ops, count: 3, size: 100}
	r, ex := newTestRestorer(&ops, compute, &fakeFS{ops: &ops}, bucket, nil, restoreSettings(false))

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{
		"/tmp/snap/backup/snap-1-a-b-part1.tar",
		"/tmp/snap/backup/snap-1-a-b-part2.tar",
		"/tmp/snap/backup/snap-1-a-b-part3.tar",
	}, ex.fed)
}

func TestRestorer_BootRepairSequence(t *testing.T) {
	var ops []string
	compute := &fakeCompute{ops: &ops}
	fs := &fakeFS{ops: &ops}
	bucket := &fakeBucket{ops: &ops, count: 1, size: 100}
	r, _ := newTestRestorer(&ops, compute, fs, bucket, nil, restoreSettings(true))

	require.NoError(t, r.Run(context.Background()))

	// 修 fstab -> 绑定系统目录 -> chroot grub -> 解绑，全在 unmount 之前
	assert.Contains(t, ops, "prepare:vol-1:boot=true")
	sequence := []string{"fstab", "bind", "grub:vol-1", "unbind", "unmount"}
	last := -1
	for _, op := range sequence {
		idx := indexOf(ops, op)
		require.GreaterOrEqual(t, idx, 0, op)
		assert.Greater(t, idx, last, op)
		last = idx
	}
}

func TestRestorer_GrubFailureStillUnbinds(t *testing.T) {
	var ops []string
	compute := &fakeCompute{ops: &ops}
	fs := &fakeFS{ops: &ops, grubErr: errors.New("grub-install: error")}
	bucket := &fakeBucket{ops: &ops, count: 1, size: 100}
	r, _ := newTestRestorer(&ops, compute, fs, bucket, nil, restoreSettings(true))

	require.Error(t, r.Run(context.Background()))
	assert.Contains(t, ops, "unbind")
	// 失败的恢复卷要删
	assert.Contains(t, ops, "delete:vol-1")
}

func TestRestorer_DownloadFailureDeletesVolume(t *testing.T) {
	// 【关键】失败的恢复不留半成品卷
	var ops []string
	compute := &fakeCompute{ops: &ops}
	bucket := &fakeBucket{ops: &ops, count: 2, size: 100, downloadErr: errors.New("connection reset")}
	r, ex := newTestRestorer(&ops, compute, &fakeFS{ops: &ops}, bucket, nil, restoreSettings(false))

	require.Error(t, r.Run(context.Background()))
	assert.Contains(t, ops, "unmount")
	assert.Contains(t, ops, "detach:vol-1")
	assert.Contains(t, ops, "delete:vol-1")
	assert.True(t, ex.closed, "出错也要收掉解包进程")
}

func TestRestorer_PrepareFailureSkipsUnmount(t *testing.T) {
	var ops []string
	compute := &fakeCompute{ops: &ops}
	fs := &fakeFS{ops: &ops, prepareErr: errors.New("sfdisk: cannot open")}
	bucket := &fakeBucket{ops: &ops, count: 1, size: 100}
	r, _ := newTestRestorer(&ops, compute, fs, bucket, nil, restoreSettings(false))

	require.Error(t, r.Run(context.Background()))
	assert.NotContains(t, ops, "unmount")
	assert.Contains(t, ops, "delete:vol-1")
}

func indexOf(ops []string, want string) int {
	for i, op := range ops {
		if op == want {
			return i
		}
	}
	return -1
}
