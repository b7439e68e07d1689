// pkg/orchestrator/interfaces.go
package orchestrator

import (
	"context"
	"io"

	"snapbucket/pkg/meta"
	"snapbucket/pkg/transfer"
	"snapbucket/pkg/types"
)

// ComputeService 是计算控制面的切面 (pkg/ec2 实现)。
// 所有 Create/Attach/Detach/Delete 都内含有界的就绪等待。
type ComputeService interface {
	Snapshots(ctx context.Context) ([]types.Snapshot, error)
	// CreateVolume 超时时返回已创建的卷 ID 和错误，补偿删除归编排器。
	CreateVolume(ctx context.Context, snap types.Snapshot) (types.VolumeID, error)
	CreateEmptyVolume(ctx context.Context, sizeBytes int64) (types.VolumeID, error)
	Attach(ctx context.Context, id types.VolumeID) error
	Detach(ctx context.Context, id types.VolumeID) error
	Delete(ctx context.Context, id types.VolumeID) error
	DeleteSnapshot(ctx context.Context, snap types.Snapshot) error
	MarkTransferred(ctx context.Context, snap types.Snapshot) error
}

// FileSystem 是本地文件系统/块设备的切面 (pkg/fs 实现)。
type FileSystem interface {
	MountVolume(id types.VolumeID) error
	Unmount() error
	PrepareVolume(id types.VolumeID, boot bool) error
	MountedSize() (int64, error)
	BindSystemDirs() error
	UnbindSystemDirs() error
	UpdateGrub(id types.VolumeID) error
	RepairFstab() error
	MountPoint() string
}

// BucketService 是恢复方向需要的对象存储切面 (pkg/s3 实现)。
type BucketService interface {
	ObjectCountAndSize(ctx context.Context, prefix string) (int, int64, error)
	PartKey(ctx context.Context, prefix string, partNo int) (string, error)
	Download(ctx context.Context, key, destDir string) (string, error)
}

// UploadEngine 是备份方向的传输引擎 (transfer.Uploader 实现)。
type UploadEngine interface {
	Run(ctx context.Context, src io.Reader, unit transfer.Unit) (*transfer.Result, error)
}

// PartExtractor 是恢复方向的归档汇 (tarstream.Extractor 实现)。
type PartExtractor interface {
	Feed(path string) error
	Close() error
}

// Recorder 落传输日志。可以为 nil (日志打不开不挡迁移)。
type Recorder interface {
	Record(ctx context.Context, rec meta.TransferRecord) error
}
