// pkg/orchestrator/migrate.go
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"snapbucket/pkg/config"
	"snapbucket/pkg/meta"
	"snapbucket/pkg/tarstream"
	"snapbucket/pkg/transfer"
	"snapbucket/pkg/types"
)

// Migrator 按快照逐个执行迁移单元：
//
//	CreateVolume -> Attach -> Mount -> Transfer -> Unmount -> Detach
//	-> Delete -> (DeleteSnapshot | TagSnapshot)
//
// 卷归 Migrator 独占所有：无论传输成败，返回之前一定拆干净 ——
// 绝不留下挂着的或仍然存在的卷。单元之间严格串行。
type Migrator struct {
	compute  ComputeService
	fs       FileSystem
	engine   UploadEngine
	journal  Recorder
	settings *config.Settings

	// newSource 可注入，测试里换成内存流
	newSource func(dir string, gzip bool) (io.ReadCloser, error)
}

func NewMigrator(compute ComputeService, fs FileSystem, engine UploadEngine,
	journal Recorder, settings *config.Settings) *Migrator {
	return &Migrator{
		compute:  compute,
		fs:       fs,
		engine:   engine,
		journal:  journal,
		settings: settings,
		newSource: func(dir string, gzip bool) (io.ReadCloser, error) {
			return tarstream.NewSource(dir, gzip)
		},
	}
}

// Run 处理所有待迁移快照。一个单元失败立刻停下 (它自己已经补偿完)。
func (m *Migrator) Run(ctx context.Context) error {
	snapshots, err := m.compute.Snapshots(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) < 1 {
		fmt.Printf("Unable to find snapshots with tag:%s, value:migrate\n", m.settings.Tag)
		return nil
	}
	for i, snap := range snapshots {
		fmt.Printf("Processing snapshot %q\n", snap.ID)
		if err := m.migrateOne(ctx, snap); err != nil {
			return err
		}
		if m.settings.Delete {
			if err := m.compute.DeleteSnapshot(ctx, snap); err != nil {
				return err
			}
		} else {
			if err := m.compute.MarkTransferred(ctx, snap); err != nil {
				return err
			}
		}
		fmt.Printf("Processed snapshot %q\n", snap.ID)
		fmt.Printf("%d of %d\n", i+1, len(snapshots))
	}
	return nil
}

// migrateOne 跑一个迁移单元，保证卷的完整生命周期闭环。
func (m *Migrator) migrateOne(ctx context.Context, snap types.Snapshot) error {
	started := time.Now()

	vol, err := m.compute.CreateVolume(ctx, snap)
	if err != nil {
		// 卷创建出来了但没等到就绪：删掉再走
		if !vol.IsZero() {
			fmt.Fprintf(os.Stderr, "Timed out while waiting for %q to get ready\n", vol)
			fmt.Fprintf(os.Stderr, "Attempting to delete the volume\n")
			if derr := m.compute.Delete(ctx, vol); derr != nil {
				fmt.Fprintf(os.Stderr, "Failed to delete volume %q: %v\n", vol, derr)
			}
		}
		return err
	}

	if err := m.compute.Attach(ctx, vol); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to attach volume %q, deleting it\n", vol)
		if derr := m.compute.Delete(ctx, vol); derr != nil {
			fmt.Fprintf(os.Stderr, "Failed to delete volume %q: %v\n", vol, derr)
		}
		return err
	}

	mounted := false
	result, terr := func() (*transfer.Result, error) {
		if err := m.fs.MountVolume(vol); err != nil {
			return nil, err
		}
		mounted = true
		return m.transferUnit(ctx, snap)
	}()

	// 无条件拆除：Unmount -> Detach -> Delete。
	// 失败路径上拆除错误只记不抛，原始错误优先。
	derr := m.teardown(ctx, vol, mounted, terr != nil)
	if terr != nil {
		fmt.Fprintf(os.Stderr, "Error occurred during S3 upload for snapshot %q\n", snap.ID)
		fmt.Fprintf(os.Stderr, "Deleting volume %q\n", vol)
		return terr
	}
	if derr != nil {
		return derr
	}

	if m.journal != nil && result != nil {
		rec := meta.TransferRecord{
			Direction:  meta.DirectionBackup,
			SnapshotID: snap.ID.String(),
			Key:        firstKey(result.Keys),
			Objects:    len(result.Keys),
			Parts:      result.Parts,
			Bytes:      result.Bytes,
			DurationMS: time.Since(started).Milliseconds(),
			StartedAt:  started,
		}
		if err := m.journal.Record(ctx, rec); err != nil {
			// 日志失败不值得让一次成功的迁移翻车
			fmt.Fprintf(os.Stderr, "Failed to journal transfer: %v\n", err)
		}
	}
	return nil
}

// transferUnit 把挂载好的分区归档上传。
func (m *Migrator) transferUnit(ctx context.Context, snap types.Snapshot) (*transfer.Result, error) {
	size, err := m.fs.MountedSize()
	if err != nil {
		return nil, err
	}

	src, err := m.newSource(m.fs.MountPoint(), m.settings.Gzip)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSourceFailure, err)
	}
	defer src.Close()

	metadata := map[string]string{
		"creation-time":    snap.Created.Format(time.RFC3339),
		"snap-volume-size": fmt.Sprintf("%d GiB", snap.VolumeSize),
	}
	if size > 1 {
		metadata[transfer.SizeMetadataKey] = strconv.FormatInt(size, 10)
	}

	unit := transfer.Unit{
		Plan:          transfer.NewKeyPlan(snap, time.Now(), m.settings.Gzip),
		EstimatedSize: size,
		SplitSize:     m.settings.SplitSize,
		Metadata:      metadata,
	}
	return m.engine.Run(ctx, src, unit)
}

// teardown 拆掉迁移单元的卷。quiet 时只把错误写到 stderr
// (失败路径，原始错误在上层等着)。
func (m *Migrator) teardown(ctx context.Context, vol types.VolumeID, mounted, quiet bool) error {
	var first error
	keep := func(err error) {
		if err == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "Teardown of volume %q: %v\n", vol, err)
		if first == nil {
			first = err
		}
	}
	if mounted {
		keep(m.fs.Unmount())
	}
	keep(m.compute.Detach(ctx, vol))
	keep(m.compute.Delete(ctx, vol))
	if quiet {
		return nil
	}
	return first
}

func firstKey(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
