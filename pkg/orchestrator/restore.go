// pkg/orchestrator/restore.go
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"snapbucket/pkg/config"
	"snapbucket/pkg/meta"
	"snapbucket/pkg/tarstream"
	"snapbucket/pkg/transfer"
	"snapbucket/pkg/types"
)

// Restorer 把桶里的一次备份落回一块新卷：
//
//	CreateEmptyVolume -> Attach -> Partition+Format -> Mount
//	-> (Download -> Extract) x N -> CloseExtractor
//	-> [boot: fstab 修复 + chroot grub] -> Unmount -> Detach
//
// 和迁移方向不同，卷就是交付物：成功后保留 (只卸载、分离)，
// 失败才删。分卷严格按 part 序号下载，顺序交给同一个解包进程。
type Restorer struct {
	compute  ComputeService
	fs       FileSystem
	bucket   BucketService
	journal  Recorder
	settings *config.Settings

	// newExtractor 可注入，测试里换成内存汇
	newExtractor func() PartExtractor
}

func NewRestorer(compute ComputeService, fs FileSystem, bucket BucketService,
	journal Recorder, settings *config.Settings) *Restorer {
	r := &Restorer{
		compute:  compute,
		fs:       fs,
		bucket:   bucket,
		journal:  journal,
		settings: settings,
	}
	r.newExtractor = func() PartExtractor {
		sizer := transfer.NewSizer(nil, transfer.ExtractMargin)
		return tarstream.NewExtractor(fs.MountPoint(), sizer, settings.Verbose)
	}
	return r
}

// Run 执行一次完整恢复。
func (r *Restorer) Run(ctx context.Context) error {
	started := time.Now()
	prefix := r.settings.RestoreKey

	// 1. 先看清楚要恢复什么：对象数量 + 解包后大小
	count, size, err := r.bucket.ObjectCountAndSize(ctx, prefix)
	if err != nil {
		return err
	}
	fmt.Printf("Restoring %q (%d object(s), %d bytes unpacked)\n", prefix, count, size)

	// 2. 建空卷。超时时卷可能已经出来了，删掉再走
	vol, err := r.compute.CreateEmptyVolume(ctx, size)
	if err != nil {
		if !vol.IsZero() {
			fmt.Fprintf(os.Stderr, "Timed out while waiting for %q to get ready\n", vol)
			fmt.Fprintf(os.Stderr, "Attempting to delete the volume\n")
			if derr := r.compute.Delete(ctx, vol); derr != nil {
				fmt.Fprintf(os.Stderr, "Failed to delete volume %q: %v\n", vol, derr)
			}
		}
		return err
	}

	if err := r.compute.Attach(ctx, vol); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to attach volume %q, deleting it\n", vol)
		if derr := r.compute.Delete(ctx, vol); derr != nil {
			fmt.Fprintf(os.Stderr, "Failed to delete volume %q: %v\n", vol, derr)
		}
		return err
	}

	mounted := false
	rerr := func() error {
		// 3. 分区 + 格式化，引导盘多一个 bootable 分区标记
		if err := r.fs.PrepareVolume(vol, r.settings.Boot); err != nil {
			return err
		}
		if err := r.fs.MountVolume(vol); err != nil {
			return err
		}
		mounted = true
		if err := r.restoreParts(ctx, prefix, count); err != nil {
			return err
		}
		if r.settings.Boot {
			return r.makeBootable(vol)
		}
		return nil
	}()

	if rerr != nil {
		// 失败：拆干净，半成品卷不保留
		r.failTeardown(ctx, vol, mounted)
		return rerr
	}

	// 4. 成功：只卸载 + 分离，卷留给用户
	if err := r.fs.Unmount(); err != nil {
		return err
	}
	if err := r.compute.Detach(ctx, vol); err != nil {
		return err
	}
	fmt.Printf("Restored %q to volume %q\n", prefix, vol)

	if r.journal != nil {
		rec := meta.TransferRecord{
			Direction:  meta.DirectionRestore,
			Key:        prefix,
			Objects:    count,
			Bytes:      size,
			DurationMS: time.Since(started).Milliseconds(),
			StartedAt:  started,
		}
		if err := r.journal.Record(ctx, rec); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to journal transfer: %v\n", err)
		}
	}
	return nil
}

// restoreParts 按序号逐个下载分卷并灌给同一个解包进程。
// 单对象备份用 SinglePart 直取；多对象备份从 part1 数到 partN ——
// 不能按列表顺序走，S3 的字典序会把 part10 排到 part2 前面。
func (r *Restorer) restoreParts(ctx context.Context, prefix string, count int) error {
	extractor := r.newExtractor()

	feed := func(partNo int) error {
		key, err := r.bucket.PartKey(ctx, prefix, partNo)
		if err != nil {
			return err
		}
		local, err := r.bucket.Download(ctx, key, r.settings.RestoreDir)
		if err != nil {
			return err
		}
		return extractor.Feed(local)
	}

	err := func() error {
		if count == 1 {
			return feed(transfer.SinglePart)
		}
		for partNo := 1; partNo <= count; partNo++ {
			if err := feed(partNo); err != nil {
				return err
			}
			fmt.Printf("%d of %d\n", partNo, count)
		}
		return nil
	}()
	if err != nil {
		// 进程还开着就收掉，关闭错误不盖过原始错误
		if cerr := extractor.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Failed to close extractor: %v\n", cerr)
		}
		return err
	}
	// 正常收尾：stdin 关闭后 tar 的退出码才是真正的裁决
	return extractor.Close()
}

// makeBootable 把恢复出来的卷修成可引导：
// fstab 指回新分区 -> 绑定系统目录 -> chroot 里重装 grub。
// 绑定成功后无论 grub 成败都要解绑。
func (r *Restorer) makeBootable(vol types.VolumeID) error {
	if err := r.fs.RepairFstab(); err != nil {
		return err
	}
	if err := r.fs.BindSystemDirs(); err != nil {
		return err
	}
	gerr := r.fs.UpdateGrub(vol)
	if err := r.fs.UnbindSystemDirs(); err != nil {
		if gerr == nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Failed to unbind system dirs: %v\n", err)
	}
	return gerr
}

// failTeardown 收拾失败的恢复：Unmount -> Detach -> Delete，
// 只记不抛，原始错误在上层等着。
func (r *Restorer) failTeardown(ctx context.Context, vol types.VolumeID, mounted bool) {
	note := func(err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Teardown of volume %q: %v\n", vol, err)
		}
	}
	fmt.Fprintf(os.Stderr, "Restore failed, deleting volume %q\n", vol)
	if mounted {
		note(r.fs.Unmount())
	}
	note(r.compute.Detach(ctx, vol))
	note(r.compute.Delete(ctx, vol))
}
