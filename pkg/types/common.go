// pkg/types/common.go
package types

import (
	"strings"
	"time"
)

// SnapshotID 是 EC2 快照的唯一标识符 (例如 "snap-0123abcd")
// 这是一个"值对象"，应当是不可变的。
type SnapshotID string

func (id SnapshotID) String() string { return string(id) }
func (id SnapshotID) IsZero() bool   { return id == "" }

// VolumeID 是 EBS 卷的唯一标识符 (例如 "vol-0123abcd")
type VolumeID string

func (id VolumeID) String() string { return string(id) }
func (id VolumeID) IsZero() bool   { return id == "" }

// Serial 返回卷在内核视角下的硬件序列号。
// EBS 把卷 ID 去掉连字符后作为设备 SERIAL 暴露 (vol-0123 -> vol0123)，
// lsblk 按这个值匹配设备。
func (id VolumeID) Serial() string {
	return strings.ReplaceAll(string(id), "-", "")
}

// Snapshot 是待迁移快照的元数据。
// 由 EC2 查询得到后不可变，核心流程从不创建快照。
type Snapshot struct {
	ID      SnapshotID
	Name    string
	Created time.Time
	// VolumeSize 是快照声明的源卷大小 (GiB)
	VolumeSize int32
}

// VolumeState 描述卷的生命周期状态，与 EC2 控制面报告的状态一一对应。
type VolumeState string

const (
	VolumeCreating  VolumeState = "creating"
	VolumeAvailable VolumeState = "available"
	VolumeAttaching VolumeState = "attaching"
	VolumeInUse     VolumeState = "in-use"
	VolumeDetaching VolumeState = "detaching"
	VolumeDeleting  VolumeState = "deleting"
	VolumeDeleted   VolumeState = "deleted"
)
