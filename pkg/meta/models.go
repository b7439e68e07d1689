// pkg/meta/models.go
package meta

import "time"

// 传输方向
const (
	DirectionBackup  = "backup"
	DirectionRestore = "restore"
)

// TransferRecord 是迁移日志里的一条记录：一个传输单元的最终结果。
// 只记成功 —— 失败的单元会整体补偿回滚，没有值得追溯的远端状态。
type TransferRecord struct {
	// ID 是主键 (UUID)
	ID string `gorm:"primaryKey;type:char(36)"`

	// Direction: backup 或 restore
	Direction string `gorm:"index;type:varchar(16)"`

	// SnapshotID 备份时的源快照；恢复时为空
	SnapshotID string `gorm:"index;type:varchar(64)"`

	// Key 是远端对象前缀 (恢复时为恢复 key)
	Key string `gorm:"type:text"`

	// Objects / Parts / Bytes 传输规模统计
	Objects int
	Parts   int
	Bytes   int64

	// DurationMS 整个单元的耗时 (毫秒，方便范围查询)
	DurationMS int64

	StartedAt time.Time
	CreatedAt time.Time
}

// TableName 强制指定表名
func (TransferRecord) TableName() string {
	return "transfers"
}
