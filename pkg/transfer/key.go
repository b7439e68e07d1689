// pkg/transfer/key.go
package transfer

import (
	"fmt"
	"strings"
	"time"

	"snapbucket/pkg/types"
)

// SinglePart 表示整个传输单元只产生一个对象，key 不带 -partN 后缀。
const SinglePart = -1

// SizeMetadataKey 是对象上自定义的磁盘大小元数据 key。
// 恢复时靠它决定新卷的尺寸；SDK 在线上格式自动加 x-amz-meta- 前缀。
const SizeMetadataKey = "disc-size"

// isoSeconds 是 key 里时间戳的精度 (秒级 ISO-8601，无时区后缀)
const isoSeconds = "2006-01-02T15:04:05"

// KeyPlan 决定一个传输单元的所有远端对象 key。
// 不变式：同一单元的所有 key 共享 Base 前缀，恢复时按前缀枚举即可。
type KeyPlan struct {
	Base string
	Gzip bool
}

// NewKeyPlan 从快照元数据推导 key 前缀。
// 格式: snap/<name>/<id>-<created>-<now>
// name 里的空格换成 '+'，'/' 换成 '_'，避免制造意外的"目录"层级。
func NewKeyPlan(snap types.Snapshot, now time.Time, gzip bool) KeyPlan {
	name := strings.ReplaceAll(snap.Name, " ", "+")
	name = strings.ReplaceAll(name, "/", "_")
	base := fmt.Sprintf("snap/%s/%s-%s-%s",
		name, snap.ID, snap.Created.Format(isoSeconds), now.Format(isoSeconds))
	return KeyPlan{Base: base, Gzip: gzip}
}

// ObjectKey 返回第 partNo 个分卷对象的 key。
// partNo == SinglePart 时不带后缀 (单对象上传)。
func (p KeyPlan) ObjectKey(partNo int) string {
	key := p.Base
	if partNo != SinglePart {
		key = fmt.Sprintf("%s-part%d", key, partNo)
	}
	key += ".tar"
	if p.Gzip {
		key += ".gz"
	}
	return key
}

// ContentType 返回对象的 MIME 类型
func (p KeyPlan) ContentType() string {
	if p.Gzip {
		return "application/gzip"
	}
	return "application/x-tar"
}
