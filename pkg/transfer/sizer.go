// pkg/transfer/sizer.go
package transfer

import (
	"fmt"

	"snapbucket/pkg/types"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// PartCeiling 是 S3 单个分片的硬上限 (5 GiB)
	PartCeiling = 5 * 1024 * 1024 * 1024

	// UploadMargin 上传时预留的安全余量，避免一个分块吃光内存
	UploadMargin = 500 * 1024 * 1024

	// ExtractMargin 解包喂数据时的安全余量
	ExtractMargin = 10 * 1024 * 1024
)

// MemorySampler 返回当前可用内存 (字节)。
// 每次读取前都重新采样，而不是缓存 —— 宿主机上的其他进程也在抢内存。
type MemorySampler func() (uint64, error)

// SystemMemory 是默认采样器，读 MemAvailable
func SystemMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to sample system memory: %w", err)
	}
	return vm.Available, nil
}

// Sizer 决定下一次从归档流读多少字节。
type Sizer struct {
	sample MemorySampler
	margin int64
}

// NewSizer 创建一个 Sizer。margin 取 UploadMargin 或 ExtractMargin。
func NewSizer(sample MemorySampler, margin int64) *Sizer {
	if sample == nil {
		sample = SystemMemory
	}
	return &Sizer{sample: sample, margin: margin}
}

// Next 返回下一个分块的字节数。
//
// 策略: candidate = min(可用内存, 分片上限) - 安全余量；
// 若 readForSplit + candidate 会越过 splitLimit，精确夹到剩余量。
// splitLimit <= 0 表示不做分卷夹取 (单对象模式)。
//
// 永远不返回非正数：内存压力把 candidate 压到 <= 0 属于致命的
// 资源耗尽 (types.ErrMemoryExhausted)，不做降级。
func (s *Sizer) Next(readForSplit, splitLimit int64) (int64, error) {
	avail, err := s.sample()
	if err != nil {
		return 0, err
	}
	candidate := int64(avail)
	if candidate > PartCeiling {
		candidate = PartCeiling
	}
	candidate -= s.margin
	if candidate <= 0 {
		return 0, fmt.Errorf("%w: %d bytes available, %d margin required",
			types.ErrMemoryExhausted, avail, s.margin)
	}
	if splitLimit > 0 && readForSplit+candidate > splitLimit {
		candidate = splitLimit - readForSplit
	}
	if candidate <= 0 {
		// readForSplit >= splitLimit 说明调用方的循环已经失控
		return 0, fmt.Errorf("split boundary already reached: %d of %d bytes read",
			readForSplit, splitLimit)
	}
	return candidate, nil
}
