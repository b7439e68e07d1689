// pkg/types/errors.go
package types

import "errors"

// 错误分类 (Error Taxonomy)
// 所有包级错误都用 errors.Is 判断；调用链上用 fmt.Errorf("...: %w", err)
// 附加资源 ID 和正在补偿的动作。
var (
	// ErrResourceTimeout: 远端资源在有界轮询内没有到达期望状态。
	// 触发方负责补偿删除刚创建的资源。
	ErrResourceTimeout = errors.New("resource did not reach expected state in time")

	// ErrPartUploadFailed: 分片上传重试耗尽。调用方必须 Abort 会话。
	ErrPartUploadFailed = errors.New("multipart part upload failed")

	// ErrCompleteFailed: 分片上传的 Complete 调用重试耗尽。
	ErrCompleteFailed = errors.New("multipart upload completion failed")

	// ErrSourceFailure: 本地 tar/gzip 进程非零退出。
	// 绝不重试 (重放损坏的流不安全)，且不会 Complete 任何半开会话。
	ErrSourceFailure = errors.New("archive source process failed")

	// ErrTransferCorruption: 解包进程拒绝了恢复的数据。
	ErrTransferCorruption = errors.New("extractor rejected restored data")

	// ErrDeviceResolution: 没有块设备匹配期望的序列号。
	ErrDeviceResolution = errors.New("no block device matches volume serial")

	// ErrConfiguration: 不支持的卷类型/存储类别、缺失的恢复 key 等。
	// 在编排开始前一次性检查。
	ErrConfiguration = errors.New("invalid configuration")

	// ErrMemoryExhausted: 可用内存不足以读取哪怕一个最小分块。
	// 这是致命的资源耗尽，不做降级。
	ErrMemoryExhausted = errors.New("not enough available memory for a transfer chunk")
)
