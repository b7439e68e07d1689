// pkg/transfer/store.go
package transfer

import "context"

// ObjectStore defines the remote side the transfer engine talks to.
// Implementations live in pkg/s3; tests inject fakes.
type ObjectStore interface {
	// OpenSession 注册一个远端 multipart upload，返回会话句柄。
	OpenSession(ctx context.Context, key, contentType string, metadata map[string]string) (Session, error)
}

// Session 拥有一个远端对象的完整生命周期。
// 不变式：一个会话要么 Complete (所有分片提交)，要么 Abort
// (已上传字节全部丢弃) —— 永远不能半开着返回给上层。
type Session interface {
	// UploadPart 上传一个分片并返回已提交分片的描述。
	// 实现方负责内容校验和与有界重试；重试耗尽返回 ErrPartUploadFailed。
	UploadPart(ctx context.Context, body []byte, partNumber int32) (CompletedPart, error)

	// Complete 用完整有序的分片列表收尾。幂等。
	Complete(ctx context.Context, parts []CompletedPart) error

	// Abort 尽力清理半开会话。任何不可恢复错误展开时都必须先调它。
	Abort(ctx context.Context) error
}

// CompletedPart 是一个已提交分片的远端凭据。
type CompletedPart struct {
	ETag   string
	Number int32
}
