// pkg/s3/session.go
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"snapbucket/pkg/transfer"
	"snapbucket/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// session 拥有一个远端对象的 multipart 生命周期，实现 transfer.Session。
type session struct {
	client   api
	bucket   string
	key      string
	uploadID string
	verbose  int
}

// contentMD5 计算 S3 ContentMD5 头要求的 Base64 编码 MD5。
// 远端用它做分片级完整性校验。
func contentMD5(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// withRetry 有界重试：固定间隔，显式计数，带着最后一次错误返回。
func withRetry(ctx context.Context, op func() error) error {
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if last = op(); last == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		fmt.Fprintf(os.Stderr, "Failed: %q.\nRetrying.\n", last)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return last
}

// UploadPart 上传一个分片，附带内容校验和。
// 瞬时失败重试 4 次 (间隔 4 秒)；耗尽后返回 ErrPartUploadFailed，
// 调用方必须 Abort 会话。
func (s *session) UploadPart(ctx context.Context, body []byte, partNumber int32) (transfer.CompletedPart, error) {
	checksum := contentMD5(body)
	var etag string
	err := withRetry(ctx, func() error {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     &s.bucket,
			Key:        &s.key,
			UploadId:   &s.uploadID,
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(body),
			ContentMD5: &checksum,
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	if err != nil {
		return transfer.CompletedPart{}, fmt.Errorf("%w: part %d of %q: %v",
			types.ErrPartUploadFailed, partNumber, s.key, err)
	}
	return transfer.CompletedPart{ETag: etag, Number: partNumber}, nil
}

// Complete 用完整有序的分片列表收尾。重试策略同 UploadPart。
// 用相同分片列表重复调用不会产生重复对象 (远端幂等)。
func (s *session) Complete(ctx context.Context, parts []transfer.CompletedPart) error {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	err := withRetry(ctx, func() error {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   &s.bucket,
			Key:      &s.key,
			UploadId: &s.uploadID,
			MultipartUpload: &s3types.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %v", types.ErrCompleteFailed, s.key, err)
	}
	if s.verbose > 0 {
		fmt.Printf("\nCompleted multipart upload, key: %s\n", s.key)
	}
	return nil
}

// Abort 尽力丢弃半开会话已上传的字节。
func (s *session) Abort(ctx context.Context) error {
	fmt.Fprintln(os.Stderr, "Multipart upload failed. Trying to abort")
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &s.bucket,
		Key:      &s.key,
		UploadId: &s.uploadID,
	})
	if err != nil {
		return fmt.Errorf("s3 abort failed for %q: %w", s.key, err)
	}
	return nil
}
