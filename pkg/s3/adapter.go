// pkg/s3/adapter.go
package s3

import (
	"context"
	"fmt"
	"time"

	"snapbucket/pkg/transfer"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// 上传/收尾失败的重试预算：固定 4 次尝试，每次间隔 4 秒。
// 显式循环，不搞递归重试。
const maxAttempts = 4

// var 而不是 const：测试里缩短间隔
var retryDelay = 4 * time.Second

// api 是本包实际用到的 S3 客户端切面，测试里注入 fake。
type api interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Adapter 实现了 transfer.ObjectStore 接口，同时承担恢复方向的
// 枚举与下载。
type Adapter struct {
	client       api
	bucket       string
	storageClass s3types.StorageClass
	verbose      int
}

// NewAdapter 创建 S3 客户端并立刻探测桶的可达性。
// 桶都访问不了的话，后面的一切都是白忙。
func NewAdapter(ctx context.Context, cfg aws.Config, bucket, storageClass string, verbose int) (*Adapter, error) {
	client := s3.NewFromConfig(cfg)
	a := &Adapter{
		client:       client,
		bucket:       bucket,
		storageClass: s3types.StorageClass(storageClass),
		verbose:      verbose,
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket}); err != nil {
		return nil, fmt.Errorf("unable to access bucket %q: %w", bucket, err)
	}
	return a, nil
}

// OpenSession 注册远端 multipart upload，返回会话句柄。
func (a *Adapter) OpenSession(ctx context.Context, key, contentType string, metadata map[string]string) (transfer.Session, error) {
	out, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       &a.bucket,
		Key:          &key,
		ContentType:  &contentType,
		Metadata:     metadata,
		StorageClass: a.storageClass,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 create multipart upload failed: %w", err)
	}
	return &session{
		client:   a.client,
		bucket:   a.bucket,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
		verbose:  a.verbose,
	}, nil
}
