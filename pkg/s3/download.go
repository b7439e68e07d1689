// pkg/s3/download.go
package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"snapbucket/pkg/transfer"
)

// listObjects 按前缀分页枚举对象。
func (a *Adapter) listObjects(ctx context.Context, prefix string) ([]s3types.Object, error) {
	var objects []s3types.Object
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &a.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 list failed for prefix %q: %w", prefix, err)
		}
		objects = append(objects, out.Contents...)
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return objects, nil
}

// ObjectCountAndSize 返回恢复 key 下的对象数量和解包后的分区大小。
//
// 大小优先取第一个对象的 disc-size 元数据 (上传时记录的 df 结果)；
// 元数据缺失或无意义 (< 2) 时退化为所有对象大小之和。
func (a *Adapter) ObjectCountAndSize(ctx context.Context, prefix string) (int, int64, error) {
	objects, err := a.listObjects(ctx, prefix)
	if err != nil {
		return 0, 0, err
	}
	if len(objects) == 0 {
		return 0, 0, fmt.Errorf("unable to access key %q in bucket %q", prefix, a.bucket)
	}
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &a.bucket,
		Key:    objects[0].Key,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("s3 head failed for %q: %w", aws.ToString(objects[0].Key), err)
	}
	var size int64
	if v, ok := head.Metadata[transfer.SizeMetadataKey]; ok {
		size, _ = strconv.ParseInt(v, 10, 64)
	}
	if size < 2 {
		size = 0
		for _, o := range objects {
			size += aws.ToInt64(o.Size)
		}
	}
	return len(objects), size, nil
}

// PartKey 找到第 partNo 个分卷的完整 key。
// partNo == -1 表示单对象，直接取前缀下第一个。
// 不按列表顺序数 —— S3 按字典序排，part10 会排在 part2 前面。
func (a *Adapter) PartKey(ctx context.Context, prefix string, partNo int) (string, error) {
	objects, err := a.listObjects(ctx, prefix)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		return "", fmt.Errorf("unable to access key %q in bucket %q", prefix, a.bucket)
	}
	if partNo == -1 {
		return aws.ToString(objects[0].Key), nil
	}
	marker := fmt.Sprintf("-part%d.tar", partNo)
	for _, o := range objects {
		key := aws.ToString(o.Key)
		if filepath.Ext(key) == ".gz" {
			key = key[:len(key)-len(".gz")]
		}
		if len(key) >= len(marker) && key[len(key)-len(marker):] == marker {
			return aws.ToString(o.Key), nil
		}
	}
	return "", fmt.Errorf("unable to find part %d under key %q", partNo, prefix)
}

// Download 把对象流式写到 destDir 下 (保持 key 的目录结构)，
// 带进度回显。失败时删掉残缺的本地文件。
func (a *Adapter) Download(ctx context.Context, key, destDir string) (string, error) {
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("s3 head failed for %q: %w", key, err)
	}
	total := aws.ToInt64(head.ContentLength)

	local := filepath.Join(destDir, key)
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return "", err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("s3 get failed for %q: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(local)
	if err != nil {
		return "", err
	}
	progress := &progressWriter{name: key, total: total}
	if _, err := io.Copy(io.MultiWriter(f, progress), out.Body); err != nil {
		f.Close()
		os.Remove(local)
		return "", fmt.Errorf("failed while downloading s3://%s/%s: %w", a.bucket, key, err)
	}
	fmt.Println()
	if err := f.Close(); err != nil {
		os.Remove(local)
		return "", err
	}
	return local, nil
}

// progressWriter 边写边打百分比 (回车覆盖同一行)
type progressWriter struct {
	name  string
	total int64
	seen  int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.seen += int64(len(b))
	if p.total > 0 {
		fmt.Printf("Downloading %s: %.2f%% done \r", p.name, float64(p.seen)/float64(p.total)*100)
	}
	return len(b), nil
}
