// pkg/transfer/upload.go
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"snapbucket/pkg/types"
)

// Unit 是一个逻辑归档：一个快照 (或恢复 key) 的完整载荷，
// 可能跨越多个远端对象。
type Unit struct {
	Plan KeyPlan
	// EstimatedSize 是挂载分区的估计大小 (字节)。
	// 【关键】分卷数量由估计值一次性决定：估计 <= SplitSize 的单元
	// 永远不分卷，即使实际流稍微超出估计。循环内部仍然用 SplitSize
	// 作为每个对象的硬边界。
	EstimatedSize int64
	SplitSize     int64
	Metadata      map[string]string
}

// Result 汇总一次上传产生的远端对象。
type Result struct {
	Keys  []string
	Bytes int64
	Parts int
}

// sourceVerifier 让归档源在 EOF 后自证清白。
// tarstream.Source 实现它：EOF 可能只是 tar 进程崩了导致管道关闭，
// Complete 之前必须确认进程正常退出，否则会把截断的归档提交到远端。
type sourceVerifier interface {
	Verify() error
}

// Uploader 驱动备份方向的分卷循环 (Split Controller)。
type Uploader struct {
	store   ObjectStore
	sizer   *Sizer
	verbose int
}

func NewUploader(store ObjectStore, sizer *Sizer, verbose int) *Uploader {
	return &Uploader{store: store, sizer: sizer, verbose: verbose}
}

// Run 把 src 的字节流搬到远端，按 Unit 的分卷策略切对象。
//
// 1. 估计值决定单对象还是多分卷 (key 是否带 -partN)
// 2. 每轮先问 Sizer 该读多少 (受分卷边界夹取)，读满或到 EOF
// 3. 有数据才惰性开会话，逐分片上传
// 4. 到达分卷边界: Complete 当前会话，下一轮换新 key 继续
// 5. EOF: 校验归档源，Complete 收尾
//
// 任何错误展开时都先 Abort 当前开着的会话。
func (u *Uploader) Run(ctx context.Context, src io.Reader, unit Unit) (*Result, error) {
	single := unit.EstimatedSize <= unit.SplitSize
	partNo := SinglePart
	splitLimit := int64(0)
	if !single {
		partNo = 1
		splitLimit = unit.SplitSize
	}
	if u.verbose > 1 && single {
		fmt.Printf("Uploading as a single object as %d >= %d\n", unit.SplitSize, unit.EstimatedSize)
	}

	var (
		result       Result
		sess         Session
		parts        []CompletedPart
		key          string
		readForSplit int64
		partNum      int32 = 1
	)
	abort := func() {
		if sess != nil {
			// 尽力清理；原始错误更重要
			_ = sess.Abort(ctx)
			sess = nil
		}
	}

	for {
		size, err := u.sizer.Next(readForSplit, splitLimit)
		if err != nil {
			abort()
			return nil, err
		}
		buf := make([]byte, size)
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if sess == nil {
				key = unit.Plan.ObjectKey(partNo)
				fmt.Printf("Uploading %s\n", key)
				sess, err = u.store.OpenSession(ctx, key, unit.Plan.ContentType(), unit.Metadata)
				if err != nil {
					return nil, fmt.Errorf("failed to open session for %q: %w", key, err)
				}
			}
			part, uerr := sess.UploadPart(ctx, buf[:n], partNum)
			if uerr != nil {
				abort()
				return nil, uerr
			}
			parts = append(parts, part)
			partNum++
			readForSplit += int64(n)
			result.Bytes += int64(n)
			result.Parts++
			if u.verbose > 0 {
				fmt.Printf("Part # %d, ", part.Number)
			}
			fmt.Printf("Uploaded %.2f MiB (total) \r", float64(result.Bytes)/(1024*1024))
		}

		switch {
		case rerr == nil:
			// 整块读满了，继续
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			// 流结束。先确认归档源不是崩溃导致的假 EOF。
			if v, ok := src.(sourceVerifier); ok {
				if verr := v.Verify(); verr != nil {
					abort()
					return nil, verr
				}
			}
			if sess != nil {
				if cerr := sess.Complete(ctx, parts); cerr != nil {
					abort()
					return nil, cerr
				}
				sess = nil
				result.Keys = append(result.Keys, key)
			}
			fmt.Println()
			return &result, nil
		default:
			abort()
			return nil, fmt.Errorf("%w: reading archive stream: %v", types.ErrSourceFailure, rerr)
		}

		if splitLimit > 0 && readForSplit >= splitLimit {
			// 正好到达分卷边界：收掉当前对象，换下一个 key 继续
			if cerr := sess.Complete(ctx, parts); cerr != nil {
				abort()
				return nil, cerr
			}
			result.Keys = append(result.Keys, key)
			sess = nil
			parts = nil
			partNum = 1
			readForSplit = 0
			partNo++
		}
	}
}
