// pkg/tarstream/extractor.go
package tarstream

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"snapbucket/pkg/transfer"
	"snapbucket/pkg/types"
)

// Extractor 是恢复方向的归档汇：下载下来的字节写进一个长命的
// tar --extract 进程的标准输入。
//
// 【关键】同一个传输单元的所有分卷复用同一个进程实例 ——
// 分卷只是把一条 tar 流切开，换进程就丢了归档连续性。
// 只有最后一个分卷写完后才关闭 stdin (宣告流结束)。
type Extractor struct {
	dir     string
	sizer   *transfer.Sizer
	verbose int

	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewExtractor(dir string, sizer *transfer.Sizer, verbose int) *Extractor {
	return &Extractor{dir: dir, sizer: sizer, verbose: verbose}
}

// Feed 把一个已下载的分卷文件灌给解包进程，然后删掉本地文件。
//
// 1. 第一次调用时惰性启动解包进程 (按文件名后缀决定 --gzip)
// 2. 按 Sizer 给的内存额度分块搬运，避免一口吞下整个文件
// 3. 写完即删，磁盘上最多只同时存在一个分卷
func (e *Extractor) Feed(path string) error {
	fmt.Printf("Extracting %q to %q\n", path, e.dir)
	if e.cmd == nil {
		args := []string{"--extract", "--directory", e.dir,
			"--preserve-permissions", "--preserve-order"}
		if strings.Contains(path, ".tar.gz") {
			args = append(args, "--gzip")
		}
		e.cmd = exec.Command("tar", args...)
		e.cmd.Stdout = os.Stdout
		e.cmd.Stderr = os.Stderr
		stdin, err := e.cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to pipe tar stdin: %w", err)
		}
		if err := e.cmd.Start(); err != nil {
			return fmt.Errorf("failed to start extractor: %w", err)
		}
		e.stdin = stdin
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	for {
		size, err := e.sizer.Next(0, 0)
		if err != nil {
			return err
		}
		buf := make([]byte, size)
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := e.stdin.Write(buf[:n]); werr != nil {
				// 写失败几乎总是 tar 进程先死了 (EPIPE)
				return fmt.Errorf("%w: writing to extractor: %v", types.ErrTransferCorruption, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read %q: %w", path, rerr)
		}
	}
	return os.Remove(path)
}

// Close 关闭解包进程的 stdin (宣告归档结束) 并等待退出。
// 非零退出意味着恢复的字节被解包器拒绝 —— TransferCorruption。
func (e *Extractor) Close() error {
	if e.cmd == nil {
		return nil
	}
	if err := e.stdin.Close(); err != nil {
		return err
	}
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: tar: %v", types.ErrTransferCorruption, err)
	}
	return nil
}
