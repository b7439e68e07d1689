// pkg/tarstream/source.go
package tarstream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"snapbucket/pkg/types"
)

// Source 把目录树变成一条连续的字节流：
//
//	tar --create [| gzip -6] -> Read()
//
// tar / gzip 作为独立进程跑，核心进程同步读它们的标准输出。
// 背压由管道天然提供 —— 读多少，tar 写多少。
type Source struct {
	tarCmd  *exec.Cmd
	gzipCmd *exec.Cmd
	out     io.ReadCloser

	waited  bool
	waitErr error
}

// NewSource 在 dir 上启动归档管线。gzip 为 true 时追加压缩级 6 的压缩进程。
func NewSource(dir string, gzip bool) (*Source, error) {
	s := &Source{}
	s.tarCmd = exec.Command("tar", "--directory", dir, "--create",
		"--preserve-permissions", ".")

	tarOut, err := s.tarCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe tar stdout: %w", err)
	}

	if gzip {
		s.gzipCmd = exec.Command("gzip", "--to-stdout", "-6")
		s.gzipCmd.Stdin = tarOut
		out, err := s.gzipCmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to pipe gzip stdout: %w", err)
		}
		s.out = out
	} else {
		s.out = tarOut
	}

	if err := s.tarCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tar: %w", err)
	}
	if s.gzipCmd != nil {
		if err := s.gzipCmd.Start(); err != nil {
			// tar 已经起了，别留孤儿进程
			_ = s.tarCmd.Process.Kill()
			_, _ = s.tarCmd.Process.Wait()
			return nil, fmt.Errorf("failed to start gzip: %w", err)
		}
	}
	return s, nil
}

// Read 从管线尾部读字节，io.Reader 语义。
func (s *Source) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

// Verify 在流读到 EOF 后确认两个进程都正常退出。
// EOF 也可能只是 tar 崩溃导致的管道关闭 —— 那样的流是截断的，
// 绝不能提交，所以 Complete 之前必须先过这一关。
func (s *Source) Verify() error {
	s.reap()
	return s.waitErr
}

// Close 收掉管线。错误路径上管道提前关闭会让 tar 收到 EPIPE 退出，
// 这里只负责回收进程，不再报告退出状态 (原始错误更重要)。
func (s *Source) Close() error {
	err := s.out.Close()
	s.reap()
	if errors.Is(err, os.ErrClosed) {
		// Wait 已经把管道收掉了 (正常 EOF 之后的 Close)
		return nil
	}
	return err
}

func (s *Source) reap() {
	if s.waited {
		return
	}
	s.waited = true
	if err := s.tarCmd.Wait(); err != nil {
		s.waitErr = fmt.Errorf("%w: tar: %v", types.ErrSourceFailure, err)
	}
	if s.gzipCmd != nil {
		if err := s.gzipCmd.Wait(); err != nil && s.waitErr == nil {
			s.waitErr = fmt.Errorf("%w: gzip: %v", types.ErrSourceFailure, err)
		}
	}
}
