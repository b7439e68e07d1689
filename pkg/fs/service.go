// pkg/fs/service.go
package fs

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"snapbucket/pkg/types"

	"golang.org/x/sys/unix"
)

// chroot 引导修复需要绑定进去的系统目录
var bindDirs = []string{"/sys", "/proc", "/run", "/dev"}

// Service 负责本地文件系统这一侧：设备解析、挂载、分区格式化、
// 引导修复。挂载点是单例资源 —— 同一时刻只有一个卷挂在上面。
type Service struct {
	mountPoint string
	verbose    int

	// device 是最近一次解析出的块设备路径，供 fstab/label 操作复用
	device string
}

func NewService(mountPoint string, verbose int) (*Service, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mount point %q: %w", mountPoint, err)
	}
	return &Service{mountPoint: mountPoint, verbose: verbose}, nil
}

func (s *Service) MountPoint() string { return s.mountPoint }

// settle 等设备树稳定下来。EBS attach 之后内核设备节点的出现
// 有延迟，partprobe + udevadm settle + 短暂睡眠是实践出来的组合。
func (s *Service) settle() {
	_ = exec.Command("partprobe").Run()
	_ = exec.Command("udevadm", "settle").Run()
	time.Sleep(5 * time.Second)
}

func (s *Service) resolveDevice(id types.VolumeID) error {
	devices, err := listBlockDevices()
	if err != nil {
		return err
	}
	device, err := findMountable(devices, id)
	if err != nil {
		return err
	}
	s.device = device
	return nil
}

// MountVolume 把卷对应的设备挂到挂载点。
func (s *Service) MountVolume(id types.VolumeID) error {
	s.settle()
	if err := s.resolveDevice(id); err != nil {
		return fmt.Errorf("unable to find device to mount: %w", err)
	}
	if s.verbose > 1 {
		fmt.Printf("Mounting %q at %q\n", s.device, s.mountPoint)
	}
	if out, err := exec.Command("mount", "--source", s.device,
		"--target", s.mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("mount %q failed: %w: %s", s.device, err, out)
	}
	return nil
}

// Unmount 卸载挂载点上的设备。
func (s *Service) Unmount() error {
	if s.verbose > 1 {
		fmt.Printf("Unmounting device at %q\n", s.mountPoint)
	}
	if out, err := exec.Command("umount", s.mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("umount %q failed: %w: %s", s.mountPoint, err, out)
	}
	return nil
}

// PrepareVolume 给空白设备分区并格式化。
//
// 1. DOS 分区表 + 一个 Linux 主分区 (boot 时标记 bootable)
// 2. 重新解析设备 (分区出现后可挂载目标变成子设备)
// 3. mke2fs ext4
//
// **NOTE:** 必须在挂载空白盘之前调用。
func (s *Service) PrepareVolume(id types.VolumeID, boot bool) error {
	s.settle()
	if err := s.resolveDevice(id); err != nil {
		return err
	}
	if s.verbose > 2 {
		fmt.Printf("Partitioning device %s\n", s.device)
	}
	layout := "label: dos\ntype=83\n"
	if boot {
		layout = "label: dos\ntype=83, bootable\n"
	}
	cmd := exec.Command("sfdisk", s.device)
	cmd.Stdin = strings.NewReader(layout)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("sfdisk %q failed: %w: %s", s.device, err, out)
	}
	s.settle()
	if err := s.resolveDevice(id); err != nil {
		return err
	}
	if s.verbose > 2 {
		fmt.Printf("Formatting device %s with ext4\n", s.device)
	}
	if out, err := exec.Command("mke2fs", "-t", "ext4", s.device).CombinedOutput(); err != nil {
		return fmt.Errorf("mke2fs %q failed: %w: %s", s.device, err, out)
	}
	return nil
}

// MountedSize 用 df 拿挂载分区的已用大小 (字节)。
// 比 du 粗糙但快得多 —— 这只是分卷估算的输入，不需要精确。
func (s *Service) MountedSize() (int64, error) {
	out, err := exec.Command("/bin/df", "--sync", "-k", "--local",
		"--output=used", s.mountPoint).Output()
	if err != nil {
		return 0, fmt.Errorf("df %q failed: %w", s.mountPoint, err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output: %q", out)
	}
	kb, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected df output: %q", out)
	}
	return kb * 1024, nil
}

// BindSystemDirs 把 chroot 需要的系统目录绑定进挂载点。
func (s *Service) BindSystemDirs() error {
	for _, loc := range bindDirs {
		if out, err := exec.Command("mount", "--bind", loc,
			s.mountPoint+loc).CombinedOutput(); err != nil {
			return fmt.Errorf("bind mount %q failed: %w: %s", loc, err, out)
		}
	}
	return nil
}

// UnbindSystemDirs 解除绑定。尽力而为，最后一个错误带出去。
func (s *Service) UnbindSystemDirs() error {
	var last error
	for _, loc := range bindDirs {
		if out, err := exec.Command("umount", s.mountPoint+loc).CombinedOutput(); err != nil {
			last = fmt.Errorf("unbind %q failed: %w: %s", loc, err, out)
		}
	}
	return last
}

// UpdateGrub chroot 进恢复好的文件系统重装引导。
// 真实 root 的文件描述符先留一手，装完原路返回。
func (s *Service) UpdateGrub(id types.VolumeID) error {
	fmt.Printf("ChRooting to %s to fix grub\n", s.mountPoint)
	devices, err := listBlockDevices()
	if err != nil {
		return err
	}
	mbrDevice, err := findMBRDevice(devices, id, s.mountPoint)
	if err != nil {
		return err
	}

	realRoot, err := unix.Open("/", unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open real root: %w", err)
	}
	defer unix.Close(realRoot)
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	if err := unix.Chdir(s.mountPoint); err != nil {
		return fmt.Errorf("chdir %q failed: %w", s.mountPoint, err)
	}
	if err := unix.Chroot(s.mountPoint); err != nil {
		return fmt.Errorf("chroot %q failed: %w", s.mountPoint, err)
	}

	grubErr := func() error {
		if out, err := exec.Command("grub-install", mbrDevice).CombinedOutput(); err != nil {
			return fmt.Errorf("grub-install %q failed: %w: %s", mbrDevice, err, out)
		}
		if out, err := exec.Command("update-grub").CombinedOutput(); err != nil {
			return fmt.Errorf("update-grub failed: %w: %s", err, out)
		}
		return nil
	}()

	// 无论 grub 装没装成，都必须退出 chroot
	if err := unix.Fchdir(realRoot); err != nil {
		return fmt.Errorf("failed to escape chroot: %w", err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("failed to escape chroot: %w", err)
	}
	if err := os.Chdir(cwd); err != nil {
		return err
	}
	return grubErr
}
