// pkg/fs/device.go
package fs

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"snapbucket/pkg/types"
)

// blockDevice 是 lsblk --json 输出的结构化视图。
type blockDevice struct {
	Name       string        `json:"name"`
	Serial     string        `json:"serial"`
	MountPoint string        `json:"mountpoint"`
	Children   []blockDevice `json:"children"`
}

type deviceList struct {
	BlockDevices []blockDevice `json:"blockdevices"`
}

// listBlockDevices 用 lsblk 枚举块设备及其序列号/挂载点。
func listBlockDevices() ([]blockDevice, error) {
	out, err := exec.Command("lsblk", "--json", "--output", "NAME,SERIAL,MOUNTPOINT").Output()
	if err != nil {
		return nil, fmt.Errorf("lsblk failed: %w", err)
	}
	return parseBlockDevices(out)
}

func parseBlockDevices(raw []byte) ([]blockDevice, error) {
	var list deviceList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode lsblk output: %w", err)
	}
	return list.BlockDevices, nil
}

// findMountable 找到可以挂载的设备路径。
// 匹配序列号的设备如果有未挂载的子分区，选子分区；否则选裸设备
// (快照卷可能整盘就是一个文件系统)。
func findMountable(devices []blockDevice, id types.VolumeID) (string, error) {
	serial := id.Serial()
	for _, dev := range devices {
		if dev.Serial != serial {
			continue
		}
		for _, child := range dev.Children {
			if child.MountPoint == "" {
				return "/dev/" + child.Name, nil
			}
		}
		return "/dev/" + dev.Name, nil
	}
	return "", fmt.Errorf("%w: serial %q", types.ErrDeviceResolution, serial)
}

// findMBRDevice 找到要写引导记录的设备。
// grub 要装在整盘上：如果有子分区挂在 mountPoint，选父设备。
func findMBRDevice(devices []blockDevice, id types.VolumeID, mountPoint string) (string, error) {
	serial := id.Serial()
	for _, dev := range devices {
		if dev.Serial != serial {
			continue
		}
		for _, child := range dev.Children {
			if child.MountPoint == mountPoint {
				return "/dev/" + dev.Name, nil
			}
		}
		return "/dev/" + dev.Name, nil
	}
	return "", fmt.Errorf("%w: serial %q", types.ErrDeviceResolution, serial)
}
