// pkg/fs/fstab.go
package fs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// 根文件系统那一行的寻址方式：UUID= 或 LABEL=
var fstabPattern = regexp.MustCompile(`(?i)((?:UUID)|(?:LABEL))=([0-9a-z\-]+)\s+((?:/boot)|(?:/))\s+(ext[2-4])`)

var blkidUUIDPattern = regexp.MustCompile(`(?im)^UUID=([0-9a-z\-]+)$`)

// fstabEntry 是从 fstab 首行解析出的设备寻址。
type fstabEntry struct {
	scheme string // "uuid" 或 "label"
	value  string
}

func parseFstab(line string) (fstabEntry, error) {
	match := fstabPattern.FindStringSubmatch(line)
	if match == nil {
		return fstabEntry{}, fmt.Errorf("unable to understand fstab: %q", strings.TrimSpace(line))
	}
	return fstabEntry{scheme: strings.ToLower(match[1]), value: match[2]}, nil
}

// rewriteFstabUUID 把旧 UUID 换成新设备的 UUID，其余内容原样保留。
func rewriteFstabUUID(line, oldUUID, newUUID string) string {
	return strings.Replace(line, oldUUID, newUUID, 1)
}

func parseBlkidUUID(output string) (string, error) {
	match := blkidUUIDPattern.FindStringSubmatch(output)
	if match == nil {
		return "", fmt.Errorf("no UUID in blkid output: %q", output)
	}
	return match[1], nil
}

// RepairFstab 让恢复出来的文件系统表指向新设备。
//
// 原快照用 UUID= 挂载：查新设备 (格式化后) 的 UUID，替换进表里。
// 原快照用 LABEL= 挂载：把旧 label 写到新设备上，并读回校验。
func (s *Service) RepairFstab() error {
	fstabPath := filepath.Join(s.mountPoint, "etc", "fstab")
	content, err := os.ReadFile(fstabPath)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", fstabPath, err)
	}
	line, _, _ := strings.Cut(string(content), "\n")

	entry, err := parseFstab(line)
	if err != nil {
		return err
	}

	switch entry.scheme {
	case "uuid":
		if s.verbose > 1 {
			fmt.Printf("The old snapshot was mounted using UUID=%s\n", entry.value)
		}
		out, err := exec.Command("blkid", "--output", "export", s.device).Output()
		if err != nil {
			return fmt.Errorf("blkid %q failed: %w", s.device, err)
		}
		newUUID, err := parseBlkidUUID(strings.TrimSpace(string(out)))
		if err != nil {
			return err
		}
		if s.verbose > 1 {
			fmt.Printf("New UUID of volume=%s\n", newUUID)
		}
		rewritten := rewriteFstabUUID(string(content), entry.value, newUUID)
		if err := os.WriteFile(fstabPath, []byte(rewritten), 0644); err != nil {
			return fmt.Errorf("failed to write %q: %w", fstabPath, err)
		}
	case "label":
		if s.verbose > 1 {
			fmt.Printf("The old snapshot was mounted using LABEL=%s\n", entry.value)
		}
		if out, err := exec.Command("e2label", s.device, entry.value).CombinedOutput(); err != nil {
			return fmt.Errorf("e2label %q failed: %w: %s", s.device, err, out)
		}
		time.Sleep(time.Second)
		out, err := exec.Command("e2label", s.device).Output()
		if err != nil {
			return fmt.Errorf("e2label %q failed: %w", s.device, err)
		}
		if got := strings.TrimSpace(string(out)); got != entry.value {
			return fmt.Errorf("unable to change the volume label to %q (got %q)", entry.value, got)
		}
		if s.verbose > 1 {
			fmt.Printf("Updated new volume with LABEL=%s\n", entry.value)
		}
	}
	return nil
}
