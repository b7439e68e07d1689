// pkg/config/config.go
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"snapbucket/pkg/types"

	"github.com/spf13/viper"
)

// 分卷大小的硬边界：S3 单对象分片模型决定了上限 5 TiB，
// 分片本身最小 5 MiB，所以 split 不能更小。
const (
	MinSplitSize = 5 * 1024 * 1024
	MaxSplitSize = 5 * 1024 * 1024 * 1024 * 1024
)

// Settings 是贯穿全程的显式配置结构。
// 【关键】不修改进程环境变量 (http_proxy 之类)，代理配置由这里
// 注入到每个外部 API 客户端的 HTTP Transport。
type Settings struct {
	Bucket       string
	Tag          string
	VolumeType   string
	IOPS         int32
	Throughput   int32
	StorageClass string
	MountPoint   string
	RestoreDir   string
	JournalPath  string

	Proxy   string
	NoProxy string

	SplitSize int64
	Gzip      bool
	Delete    bool

	Restore    bool
	RestoreKey string
	Boot       bool

	AccessKeyID     string
	SecretAccessKey string

	Verbose int
}

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		// 搜索顺序：当前目录 -> ~/.s2b
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join(home, ".s2b"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 读取环境变量 (S2B_BUCKET 等)
	viper.SetEnvPrefix("S2B")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// 没有配置文件不算错 (纯 flag/env 运行是常态)，格式错才报错
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("tag", "snap-to-bucket")
	viper.SetDefault("volume-type", "gp2")
	viper.SetDefault("storage-class", "STANDARD")
	viper.SetDefault("mount", "/mnt/snaps")
	viper.SetDefault("restore-dir", "/tmp/snap-to-bucket")
	viper.SetDefault("split", "5t")
	viper.SetDefault("journal", "/var/lib/snapbucket/journal.db")
}

// FromViper 把 Viper 的当前状态收敛成 Settings。
// split 的解析错误在这里暴露，其余合法性检查交给 Validate。
func FromViper() (*Settings, error) {
	split, err := ParseSplitSize(viper.GetString("split"))
	if err != nil {
		return nil, err
	}
	return &Settings{
		Bucket:          viper.GetString("bucket"),
		Tag:             viper.GetString("tag"),
		VolumeType:      strings.ToLower(viper.GetString("volume-type")),
		IOPS:            viper.GetInt32("iops"),
		Throughput:      viper.GetInt32("throughput"),
		StorageClass:    strings.ToUpper(viper.GetString("storage-class")),
		MountPoint:      viper.GetString("mount"),
		RestoreDir:      viper.GetString("restore-dir"),
		JournalPath:     viper.GetString("journal"),
		Proxy:           viper.GetString("proxy"),
		NoProxy:         viper.GetString("noproxy"),
		SplitSize:       split,
		Gzip:            viper.GetBool("gzip"),
		Delete:          viper.GetBool("delete"),
		Restore:         viper.GetBool("restore"),
		RestoreKey:      viper.GetString("key"),
		Boot:            viper.GetBool("boot"),
		AccessKeyID:     viper.GetString("access-key-id"),
		SecretAccessKey: viper.GetString("secret-access-key"),
		Verbose:         viper.GetInt("verbose"),
	}, nil
}

// volumeSpec 描述一种卷类型允许的性能参数。
// 把原本散落在选项解析里的隐式规则收拢成一张表，编排开始前查一次。
type volumeSpec struct {
	iopsMin    int32
	iopsMax    int32
	throughput bool // 是否支持单独设置吞吐
}

var volumeSpecs = map[string]volumeSpec{
	"standard": {},
	"gp2":      {},
	"gp3":      {iopsMin: 3000, iopsMax: 16000, throughput: true},
	"io1":      {iopsMin: 100, iopsMax: 64000},
	"io2":      {iopsMin: 100, iopsMax: 64000},
	"sc1":      {},
	"st1":      {},
}

var storageClasses = map[string]bool{
	"STANDARD":            true,
	"REDUCED_REDUNDANCY":  true,
	"STANDARD_IA":         true,
	"ONEZONE_IA":          true,
	"GLACIER":             true,
	"INTELLIGENT_TIERING": true,
	"DEEP_ARCHIVE":        true,
}

// Validate 一次性检查所有配置合法性。
// 所有违规都归类为 types.ErrConfiguration。
func (s *Settings) Validate() error {
	if s.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", types.ErrConfiguration)
	}
	spec, ok := volumeSpecs[s.VolumeType]
	if !ok {
		return fmt.Errorf("%w: unrecognized volume type %q", types.ErrConfiguration, s.VolumeType)
	}
	if s.IOPS != 0 {
		if spec.iopsMax == 0 {
			return fmt.Errorf("%w: volume type %q does not support IOPS", types.ErrConfiguration, s.VolumeType)
		}
		if s.IOPS < spec.iopsMin || s.IOPS > spec.iopsMax {
			return fmt.Errorf("%w: %s supports %d-%d IOPS, %d passed",
				types.ErrConfiguration, s.VolumeType, spec.iopsMin, spec.iopsMax, s.IOPS)
		}
	}
	if s.Throughput != 0 {
		if !spec.throughput {
			return fmt.Errorf("%w: only gp3 supports throughput, %q passed", types.ErrConfiguration, s.VolumeType)
		}
		if s.Throughput < 125 || s.Throughput > 1000 {
			return fmt.Errorf("%w: throughput must be 125-1000 MiB/s, %d passed", types.ErrConfiguration, s.Throughput)
		}
	}
	if !storageClasses[s.StorageClass] {
		return fmt.Errorf("%w: unrecognized storage class %q", types.ErrConfiguration, s.StorageClass)
	}
	if s.Restore && s.RestoreKey == "" {
		return fmt.Errorf("%w: missing key argument for restore", types.ErrConfiguration)
	}
	return nil
}

var splitPattern = regexp.MustCompile(`(?i)^([\d.]+)(b|k|m|g|t)$`)

// ParseSplitSize 解析 <number><b|k|m|g|t> 形式的分卷大小。
// 边界: 5 MiB - 5 TiB，向上取整到字节。
func ParseSplitSize(value string) (int64, error) {
	match := splitPattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return 0, fmt.Errorf("%w: %q not in <size><b|k|m|g|t> format", types.ErrConfiguration, value)
	}
	size, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q not in <size><b|k|m|g|t> format", types.ErrConfiguration, value)
	}
	switch strings.ToLower(match[2]) {
	case "k":
		size *= 1024
	case "m":
		size *= 1024 * 1024
	case "g":
		size *= 1024 * 1024 * 1024
	case "t":
		size *= 1024 * 1024 * 1024 * 1024
	}
	bytes := int64(math.Ceil(size))
	if bytes > MaxSplitSize {
		return 0, fmt.Errorf("%w: can not have split size greater than 5t, %q provided", types.ErrConfiguration, value)
	}
	if bytes < MinSplitSize {
		return 0, fmt.Errorf("%w: can not have split size lesser than 5m, %q provided", types.ErrConfiguration, value)
	}
	return bytes, nil
}
