package commands

import (
	"errors"
	"fmt"
	"os"

	"snapbucket/pkg/app"
	"snapbucket/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	S2B *app.App
)

// errNotRoot 标记权限不足，Execute 的调用方把它映射成退出码 5。
var errNotRoot = errors.New("this tool must be run as root")

var rootCmd = &cobra.Command{
	Use:   "s2b",
	Short: "Move EBS snapshots to S3 buckets, and back",
	Long: `s2b streams tagged EBS snapshots into S3 objects as tar archives,
and restores those archives back onto fresh EBS volumes.`,
	Version:      "1.0.0",
	SilenceUsage: true,
	// 【关键】PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// log 只读本地日志，不需要 root 也不需要云端客户端
		if cmd.Name() == "log" {
			var err error
			S2B, err = app.NewJournalOnly()
			return err
		}

		// 挂载、分区、chroot 全都需要 root，不是的话立刻停
		if os.Geteuid() != 0 {
			return errNotRoot
		}

		// 统一初始化 App
		var err error
		S2B, err = app.NewApp(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize s2b: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if S2B.Settings.Restore {
			return S2B.Restorer().Run(ctx)
		}
		return S2B.Migrator().Run(ctx)
	},
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode 把错误映射成进程退出码。权限不足是 5，其余都是 1。
func ExitCode(err error) int {
	if errors.Is(err, errNotRoot) {
		return 5
	}
	return 1
}

func init() {
	// 在初始化时，加载配置
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.s2b/config.yaml)")

	// 所有参数都绑定到 Viper：yaml 里能写，S2B_ 环境变量能给，flag 能覆盖
	pf := rootCmd.PersistentFlags()
	pf.StringP("bucket", "b", "", "Bucket to push snapshots to (required)")
	pf.StringP("tag", "t", "snap-to-bucket", "Tag (key) to look for on snapshots")
	pf.String("type", "gp2", "Volume type to create from snapshots")
	pf.Int32("iops", 0, "Provisioned IOPS (io1/io2/gp3 only)")
	pf.Int32("throughput", 0, "Throughput in MiB/s (gp3 only)")
	pf.String("storage-class", "STANDARD", "Storage class for uploaded objects")
	pf.StringP("mount", "m", "/mnt/snaps", "Mount point for snapshot volumes")
	pf.BoolP("delete", "d", false, "Delete snapshots after migrating them")
	pf.StringP("split", "s", "5t", "Split size for uploaded objects, e.g. 500m, 5g, 1t")
	pf.BoolP("gzip", "g", false, "Compress the tar stream with gzip")
	pf.BoolP("restore", "r", false, "Restore a key from the bucket to a new volume")
	pf.StringP("key", "k", "", "Key to restore (required with --restore)")
	pf.Bool("boot", false, "Make the restored volume bootable")
	pf.String("restore-dir", "/tmp/snap-to-bucket", "Directory for temporary downloads during restore")
	pf.String("proxy", "", "HTTPS proxy, e.g. http://proxy.example.com:3128")
	pf.String("noproxy", "", "Comma separated hosts that bypass the proxy")
	pf.String("journal", "/var/lib/snapbucket/journal.db", "Path of the local transfer journal")
	pf.CountP("verbose", "v", "Increase verbosity (repeatable)")

	bindings := map[string]string{
		"bucket":        "bucket",
		"tag":           "tag",
		"volume-type":   "type",
		"iops":          "iops",
		"throughput":    "throughput",
		"storage-class": "storage-class",
		"mount":         "mount",
		"delete":        "delete",
		"split":         "split",
		"gzip":          "gzip",
		"restore":       "restore",
		"key":           "key",
		"boot":          "boot",
		"restore-dir":   "restore-dir",
		"proxy":         "proxy",
		"noproxy":       "noproxy",
		"journal":       "journal",
		"verbose":       "verbose",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, pf.Lookup(flag)); err != nil {
			fmt.Println("Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}
