// pkg/app/app.go
package app

import (
	"context"
	"fmt"
	"os"

	"snapbucket/pkg/config"
	"snapbucket/pkg/ec2"
	"snapbucket/pkg/fs"
	"snapbucket/pkg/meta"
	"snapbucket/pkg/orchestrator"
	"snapbucket/pkg/s3"
	"snapbucket/pkg/transfer"
)

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有所有"单例"服务
type App struct {
	Settings *config.Settings
	Identity ec2.Identity
	Compute  *ec2.Client
	Bucket   *s3.Adapter
	FS       *fs.Service
	Journal  *meta.Repository
}

// NewApp 是工厂函数，负责组装这一台机器
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
func NewApp(ctx context.Context) (*App, error) {
	// 1. 收敛配置 (Single Source of Truth)
	settings, err := config.FromViper()
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	// 2. 问元数据服务自己是谁：实例 ID + 所在区域
	// 不在 EC2 实例上跑这一步就会失败，这是硬前提
	identity, err := ec2.FetchIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query instance identity: %w", err)
	}

	// 3. 组装 AWS SDK 配置 (代理、凭证都走显式注入)
	cfg, err := ec2.NewAWSConfig(ctx, identity.Region, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to build aws config: %w", err)
	}

	// 4. 初始化存储层 (Dependency Injection)
	// NewAdapter 会先探一下桶的可达性，早死早超生
	bucket, err := s3.NewAdapter(ctx, cfg, settings.Bucket, settings.StorageClass, settings.Verbose)
	if err != nil {
		return nil, err
	}

	fsvc, err := fs.NewService(settings.MountPoint, settings.Verbose)
	if err != nil {
		return nil, err
	}

	a := &App{
		Settings: settings,
		Identity: identity,
		Compute:  ec2.New(cfg, settings, identity),
		Bucket:   bucket,
		FS:       fsvc,
	}

	// 5. 传输日志尽力而为：打不开就降级成没有日志，不挡迁移
	if settings.JournalPath != "" {
		if db, derr := meta.NewDB(settings.JournalPath); derr == nil {
			a.Journal = meta.NewRepository(db)
		} else {
			fmt.Fprintf(os.Stderr, "Journal disabled: %v\n", derr)
		}
	}
	return a, nil
}

// NewJournalOnly 只装配传输日志，给 `s2b log` 这类不碰云端的命令用。
// 不校验 bucket 等迁移配置，也不触碰 IMDS。
func NewJournalOnly() (*App, error) {
	settings, err := config.FromViper()
	if err != nil {
		return nil, err
	}
	a := &App{Settings: settings}
	if settings.JournalPath != "" {
		if db, derr := meta.NewDB(settings.JournalPath); derr == nil {
			a.Journal = meta.NewRepository(db)
		} else {
			fmt.Fprintf(os.Stderr, "Journal disabled: %v\n", derr)
		}
	}
	return a, nil
}

// Migrator 组装备份方向的编排器。
func (a *App) Migrator() *orchestrator.Migrator {
	sizer := transfer.NewSizer(nil, transfer.UploadMargin)
	engine := transfer.NewUploader(a.Bucket, sizer, a.Settings.Verbose)
	return orchestrator.NewMigrator(a.Compute, a.FS, engine, a.recorder(), a.Settings)
}

// Restorer 组装恢复方向的编排器。
func (a *App) Restorer() *orchestrator.Restorer {
	return orchestrator.NewRestorer(a.Compute, a.FS, a.Bucket, a.recorder(), a.Settings)
}

// recorder 把可能为 nil 的 Journal 转成接口。
// 直接把 nil 指针塞进接口会得到一个非 nil 的接口值，必须在这里拦。
func (a *App) recorder() orchestrator.Recorder {
	if a.Journal == nil {
		return nil
	}
	return a.Journal
}
