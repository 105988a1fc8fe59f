package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yuqie6/bprogress/internal/bootstrap"
	"github.com/yuqie6/bprogress/internal/pkg/buildinfo"
)

var (
	cfgFile string
	core    *bootstrap.Core
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "bprogress",
		Short:   "BProgress - 习惯打卡与连续里程碑提醒",
		Long:    `BProgress 记录每日打卡，在到达连续打卡里程碑时记录感受并发送 AI 生成的鼓励通知。`,
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			core, err = bootstrap.NewCore(cfgFile)
			if err != nil {
				return fmt.Errorf("初始化失败: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if core != nil {
				_ = core.Close()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(importantCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(feelCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(resetCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
