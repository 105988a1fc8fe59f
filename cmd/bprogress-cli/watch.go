package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/yuqie6/bprogress/internal/service"
)

// watchCmd 实时查看进度，到达里程碑时在终端询问感受
func watchCmd() *cobra.Command {
	var runTasks bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "实时查看进度并在里程碑时记录感受",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := core.Init(ctx); err != nil {
				return err
			}
			if runTasks {
				warnIfAIMissing()
				if err := core.Scheduler.Start(ctx); err != nil {
					return err
				}
				defer core.Scheduler.Stop()
			}

			notifier := service.NewMilestoneNotifier(core.Repos.Progress, core.Hub, core.Services.Progress.Interval())
			go notifier.Run(ctx)

			return watchLoop(ctx, notifier)
		},
	}
	cmd.Flags().BoolVar(&runTasks, "run-tasks", false, "同时在本进程执行后台任务（未运行 Agent 时使用）")
	return cmd
}

func watchLoop(ctx context.Context, notifier *service.MilestoneNotifier) error {
	progress := core.Services.Progress.WatchProgress(ctx)
	activities := core.Services.Progress.WatchActivities(ctx)
	prompts := notifier.Prompts(ctx)
	input := bufio.NewScanner(os.Stdin)

	fmt.Println("👀 正在监听进度变化（Ctrl+C 退出）")
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-progress:
			if !ok {
				return nil
			}
			if p != nil {
				fmt.Printf("📊 累计打卡 %d 次\n", p.TotalChecksCount)
			}
		case items, ok := <-activities:
			if !ok {
				return nil
			}
			checked := 0
			for _, it := range items {
				if it.IsChecked {
					checked++
				}
			}
			fmt.Printf("📋 活动 %d 个，已打卡 %d 个\n", len(items), checked)
		case evt, ok := <-prompts:
			if !ok {
				return nil
			}
			m, fresh := evt.Take()
			if !fresh {
				continue
			}
			fmt.Printf("🎉 达成 %d 次打卡里程碑！此刻感受如何？> ", m)
			if !input.Scan() {
				return input.Err()
			}
			feeling := strings.TrimSpace(input.Text())
			if err := submitFeeling(ctx, feeling, m); err != nil {
				fmt.Printf("❌ 记录感受失败: %v\n", err)
			}
		}
	}
}
