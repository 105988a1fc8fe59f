package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/yuqie6/bprogress/internal/schema"
	"github.com/yuqie6/bprogress/internal/service"
)

// initCmd 初始化进度与种子数据
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "初始化进度记录并导入种子活动",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := core.Init(cmd.Context()); err != nil {
				return err
			}
			n, err := core.Repos.Activity.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("✅ 已初始化，共 %d 个活动\n", n)
			return nil
		},
	}
}

// listCmd 活动列表
func listCmd() *cobra.Command {
	var unchecked bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出活动",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				items []schema.ActivityItem
				err   error
			)
			if unchecked {
				items, err = core.Repos.Activity.ListUnchecked(ctx)
			} else {
				items, err = core.Services.Progress.Activities(ctx)
			}
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("📚 还没有活动，先执行 'bprogress init'")
				return nil
			}
			printActivities(items)
			return nil
		},
	}
	cmd.Flags().BoolVar(&unchecked, "unchecked", false, "只显示未打卡的活动")
	return cmd
}

// checkCmd 切换打卡
func checkCmd() *cobra.Command {
	var feeling string
	cmd := &cobra.Command{
		Use:   "check <id>",
		Short: "打卡 / 取消打卡",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			item, p, err := core.Services.Progress.ToggleCheck(ctx, args[0])
			if err != nil {
				return err
			}
			mark := "⬜ 已取消"
			if item.IsChecked {
				mark = "✅ 已打卡"
			}
			fmt.Printf("%s %s（累计 %d 次）\n", mark, item.Name, p.TotalChecksCount)

			notifier := service.NewMilestoneNotifier(nil, core.Hub, core.Services.Progress.Interval())
			m, ok := notifier.Observe(p)
			if !ok {
				return nil
			}
			fmt.Printf("🎉 达成 %d 次打卡里程碑！\n", m)
			if feeling == "" {
				fmt.Printf("   记录此刻的感受: bprogress feel %d <感受>\n", m)
				return nil
			}
			return submitFeeling(ctx, feeling, m)
		},
	}
	cmd.Flags().StringVar(&feeling, "feeling", "", "到达里程碑时直接记录的感受")
	return cmd
}

// importantCmd 切换重要标记
func importantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "important <id>",
		Short: "标记 / 取消重要",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := core.Services.Progress.ToggleImportant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("⭐ %s important=%v\n", item.Name, item.IsImportant)
			return nil
		},
	}
}

// progressCmd 查看进度
func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "查看打卡进度",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := core.Services.Progress.Progress(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				fmt.Println("📚 尚未初始化，先执行 'bprogress init'")
				return nil
			}
			printProgress(p, core.Services.Progress.Interval())
			return nil
		},
	}
}

// feelCmd 记录里程碑感受
func feelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feel <milestone> <feeling>",
		Short: "记录里程碑感受（首次记录时发送 AI 鼓励通知）",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("里程碑必须是整数: %w", err)
			}
			return submitFeeling(cmd.Context(), strings.Join(args[1:], " "), m)
		},
	}
}

func submitFeeling(ctx context.Context, feeling string, milestone int) error {
	enqueued, err := core.Services.Progress.SubmitMilestoneFeeling(ctx, feeling, milestone)
	if err != nil {
		return err
	}
	if enqueued {
		fmt.Printf("💬 已记录感受，里程碑 %d 的通知已排队\n", milestone)
	} else {
		fmt.Printf("💬 已记录感受（里程碑 %d 的通知此前已处理）\n", milestone)
	}
	return nil
}

// tasksCmd 后台任务
func tasksCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "查看后台任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := core.Repos.Task.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("📭 没有后台任务")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("  %-28s %-24s %-10s attempts=%d next=%s", t.Name, t.Kind, t.Status, t.Attempts, time.UnixMilli(t.RunAt).Format("01-02 15:04"))
				if t.LastError != "" {
					fmt.Printf(" error=%q", t.LastError)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "显示数量")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "立即执行所有到期任务（无需 Agent）",
		RunE: func(cmd *cobra.Command, args []string) error {
			warnIfAIMissing()
			n, err := core.Scheduler.RunDue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("✅ 已执行 %d 个任务\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "notifications",
		Short: "最近的通知",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := core.Repos.Notification.GetRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, n := range list {
				fmt.Printf("  [%s] %s: %s\n", time.UnixMilli(n.Timestamp).Format("01-02 15:04"), n.Title, n.ShortText)
			}
			return nil
		},
	})
	return cmd
}

// warnIfAIMissing 未配置 AI 时任务仍会执行，只是使用默认文案
func warnIfAIMissing() {
	if err := core.RequireAIConfigured(); err != nil {
		fmt.Printf("⚠️  %v，通知将使用默认文案\n", err)
	}
}

// resetCmd 重置进度
func resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:    "reset",
		Short:  "重置打卡计数",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("重置不可撤销，请加 --yes 确认")
			}
			if err := core.Services.Progress.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("🧹 进度已重置")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "确认重置")
	return cmd
}

func printActivities(items []schema.ActivityItem) {
	for _, it := range items {
		box := "⬜"
		if it.IsChecked {
			box = "✅"
		}
		star := " "
		if it.IsImportant {
			star = "⭐"
		}
		fmt.Printf("%s %s %-36s %s\n", box, star, it.ID, it.Name)
	}
}

func printProgress(p *schema.UserProgress, interval int) {
	fmt.Println("📊 打卡进度")
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("  • 累计打卡: %d 次\n", p.TotalChecksCount)
	if p.FirstCheckTimestamp != nil {
		fmt.Printf("  • 首次打卡: %s\n", time.UnixMilli(*p.FirstCheckTimestamp).Format("2006-01-02 15:04"))
	}
	next := (p.TotalChecksCount/interval + 1) * interval
	fmt.Printf("  • 下一个里程碑: %d（还差 %d 次）\n", next, next-p.TotalChecksCount)
	fmt.Printf("  • 已通知里程碑: %d\n", p.LastMilestoneNotificationCount)
	fmt.Printf("  • 已记录感受里程碑: %d\n", p.LastStreakDialogShownAtCount)
	if p.FiftyStreakFeeling != nil {
		fmt.Printf("  • 最近感受: %s\n", *p.FiftyStreakFeeling)
	}
	fmt.Println("═══════════════════════════════════════")
}
