package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/service/progress"
	"k8s.io/klog/v2"
)

var (
	configPath string
	ownerID    string
	templateID string
	forceRun   bool
	watch      bool
	interval   time.Duration
	timeout    time.Duration
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	rootCmd := &cobra.Command{
		Use:   "planctl",
		Short: "planctl - business plan generation operator tool",
		Long: `planctl runs and inspects business plan generations against the
same database the server uses. Generation commands execute in-process.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "List available plan templates",
		RunE:  listTemplates,
	}

	runCmd := &cobra.Command{
		Use:   "run <answers.yaml>",
		Short: "Create a plan from an answers file and generate it in-process",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	runCmd.Flags().StringVar(&templateID, "template", "", "Template key, overrides template_key in the answers file")
	runCmd.Flags().StringVar(&ownerID, "owner", "", "Owner recorded on the plan")

	progressCmd := &cobra.Command{
		Use:   "progress <plan-id>",
		Short: "Show the progress snapshot of a plan",
		Args:  cobra.ExactArgs(1),
		RunE:  showProgress,
	}
	progressCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the plan reaches a terminal status")
	progressCmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval for --watch")

	recoverCmd := &cobra.Command{
		Use:   "recover <plan-id>",
		Short: "Regenerate a failed or cancelled plan from the start",
		Args:  cobra.ExactArgs(1),
		RunE:  recoverPlan,
	}
	recoverCmd.Flags().BoolVar(&forceRun, "force", false, "Also allow regenerating a completed plan")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Mark plans stuck in processing as failed",
		RunE:  cleanupPlans,
	}
	cleanupCmd.Flags().DurationVar(&timeout, "timeout", 0, "Processing time after which a plan counts as stuck (default from config)")

	rootCmd.AddCommand(templatesCmd, runCmd, progressCmd, recoverCmd, cleanupCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return newApp(cfg, nil)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func listTemplates(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	printTemplates(cmd.OutOrStdout(), a.service.Templates())
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	req, err := loadRequest(args[0])
	if err != nil {
		return err
	}
	if templateID != "" {
		req.TemplateKey = domain.TemplateKey(templateID)
	}
	req.Owner = ownerID

	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	planID, err := a.service.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Plan %s created\n", planID)
	return a.execute(ctx, cmd.OutOrStdout(), planID)
}

func recoverPlan(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if err := a.service.Recover(ctx, args[0], forceRun); err != nil {
		return err
	}
	return a.execute(ctx, cmd.OutOrStdout(), args[0])
}

// execute 运行已提交的作业并输出最终快照；生成失败时返回非零退出码
func (a *app) execute(ctx context.Context, w io.Writer, planID string) error {
	runErr := a.runQueued(ctx, planID, renderBar)

	snap, err := a.service.GetProgress(context.WithoutCancel(ctx), planID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	printSnapshot(w, snap)
	return runErr
}

func showProgress(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	snap, err := a.service.GetProgress(ctx, args[0])
	if err != nil {
		return err
	}
	if !watch || snap.IsTerminal() {
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	}

	// 生成可能在其他进程中执行，变更通知不跨进程，这里按间隔轮询
	updates := make(chan *progress.Snapshot)
	go func() {
		defer close(updates)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		current := snap
		for {
			select {
			case updates <- current:
			case <-ctx.Done():
				return
			}
			if current.IsTerminal() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			next, err := a.service.GetProgress(ctx, args[0])
			if err != nil {
				klog.Warningf("获取进度失败: planID=%s, err=%v", args[0], err)
				continue
			}
			current = next
		}
	}()
	renderBar(updates)

	final, err := a.service.GetProgress(context.WithoutCancel(ctx), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	printSnapshot(cmd.OutOrStdout(), final)
	return nil
}

func cleanupPlans(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	affected, err := a.service.CleanupStuckPlans(cmd.Context(), timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Marked %d stuck plan(s) as failed\n", affected)
	return nil
}
