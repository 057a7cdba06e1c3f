package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/core"
	"github.com/egbonrelu/certify/internal/daemon"
	"github.com/egbonrelu/certify/internal/logger"
	"github.com/egbonrelu/certify/internal/model"
)

// CLI 命令行定义
type CLI struct {
	Config string `short:"c" help:"配置文件路径" default:"config.yaml"`

	Run     struct{} `cmd:"" default:"1" help:"检查全部证书并续期到期的证书（单次运行）"`
	Start   struct{} `cmd:"" help:"启动守护进程（后台运行）"`
	Stop    struct{} `cmd:"" help:"停止守护进程"`
	Restart struct{} `cmd:"" help:"重启守护进程"`
	Status  struct{} `cmd:"" help:"查看守护进程状态"`
	Daemon  struct{} `cmd:"" help:"前台守护进程模式（调试用）"`

	List struct{} `cmd:"" help:"列出托管证书"`
	Add  struct {
		Domain      []string `short:"d" required:"" help:"域名，第一个为主域名"`
		Challenge   string   `default:"http-01" enum:"http-01,dns-01" help:"挑战类型"`
		Provider    string   `help:"挑战提供者，例如 dns01.aliyun、http01.file"`
		Credential  string   `help:"凭证名称"`
		WebsiteRoot string   `help:"http-01 网站根目录"`
		SelfCheck   bool     `help:"提交前自检挑战文件"`
		Binding     bool     `help:"签发后自动部署"`
		Target      []string `help:"部署目标名称，为空时按域名匹配"`
		Now         bool     `help:"添加后立即申请"`
	} `cmd:"" help:"添加托管证书"`
	Request struct {
		ID string `arg:"" help:"托管证书 ID"`
	} `cmd:"" help:"立即申请指定证书"`
	Delete struct {
		ID string `arg:"" help:"托管证书 ID"`
	} `cmd:"" help:"删除托管证书"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("certify"),
		kong.Description("ACME 证书自动申请与部署工具（支持阿里云、腾讯云、华为云、Route53、Cloudflare）"),
		kong.UsageOnError(),
	)

	if err := dispatch(kctx.Command(), &cli); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func dispatch(command string, cli *CLI) error {
	d := daemon.NewDaemon(cli.Config)
	switch command {
	case "start":
		if err := d.Start(); err != nil {
			return err
		}
		if daemon.IsDaemonized() {
			return runDaemon(cli.Config, d)
		}
		return nil
	case "stop":
		return d.Stop(context.Background())
	case "restart":
		return d.Restart(context.Background())
	case "status":
		d.Status()
		return nil
	case "daemon":
		return runDaemon(cli.Config, nil)
	}

	app, err := bootstrap(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := daemon.SignalContext(context.Background(), app.Logger)
	defer cancel()

	switch command {
	case "run":
		stop := serveChallenges(app)
		defer stop()
		return renew(ctx, app)
	case "list":
		return list(ctx, app)
	case "add":
		return add(ctx, app, cli)
	case "request <id>":
		stop := serveChallenges(app)
		defer stop()
		outcome, err := app.Manager.Request(ctx, cli.Request.ID)
		if err != nil {
			return err
		}
		return report(outcome)
	case "delete <id>":
		return app.Manager.Delete(ctx, cli.Delete.ID)
	default:
		return fmt.Errorf("未知命令: %s", command)
	}
}

// bootstrap 加载配置，创建日志与全部组件，并同步配置中声明的证书
func bootstrap(configPath string) (*core.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	app, err := core.Build(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("初始化失败: %w", err)
	}
	if err := app.Manager.Seed(context.Background(), cfg.Certificates); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("同步配置中的证书失败: %w", err)
	}
	return app, nil
}

func runDaemon(configPath string, d *daemon.Daemon) error {
	app, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer app.Close()
	defer func() { _ = app.Logger.Sync() }()

	if d != nil {
		if err := d.WritePid(); err != nil {
			return fmt.Errorf("写入PID失败: %w", err)
		}
		defer d.RemovePid()
	}

	ctx, cancel := daemon.SignalContext(context.Background(), app.Logger)
	defer cancel()

	stop := serveChallenges(app)
	defer stop()

	scheduler, err := daemon.NewScheduler(app.Config.Renewal.Schedule, func(ctx context.Context) error {
		return renew(ctx, app)
	}, app.Logger.Named("scheduler"))
	if err != nil {
		return err
	}
	app.Logger.Info("守护进程已启动", zap.Int("pid", os.Getpid()), zap.String("schedule", app.Config.Renewal.Schedule))
	return scheduler.Run(ctx)
}

// serveChallenges 配置了监听地址时启动内置 http-01 服务
func serveChallenges(app *core.App) func() {
	addr := app.Config.ChallengeServer.Listen
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.ChallengeHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error("挑战服务异常退出", zap.String("listen", addr), zap.Error(err))
		}
	}()
	app.Logger.Info("挑战服务已启动", zap.String("listen", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func renew(ctx context.Context, app *core.App) error {
	results, err := app.Manager.RenewDue(ctx)
	var failed []string
	for _, r := range results {
		if !r.Skipped && !r.Outcome.Succeeded() {
			failed = append(failed, r.Name)
		}
	}
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d 个证书处理失败: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func list(ctx context.Context, app *core.App) error {
	items, err := app.Manager.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\t名称\t域名\t挑战\t到期时间\t最近结果")
	for _, mc := range items {
		expires := "-"
		if mc.Certificate != nil && !mc.Certificate.NotAfter.IsZero() {
			expires = mc.Certificate.NotAfter.Local().Format("2006-01-02")
		}
		last := "-"
		if mc.LastResult != nil {
			last = string(mc.LastResult.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			mc.ID, mc.Name, strings.Join(mc.RequestConfig.Domains(), ","),
			mc.RequestConfig.ChallengeType, expires, last)
	}
	return w.Flush()
}

func add(ctx context.Context, app *core.App, cli *CLI) error {
	a := cli.Add
	mc := config.CertificateConfig{
		Domains:           a.Domain,
		ChallengeType:     a.Challenge,
		ChallengeProvider: a.Provider,
		CredentialKey:     a.Credential,
		WebsiteRoot:       a.WebsiteRoot,
		SelfCheck:         a.SelfCheck,
		Binding:           a.Binding || len(a.Target) > 0,
		BindingTargets:    a.Target,
	}.ToManaged()

	added, err := app.Manager.Add(ctx, mc)
	if err != nil {
		return err
	}
	fmt.Printf("已添加: %s (%s)\n", added.ID, strings.Join(added.RequestConfig.Domains(), ", "))
	if !a.Now {
		return nil
	}

	stop := serveChallenges(app)
	defer stop()
	outcome, err := app.Manager.Request(ctx, added.ID)
	if err != nil {
		return err
	}
	return report(outcome)
}

func report(o core.Outcome) error {
	switch o.Status {
	case model.ResultCompleted:
		fmt.Printf("证书已签发: %s\n", o.Artifact.Path)
	case model.ResultCompletedWithWarning:
		fmt.Printf("证书已签发: %s\n部署警告:\n  %s\n", o.Artifact.Path, strings.Join(o.Warnings, "\n  "))
	default:
		return fmt.Errorf("申请失败 [%s]: %s", o.Stage, o.Detail())
	}
	return nil
}
