package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linkerlin/nanotools.go/internal/config"
	"github.com/linkerlin/nanotools.go/internal/db"
	"github.com/linkerlin/nanotools.go/internal/delivery"
	"github.com/linkerlin/nanotools.go/internal/httpapi"
	"github.com/linkerlin/nanotools.go/internal/power"
	"github.com/linkerlin/nanotools.go/internal/quota"
	"github.com/linkerlin/nanotools.go/internal/reminder"
	"github.com/linkerlin/nanotools.go/internal/rpc"
	"github.com/linkerlin/nanotools.go/internal/scheduler"
	"github.com/linkerlin/nanotools.go/internal/tools"
)

var version = "dev"

func main() {
	// 初始化日志, stdout 留给 JSON-RPC
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && os.Args[1] == "call" {
		if err := runCall(ctx, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		slog.Error("nanotools stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.App.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := reminder.Open(cfg.RemindersPath())
	if err != nil {
		return err
	}
	ledger, err := quota.New(quota.Options{
		UsagePath:   cfg.App.UsageFile,
		LimitsPath:  cfg.App.LimitsFile,
		DefaultZone: cfg.App.Timezone,
	})
	if err != nil {
		return err
	}
	pc, err := power.New(power.Options{
		Path:   cfg.PowerStatePath(),
		Admins: cfg.Access.AdminIDs,
		Groups: cfg.Access.PowerGroupIDs,
	})
	if err != nil {
		return err
	}

	// 打开投递日志
	journal, err := db.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer journal.Close()

	reg := tools.NewRegistry(ledger)
	if err := tools.RegisterBuiltins(reg, tools.Deps{
		Reminders: store,
		Power:     pc,
		Ledger:    ledger,
		Zone:      cfg.App.Timezone,
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 启动调度器
	if cfg.DeliveryEnabled() {
		sched := scheduler.New(store,
			delivery.NewClient(cfg.Delivery.BaseURL, cfg.Delivery.Token, cfg.Delivery.Timeout),
			scheduler.Config{
				Interval:        cfg.Scheduler.Interval,
				DeliveryTimeout: cfg.Delivery.Timeout,
				RetryCeiling:    cfg.Scheduler.RetryCeiling,
			},
			scheduler.WithJournal(journal),
		)
		sched.Start(ctx)
		defer sched.Stop()
	} else {
		slog.Warn("NAPCAT_HTTP_URL not set, reminders will not be delivered")
	}

	srv := rpc.NewServer(reg, rpc.ServerInfo{Name: cfg.App.Name, Version: version}, cfg.Transport.MaxConcurrent)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Transport.SocketPath != "" {
		ss, err := rpc.Listen(cfg.Transport.SocketPath, srv)
		if err != nil {
			return fmt.Errorf("listen socket: %w", err)
		}
		defer ss.Close()
		slog.Info("rpc socket listening", "path", ss.Path())
		g.Go(func() error { return ss.Serve(gctx) })
	}

	if cfg.Transport.HTTPAddr != "" {
		hs := &http.Server{
			Addr: cfg.Transport.HTTPAddr,
			Handler: httpapi.NewRouter(httpapi.Deps{
				Registry: reg,
				Journal:  journal,
				IsAdmin:  pc.IsAdmin,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return hs.Shutdown(shutdownCtx)
		})
	}

	if cfg.Transport.Stdio {
		// A blocked stdin read cannot be interrupted, so stdio stays outside the group.
		go func() {
			if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				slog.Warn("stdio session ended", "err", err)
			}
			slog.Info("stdin closed, shutting down")
			cancel()
		}()
	}

	slog.Info("nanotools started",
		"name", cfg.App.Name,
		"timezone", cfg.App.Timezone,
		"tools", len(reg.Definitions()),
		"stdio", cfg.Transport.Stdio,
	)
	err = g.Wait()
	slog.Info("shutting down...")
	return err
}

// runCall 通过 unix socket 调用一个工具并打印结果
func runCall(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	socket := fs.String("socket", os.Getenv("NANOTOOLS_SOCKET"), "rpc socket path")
	user := fs.String("user", "", "caller user id")
	chatType := fs.String("chat", "", "caller chat type (group or private)")
	group := fs.String("group", "", "caller group id")
	timeout := fs.Duration("timeout", 30*time.Second, "call timeout")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: nanotools call [flags] <tool> [json-arguments]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return errors.New("expected a tool name")
	}
	if *socket == "" {
		return errors.New("no socket: pass -socket or set NANOTOOLS_SOCKET")
	}

	arguments := map[string]any{}
	if fs.NArg() == 2 {
		if err := json.Unmarshal([]byte(fs.Arg(1)), &arguments); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}
	for k, v := range map[string]string{"user_id": *user, "chat_type": *chatType, "group_id": *group} {
		if v != "" {
			arguments[k] = v
		}
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := rpc.Dial(ctx, *socket)
	if err != nil {
		return err
	}
	defer client.Close()

	var res rpc.CallResult
	if err := client.Call(ctx, "tools/call", map[string]any{"name": fs.Arg(0), "arguments": arguments}, &res); err != nil {
		return err
	}
	for _, c := range res.Content {
		fmt.Println(c.Text)
	}
	if res.IsError {
		return errors.New("tool call failed")
	}
	return nil
}
