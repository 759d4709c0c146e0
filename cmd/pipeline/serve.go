package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aihub/knowledge-pipeline/app/router"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, sweeper and callback consumer",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.StartBackground(ctx)
	app.Register()

	router.Init(router.Handlers{
		Pipeline: app.Pipeline,
		Uploads:  app.Uploads,
		Checks:   app.Checks,
	})

	port, err := strconv.Atoi(app.Config.Server.Port)
	if err != nil {
		return err
	}
	web.BConfig.AppName = "Knowledge Pipeline"
	web.BConfig.Listen.HTTPPort = port
	web.BConfig.Listen.Graceful = false

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")
		app.Shutdown()
		// beego没有暴露关闭入口，清理完成后直接退出
		os.Exit(0)
	}()

	logger.Info("Starting Knowledge Pipeline", zap.Int("port", port))
	web.Run()
	return nil
}
