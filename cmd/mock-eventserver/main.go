// Package main 本地模拟推送服务端：周期性广播合成事件并提供快照接口
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"opsdash/internal/eventserver"
	"opsdash/internal/tlsutil"
	"opsdash/pkg/logging"
)

func main() {
	listen := flag.String("listen", ":8080", "监听地址")
	interval := flag.Duration("interval", 500*time.Millisecond, "事件间隔")
	workflows := flag.Int("workflows", 3, "工作流数量")
	agents := flag.Int("agents", 2, "Agent 数量")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "随机种子")
	sessionID := flag.String("session", "", "事件中的 sessionId（为空时随机生成）")
	restartEvery := flag.Duration("restart-every", 0, "每隔该时长以 1001 断开全部客户端（0 关闭）")
	noAck := flag.Bool("no-ack", false, "不应答心跳（模拟半开连接）")
	certDir := flag.String("tls", "", "证书目录，非空时以 wss 提供服务（不存在则自动生成）")
	hosts := flag.String("tls-hosts", "", "证书额外 SAN，逗号分隔")
	logLevel := flag.String("log-level", "info", "日志级别")
	flag.Parse()

	logger := logging.New(logging.Config{Level: *logLevel, Component: "mock-eventserver"})

	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}

	srv := eventserver.New(eventserver.Config{JWTSecret: os.Getenv("JWT_SECRET")}, logger)
	srv.SetHeartbeatAck(!*noAck)
	gen := eventserver.NewGenerator(*sessionID, "", *workflows, *agents, *seed)

	mux := http.NewServeMux()
	mux.Handle("/ws/events", srv)
	mux.Handle("GET /api/v1/monitor/snapshot", gen.SnapshotHandler())
	httpSrv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if *certDir != "" {
		bundle, files, err := tlsutil.EnsureFiles(*certDir, tlsutil.Options{Hosts: strings.Split(*hosts, ",")})
		if err != nil {
			logger.WithError(err).Error("Failed to prepare TLS certificates")
			os.Exit(1)
		}
		logger.Info("TLS enabled", "ca_file", files.CAFile)
		httpSrv.TLSConfig, err = bundle.ServerConfig()
		if err != nil {
			logger.WithError(err).Error("Failed to load TLS certificates")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Mock event server listening", "addr", *listen, "session_id", *sessionID, "tls", *certDir != "")
		var err error
		if httpSrv.TLSConfig != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		gen.Run(ctx, srv, *interval)
		return nil
	})
	if *restartEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(*restartEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					logger.Info("Simulating server restart", "clients", srv.Clients())
					srv.CloseAll(1001, "restart")
				}
			}
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		srv.CloseAll(1001, "shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Mock event server stopped with error")
		os.Exit(1)
	}
}
