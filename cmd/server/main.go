package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"voicememo/internal/config"
	"voicememo/internal/handlers"
	"voicememo/internal/ingestion"
	"voicememo/internal/logger"
	"voicememo/internal/metrics"
	"voicememo/internal/notion"
	"voicememo/internal/pipeline"
	"voicememo/internal/relay"
	"voicememo/internal/storage"
	"voicememo/internal/stt"
	"voicememo/internal/summarize"
	"voicememo/internal/transcode"
	"voicememo/internal/version"
	"voicememo/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (optional)")
	flag.Parse()

	// .env → YAML → 環境変数の順に読み込み
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// データベース
	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	recordings := storage.NewRecordingRepository(db)

	// 上流STT（認証トークンは全セッションで共有）
	tokens := stt.NewTokenCache(cfg.ReturnZero, m, logger.Component(log, "token"))
	streamer := stt.NewClient(cfg.ReturnZero, tokens, logger.Component(log, "stt"))

	// バックグラウンド処理
	pipe := pipeline.New(
		recordings,
		transcode.NewNormalizer(transcode.NewFFmpeg(cfg.Pipeline.FFmpegPath), cfg.Pipeline.PreferredContainer,
			logger.Component(log, "transcode")),
		stt.NewBatchTranscriber(streamer, logger.Component(log, "batch")),
		summarize.New(cfg.Summarizer, logger.Component(log, "summarize")),
		cfg.Pipeline.ChunkSize,
		m,
		logger.Component(log, "pipeline"),
	)
	w := worker.NewWorker(pipe.Run, cfg.Pipeline.MaxConcurrent, logger.Component(log, "worker"))
	if _, err := w.RecoverInterrupted(context.Background(), recordings); err != nil {
		return err
	}
	if _, err := w.ResumePending(context.Background(), recordings); err != nil {
		return err
	}

	ingester := ingestion.NewAudioIngester(recordings, w, cfg.Storage.OutputDir, logger.Component(log, "ingestion"))
	live := relay.New(streamer, cfg.Relay, m, logger.Component(log, "relay"))

	// ハンドラー
	recordingHandler := handlers.NewRecordingHandler(ingester, recordings, cfg.Server.MaxUploadMB)
	streamHandler := handlers.NewStreamHandler(live, cfg.Server.AllowedOrigins, logger.Component(log, "ws"))
	notionHandler := handlers.NewNotionHandler(
		notion.New(cfg.Notion, logger.Component(log, "notion")),
		handlers.NewSessionStore(cfg.Server.SessionSecretKey),
		recordings,
		cfg.Notion,
		logger.Component(log, "notion"),
	)

	// Echoインスタンスの作成
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// ミドルウェアの設定
	httpLog := logger.Component(log, "http")
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := httpLog.Info()
			if v.Error != nil {
				ev = httpLog.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowCredentials: true,
	}))
	e.Use(handlers.RequestMetrics(m))

	// ルートの登録
	e.GET("/", handlers.Root)
	e.GET("/health", handlers.Health)
	e.GET("/metrics", handlers.MetricsHandler(reg))

	api := e.Group("/api")
	api.POST("/recordings", recordingHandler.Upload,
		middleware.BodyLimit(fmt.Sprintf("%dM", cfg.Server.MaxUploadMB+1)))
	api.GET("/recordings", recordingHandler.List)
	api.GET("/recordings/:id", recordingHandler.Get)
	api.GET("/recordings/:id/status", recordingHandler.Status)
	api.DELETE("/recordings/:id", recordingHandler.Delete)

	api.GET("/notion/status", notionHandler.Status)
	api.POST("/notion/config", notionHandler.Config)
	api.POST("/notion/disconnect", notionHandler.Disconnect)
	api.POST("/notion/save", notionHandler.Save)

	e.GET("/ws/stt", streamHandler.Live)

	// サーバー起動
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("version", version.Version).Str("port", cfg.Server.Port).Msg("starting voicememo")
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			w.Stop()
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	w.Stop()
	log.Info().Msg("server stopped")
	return nil
}
