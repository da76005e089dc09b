package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/oppnd/internal/config"
	"github.com/hitoshi/oppnd/internal/database"
	"github.com/hitoshi/oppnd/internal/eventbus"
	"github.com/hitoshi/oppnd/internal/handler"
	"github.com/hitoshi/oppnd/internal/logger"
	"github.com/hitoshi/oppnd/internal/metrics"
	"github.com/hitoshi/oppnd/internal/middleware"
	"github.com/hitoshi/oppnd/internal/security"
	"github.com/hitoshi/oppnd/internal/tracking"
	"github.com/hitoshi/oppnd/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップする
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// 軽量サブコマンドはフル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3333"
		}
		return runHealthcheck(healthcheckURL(port))
	case CommandHash:
		return runHash(w, args[1:])
	case CommandMessageID:
		return runMessageID(w, args[1:])
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// server はAPIサーバーの構成要素をまとめたもの。
type server struct {
	http    *http.Server
	hub     *eventbus.Hub
	limiter *middleware.RateLimiter
	logger  *slog.Logger
	// retention はRETENTION_DAYSが設定されている場合のみ非nil
	retention         *cleanup.CleanupJob
	retentionInterval time.Duration
}

// newServer は全依存関係をワイヤリングしてAPIサーバーを構築する。
func newServer(cfg *config.Config, st *store, log *slog.Logger) *server {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. イベントバス
	hub := eventbus.NewHub(eventbus.Options{
		BufferSize: cfg.SubscriberBuffer,
		Recorder:   collector,
		Logger:     log,
	})

	// 3. 追跡サービス
	svc := tracking.NewService(
		st.repo,
		tracking.NewReconciler(cfg.ReadGracePeriod),
		hub,
		tracking.ServiceConfig{
			StoreTimeout: cfg.StoreTimeout,
			HistoryLimit: cfg.HistoryLimit,
		},
		tracking.WithSanitizer(security.NewMetadataSanitizer(security.DefaultMaxRunes)),
		tracking.WithRecorder(collector),
		tracking.WithLogger(log),
	)

	// 4. ルーター
	limiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitPixel, cfg.RateLimitGeneral),
	)
	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustProxy:        cfg.TrustProxy,
		RateLimiter:       limiter,
		Logger:            log,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		Tracking:          svc,
		Subscriber:        hub,
		Health:            st.health,
		Stream: handler.StreamConfig{
			KeepaliveInterval: cfg.KeepaliveInterval,
			AllowedOrigin:     cfg.CORSAllowedOrigin,
		},
	})

	srv := &server{
		http: &http.Server{
			Addr:              ":" + cfg.ServerPort,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		hub:               hub,
		limiter:           limiter,
		logger:            log,
		retentionInterval: cfg.RetentionInterval,
	}

	// 5. 保持期間管理（RETENTION_DAYS=0 の場合は無効）
	if cfg.RetentionDays > 0 {
		srv.retention = cleanup.NewCleanupJob(st.repo, log, collector)
		srv.retention.RetentionDays = cfg.RetentionDays
	}

	return srv
}

// serve はlnでリクエストを受け付け、ctxがキャンセルされたらグレースフルシャットダウンする。
// ライブ接続はShutdownの完了を妨げるため、先にイベントバスを閉じて切断する。
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.retention != nil {
		go s.retention.Start(ctx, s.retentionInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", slog.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.limiter.Stop()
		s.hub.Close()
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server...")
	s.hub.Close()
	s.limiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}

// runServe はAPIサーバーモードで起動する。
// ストアに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	srv := newServer(cfg, st, slog.Default())

	ln, err := net.Listen("tcp", srv.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.http.Addr, err)
	}

	return srv.serve(ctx, ln)
}

// runWorker は保持期間管理ワーカーとして起動する。
// RETENTION_DAYS日より前に更新されたメッセージをRETENTION_INTERVALごとに削除する。
// serveと別プロセスで削除を実行したい場合に使う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.RetentionDays <= 0 {
		return errors.New("worker requires RETENTION_DAYS > 0")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	return runRetention(ctx, cfg, st.repo)
}

// runRetention はctxがキャンセルされるまでクリーンアップジョブを繰り返し実行する。
func runRetention(ctx context.Context, cfg *config.Config, purger cleanup.Purger) error {
	job := cleanup.NewCleanupJob(purger, slog.Default(), nil)
	job.RetentionDays = cfg.RetentionDays

	slog.Info("worker starting",
		slog.Int("retention_days", cfg.RetentionDays),
		slog.Duration("retention_interval", cfg.RetentionInterval),
	)

	job.Start(ctx, cfg.RetentionInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はストアのスキーマを準備する。
// postgresでは未適用のマイグレーションを順番に適用し、mongoではインデックスを作成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migrations completed successfully",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil

	case config.StoreDriverMongo:
		// openStoreがインデックスを作成する
		st, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		st.close()
		slog.Info("mongo indexes ensured", slog.String("database", cfg.MongoDatabase))
		return nil

	default:
		slog.Info("no migration required", slog.String("store_driver", cfg.StoreDriver))
		return nil
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func healthcheckURL(port string) string {
	return fmt.Sprintf("http://localhost:%s/health", port)
}

// runHash はユーザー識別子のuserHashを出力する。
func runHash(w io.Writer, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("usage: oppnd hash <identifier>")
	}
	_, err := fmt.Fprintln(w, tracking.HashUserIdentifier(args[0]))
	return err
}

// runMessageID は新しいmessageIdを出力する。seedは省略可能。
func runMessageID(w io.Writer, args []string) error {
	var seed string
	if len(args) > 0 {
		seed = args[0]
	}
	_, err := fmt.Fprintln(w, tracking.NewMessageID(seed))
	return err
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
