package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/oppnd/internal/config"
	"github.com/hitoshi/oppnd/internal/database"
	"github.com/hitoshi/oppnd/internal/handler"
	"github.com/hitoshi/oppnd/internal/repository"
)

// store はSTORE_DRIVERに応じて選択したストアアダプタと、その疎通確認・終了処理をまとめたもの。
type store struct {
	repo   repository.MessageRepository
	health handler.HealthChecker
	close  func()
}

// openStore は設定されたドライバーのストアに接続する。
// postgresとmongoは接続を確認してから返す。
func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established", slog.String("driver", cfg.StoreDriver))
		return &store{
			repo:   repository.NewPostgresMessageRepo(db),
			health: db,
			close:  func() { db.Close() },
		}, nil

	case config.StoreDriverMongo:
		client, err := database.OpenMongo(ctx, cfg.MongoURI, cfg.StoreTimeout)
		if err != nil {
			return nil, err
		}
		repo := repository.NewMongoMessageRepo(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ensure mongo indexes: %w", err)
		}
		slog.Info("database connection established",
			slog.String("driver", cfg.StoreDriver),
			slog.String("database", cfg.MongoDatabase),
		)
		return &store{
			repo:   repo,
			health: database.MongoPinger{Client: client},
			close:  func() { _ = client.Disconnect(context.Background()) },
		}, nil

	case config.StoreDriverMemory:
		slog.Warn("in-memory store selected; records are lost on restart")
		repo := repository.NewMemoryMessageRepo()
		return &store{repo: repo, health: repo, close: func() {}}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.StoreDriver)
	}
}
