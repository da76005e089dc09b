package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// OpenMongo はMongoDBクライアントを生成し、接続を確認する。
// serverSelectionTimeoutはサーバー選択の待ち時間の上限。
func OpenMongo(ctx context.Context, uri string, serverSelectionTimeout time.Duration) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(serverSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return client, nil
}

// MongoPinger は*mongo.ClientをPingContextインターフェースに適合させる。
type MongoPinger struct {
	Client *mongo.Client
}

// PingContext はプライマリへの疎通を確認する。
func (p MongoPinger) PingContext(ctx context.Context) error {
	return p.Client.Ping(ctx, nil)
}
