// Package cleanup は追跡メッセージの保持期間管理ジョブを提供する。
// 保持期間を超えて更新のないメッセージを定期的に削除する。
// 状態の進行には関与せず、ストアの削除操作のみを行う。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger は更新日時による一括削除を抽象化するインターフェース。
// repository.MessageRepository の各実装が満たす。
type Purger interface {
	PurgeUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder は削除件数のメトリクスを記録するインターフェース。
type Recorder interface {
	RecordPurged(count int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordPurged(int64) {}

// CleanupJob は保持期間を超過した追跡メッセージの自動削除ジョブ。
// 冪等な削除処理のため、何度実行しても結果は変わらない。
type CleanupJob struct {
	purger        Purger
	logger        *slog.Logger
	recorder      Recorder
	RetentionDays int // メッセージの保持日数（デフォルト: 30）
	now           func() time.Time
}

// DefaultRetentionDays は保持日数のデフォルト値。
const DefaultRetentionDays = 30

// NewCleanupJob は新しいCleanupJobを生成する。
// recorderがnilの場合はメトリクスを記録しない。
func NewCleanupJob(purger Purger, logger *slog.Logger, recorder Recorder) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &CleanupJob{
		purger:        purger,
		logger:        logger,
		recorder:      recorder,
		RetentionDays: DefaultRetentionDays,
		now:           time.Now,
	}
}

// Cutoff は削除対象となる更新日時の境界を返す。
func (j *CleanupJob) Cutoff() time.Time {
	return j.now().UTC().AddDate(0, 0, -j.RetentionDays)
}

// Run は保持期間を超過したメッセージを削除する。
// updated_atがRetentionDays日前より古いメッセージを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.RetentionDays <= 0 {
		return fmt.Errorf("保持日数は1以上を指定してください: %d", j.RetentionDays)
	}
	start := time.Now()
	cutoff := j.Cutoff()

	deletedCount, err := j.purger.PurgeUpdatedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("メッセージクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("メッセージクリーンアップの実行に失敗: %w", err)
	}

	j.recorder.RecordPurged(deletedCount)

	duration := time.Since(start)
	j.logger.Info("メッセージクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔でRunを繰り返し実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("メッセージクリーンアップを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("メッセージクリーンアップを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
