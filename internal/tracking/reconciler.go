// Package tracking はメッセージ状態の調停（送信通知・ピクセル取得からの状態決定）と、
// その結果の永続化・配信を行うサービスを提供する。
package tracking

import (
	"time"

	"github.com/hitoshi/oppnd/internal/model"
	"github.com/hitoshi/oppnd/internal/repository"
)

// DefaultReadGracePeriod は配信から既読に昇格させるまでの最小経過時間のデフォルト値。
const DefaultReadGracePeriod = 60 * time.Second

// Branch は状態遷移表のどの分岐に該当したかを表す。
type Branch string

const (
	// BranchCreate はレコードを新規作成する分岐。
	// ピクセル取得が送信通知より先に届いた場合は sent+delivered を1回の作成にまとめる。
	BranchCreate Branch = "create"
	// BranchFill は既存レコードの未設定フィールドを埋める分岐。
	BranchFill Branch = "fill"
	// BranchAcknowledge は猶予期間内の重複ピクセル取得。書き込みは行わずdeliveredを再通知する。
	BranchAcknowledge Branch = "acknowledge"
	// BranchMetadataOnly はsentAt設定済みの送信通知。メタデータのみ更新しイベントは発行しない。
	BranchMetadataOnly Branch = "metadata_only"
	// BranchNoOp は既読済み（終端状態）のため何もしない分岐。
	BranchNoOp Branch = "noop"
)

// Decision は調停結果を表す。
type Decision struct {
	Branch Branch
	// Patch は書き込む状態フィールド。未設定のフィールドにのみ反映される。
	Patch model.States
	// Guard は書き込みの前提条件。この状態が未設定の場合のみ書き込みを適用する。
	Guard model.EventType
	// Event は発行するイベント種別。空文字列の場合は発行しない。
	Event model.EventType
}

// Persist はストアへの書き込みが必要かを返す。
func (d Decision) Persist() bool {
	return d.Branch == BranchCreate || d.Branch == BranchFill
}

// Emits はイベントを発行するかを返す。
func (d Decision) Emits() bool {
	return d.Event != ""
}

// Reconciler は現在の状態と受信シグナルから次の状態と発行イベントを決定する。
// I/Oを持たない純粋なロジックで、遷移は none → sent → delivered → read の一方向のみ。
type Reconciler struct {
	gracePeriod time.Duration
}

// NewReconciler はReconcilerを生成する。
// gracePeriodが0以下の場合はDefaultReadGracePeriodを使用する。
func NewReconciler(gracePeriod time.Duration) *Reconciler {
	if gracePeriod <= 0 {
		gracePeriod = DefaultReadGracePeriod
	}
	return &Reconciler{gracePeriod: gracePeriod}
}

// GracePeriod は既読昇格の猶予期間を返す。
func (r *Reconciler) GracePeriod() time.Duration {
	return r.gracePeriod
}

// DecideSent は送信通知に対する調停を行う。currentがnilの場合はレコード未作成を表す。
func (r *Reconciler) DecideSent(current *model.States, now time.Time) Decision {
	switch {
	case current == nil:
		return Decision{
			Branch: BranchCreate,
			Patch:  model.States{SentAt: timePtr(now)},
			Guard:  model.EventSent,
			Event:  model.EventSent,
		}
	case current.SentAt == nil:
		return Decision{
			Branch: BranchFill,
			Patch:  model.States{SentAt: timePtr(now)},
			Guard:  model.EventSent,
			Event:  model.EventSent,
		}
	default:
		// 再通知は下流のイベントを再発火させない
		return Decision{Branch: BranchMetadataOnly}
	}
}

// DecideSentFromUpsert はUpsertOnSentのアトミックな結果を、操作前の状態区分に読み替えてDecideSentに渡す。
// 新規作成ならレコード未作成、sentAtを埋めたならsentAt未設定のレコード、それ以外は設定済みとみなす。
func (r *Reconciler) DecideSentFromUpsert(res *repository.SentUpsertResult, now time.Time) Decision {
	switch {
	case res.Inserted:
		return r.DecideSent(nil, now)
	case res.SentAtFilled:
		return r.DecideSent(&model.States{}, now)
	default:
		return r.DecideSent(&res.Message.States, now)
	}
}

// DecidePixel はトラッキングピクセル取得に対する調停を行う。currentがnilの場合はレコード未作成を表す。
//
// 1回の開封で画像の先読みやプロキシキャッシュにより複数回の取得が発生するため、
// 取得を高々2回の意味のある遷移（delivered, read）にまとめる。
// deliveredから猶予期間未満の取得は先読みとみなし、書き込みを行わずdeliveredを再通知する。
func (r *Reconciler) DecidePixel(current *model.States, now time.Time) Decision {
	switch {
	case current == nil:
		// 送信通知が失われた・競合した場合は送信と配信を同時に記録する
		return Decision{
			Branch: BranchCreate,
			Patch:  model.States{SentAt: timePtr(now), DeliveredAt: timePtr(now)},
			Guard:  model.EventDelivered,
			Event:  model.EventDelivered,
		}
	case current.DeliveredAt == nil:
		return Decision{
			Branch: BranchFill,
			Patch:  model.States{SentAt: timePtr(now), DeliveredAt: timePtr(now)},
			Guard:  model.EventDelivered,
			Event:  model.EventDelivered,
		}
	case current.ReadAt == nil:
		if now.Sub(*current.DeliveredAt) < r.gracePeriod {
			return Decision{Branch: BranchAcknowledge, Event: model.EventDelivered}
		}
		return Decision{
			Branch: BranchFill,
			Patch:  model.States{ReadAt: timePtr(now)},
			Guard:  model.EventRead,
			Event:  model.EventRead,
		}
	default:
		return Decision{Branch: BranchNoOp}
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
