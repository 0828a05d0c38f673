// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/fedipost/internal/model"
)

// ArticleRepository は記事データの永続化インターフェース。
// ポーラー・レビュー・ポスターの3アクターはすべてこのインターフェース経由で
// 記事を読み書きし、状態変更は必ずCompareAndTransitionを通す。
type ArticleRepository interface {
	// InsertIfAbsent は同じguidの記事が存在しない場合のみ記事を挿入する。
	// 挿入した場合はtrue、既存のためスキップした場合はfalseを返す。
	// guidのユニーク制約に基づくため、プロセス再起動をまたいでも重複は発生しない。
	InsertIfAbsent(ctx context.Context, article *model.Article) (bool, error)

	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Article, error)

	// ListByStatus は指定状態の記事一覧をpublished_at昇順で返す。
	// limitが0以下の場合は全件を返す。
	ListByStatus(ctx context.Context, status model.ArticleStatus, limit int) ([]*model.Article, error)

	// ListDueForPublish はscheduled_forが経過したscheduled記事を取得する。
	// FOR UPDATE SKIP LOCKEDにより、並行するポスター実行との同一行の取り合いを避ける。
	ListDueForPublish(ctx context.Context, now time.Time, limit int) ([]*model.Article, error)

	// LatestScheduledFor はscheduled/posted記事の中で最も遅いscheduled_forを返す。
	// 該当が無い場合はnilを返す。投稿間隔の割り当て基準に使用する。
	LatestScheduledFor(ctx context.Context) (*time.Time, error)

	// CompareAndTransition は現在の状態がexpectedと一致する場合のみ、
	// mutateによるフィールド更新とnextへの状態遷移を1つのアトミック操作として適用する。
	// 状態の不一致はStaleStateError、expected→nextが非合法なエッジの場合はInvalidStateError、
	// 記事が存在しない場合はNotFoundErrorを返す。成功時は更新後の記事を返す。
	// mutateがnilの場合は状態遷移のみを行う。
	CompareAndTransition(ctx context.Context, id string, expected, next model.ArticleStatus, mutate func(*model.Article)) (*model.Article, error)
}

// ExampleRepository は承認済みティーザー例の永続化インターフェース。
// 追記専用であり、更新・削除の操作は提供しない。
type ExampleRepository interface {
	// Insert は承認済み例を追記する。
	Insert(ctx context.Context, example *model.ApprovedExample) error

	// ListRecent は新しい順にlimit件の承認済み例を返す。
	ListRecent(ctx context.Context, limit int) ([]*model.ApprovedExample, error)

	// Count は承認済み例の総数を返す。
	Count(ctx context.Context) (int, error)
}
