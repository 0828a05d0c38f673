// Package model はドメインモデルを定義する。
package model

import "time"

// Article はフィードから取り込んだ記事を表す。
// 取り込みから承認・投稿までのライフサイクル全体をこの1レコードで追跡する。
type Article struct {
	ID          string
	GUID        string // フィード由来の同一性キー（guidが無い場合は正規化したlink）
	SourceURL   string
	Title       string
	Summary     string // サニタイズ済みプレーンテキスト
	Author      string
	PublishedAt *time.Time
	FetchedAt   time.Time

	Status ArticleStatus

	// TeaserText / Tags はpendingの間のみ変更可能。承認時点の値で凍結される。
	TeaserText string
	Tags       []string

	ScheduledFor    *time.Time
	PublishAttempts int
	LastError       string
	DiscardReason   string
	ExternalPostID  string // 設定済み = 投稿完了。二重投稿防止の冪等ガード。

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ArticleStatus は記事のライフサイクル状態を表す。
type ArticleStatus string

const (
	// StatusPending はレビュー待ちの初期状態。
	StatusPending ArticleStatus = "pending"
	// StatusApproved は承認済みで投稿スケジュール待ちの状態。
	StatusApproved ArticleStatus = "approved"
	// StatusDiscarded は破棄された終端状態。
	StatusDiscarded ArticleStatus = "discarded"
	// StatusScheduled は投稿時刻が割り当てられた状態。
	StatusScheduled ArticleStatus = "scheduled"
	// StatusPosted は投稿完了の終端状態。
	StatusPosted ArticleStatus = "posted"
	// StatusFailed は投稿が恒久的に失敗した状態。再キューまたは破棄が可能。
	StatusFailed ArticleStatus = "failed"
)

// allowedTransitions は合法な状態遷移のエッジ集合。
// 同一状態への遷移（pending→pending、scheduled→scheduled）は
// ステータスを変えずにフィールドだけを更新するミューテータ遷移として許可する。
var allowedTransitions = map[ArticleStatus][]ArticleStatus{
	StatusPending:   {StatusPending, StatusApproved, StatusDiscarded},
	StatusApproved:  {StatusScheduled},
	StatusScheduled: {StatusScheduled, StatusPosted, StatusFailed},
	StatusFailed:    {StatusScheduled, StatusDiscarded},
	// posted / discarded は終端状態。
}

// CanTransition はfromからtoへの状態遷移が合法かを返す。
func CanTransition(from, to ArticleStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal は記事がこれ以上遷移しない終端状態かを返す。
func IsTerminal(status ArticleStatus) bool {
	return status == StatusPosted || status == StatusDiscarded
}

// ValidStatus は文字列が定義済みのステータス値かを返す。
// APIのクエリパラメータ検証に使用する。
func ValidStatus(s string) bool {
	switch ArticleStatus(s) {
	case StatusPending, StatusApproved, StatusDiscarded,
		StatusScheduled, StatusPosted, StatusFailed:
		return true
	}
	return false
}

// ParsedEntry はフィードパーサーから取得した未保存の記事データを表す。
// ポーラーがフィードをパースした後、同一性キーを付与してストアに渡される。
type ParsedEntry struct {
	GUID        string
	Link        string
	Title       string
	Summary     string // 未サニタイズ
	Author      string
	PublishedAt *time.Time
}

// ApprovedExample は承認時点の（記事本文, 最終ティーザー）ペアを表す。
// ティーザー生成の文脈（few-shot例）としてのみ使用される追記専用レコード。
type ApprovedExample struct {
	ID         string
	ArticleID  string
	SourceText string
	TeaserText string
	Tags       []string
	CreatedAt  time.Time
}
