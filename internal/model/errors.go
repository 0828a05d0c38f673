// Package model はドメインモデルを定義する。
package model

import "fmt"

// NotFoundError は指定IDの記事が存在しない場合のエラー。
type NotFoundError struct {
	ID string
}

// Error はerrorインターフェースを実装する。
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("記事が見つかりません: %s", e.ID)
}

// InvalidStateError は現在の状態では許可されない操作・遷移を表す。
// レビューAPIではリクエスト拒否としてユーザーに提示される。
type InvalidStateError struct {
	ID      string
	Current ArticleStatus
	Op      string
}

// Error はerrorインターフェースを実装する。
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("記事 %s は状態 %s のため操作 %s を実行できません", e.ID, e.Current, e.Op)
}

// StaleStateError はcompareAndTransitionの競合負け（期待した状態と現在の状態の不一致）を表す。
// 呼び出し側は状態を再読込して続行を判断する。人間には決して表示しない。
type StaleStateError struct {
	ID       string
	Expected ArticleStatus
	Current  ArticleStatus
}

// Error はerrorインターフェースを実装する。
func (e *StaleStateError) Error() string {
	return fmt.Sprintf("記事 %s の状態が変化しています: 期待 %s, 現在 %s", e.ID, e.Expected, e.Current)
}

// TransientPublishError は一時的な投稿失敗（ネットワーク/5xx/レート制限）を表す。
// バックオフ付きでリトライされる。
type TransientPublishError struct {
	StatusCode int // HTTPステータス。ネットワークエラーの場合は0。
	Reason     string
}

// Error はerrorインターフェースを実装する。
func (e *TransientPublishError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("一時的な投稿失敗 (HTTP %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("一時的な投稿失敗: %s", e.Reason)
}

// PermanentPublishError は恒久的な投稿失敗（4xxバリデーション、コンテンツ拒否）を表す。
// リトライせず記事をfailedへ遷移させる。
type PermanentPublishError struct {
	StatusCode int
	Reason     string
}

// Error はerrorインターフェースを実装する。
func (e *PermanentPublishError) Error() string {
	return fmt.Sprintf("恒久的な投稿失敗 (HTTP %d): %s", e.StatusCode, e.Reason)
}

// GenerationUnavailableError はティーザー生成バックエンドの障害を表す。
// 致命的ではなく、記事はティーザー未設定のままpendingに留まる。
type GenerationUnavailableError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *GenerationUnavailableError) Error() string {
	return fmt.Sprintf("ティーザー生成が利用できません: %s", e.Reason)
}

// APIError はレビューAPIの統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, review, publish, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeArticleNotFound = "ARTICLE_NOT_FOUND"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeInvalidStatus   = "INVALID_STATUS"
	ErrCodeEmptyTeaser     = "EMPTY_TEASER"
	ErrCodeGeneration      = "GENERATION_UNAVAILABLE"
)

// NewArticleNotFoundError は記事未検出エラーを生成する。
func NewArticleNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeArticleNotFound,
		Message:  fmt.Sprintf("指定された記事が見つかりません: %s", id),
		Category: "review",
		Action:   "記事IDを確認してください。",
	}
}

// NewInvalidStateAPIError は不正な状態遷移エラーを生成する。
func NewInvalidStateAPIError(id string, current ArticleStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("記事 %s は現在 %s のため、この操作は実行できません。", id, current),
		Category: "review",
		Action:   "一覧を再読み込みして最新の状態を確認してください。",
	}
}

// NewInvalidStatusError は無効なステータスフィルタエラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なステータスです: %s", status),
		Category: "validation",
		Action:   "pending、approved、scheduled、posted、failed、discarded のいずれかを指定してください。",
	}
}

// NewEmptyTeaserError はティーザー未入力エラーを生成する。
func NewEmptyTeaserError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyTeaser,
		Message:  "ティーザー本文は必須です。",
		Category: "validation",
		Action:   "ティーザー本文を入力してから操作をやり直してください。",
	}
}

// NewGenerationUnavailableError はティーザー生成失敗エラーを生成する。
func NewGenerationUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeGeneration,
		Message:  "ティーザーの自動生成に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再生成するか、手動でティーザーを入力してください。",
	}
}
