// Package handler はレビューAPIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fedipost/internal/model"
)

// ReviewServiceInterface は記事ハンドラーが必要とするレビューサービスのインターフェース。
type ReviewServiceInterface interface {
	// ListByStatus は指定状態の記事一覧を返す。
	ListByStatus(ctx context.Context, status model.ArticleStatus) ([]*model.Article, error)
	// Get は指定IDの記事を返す。
	Get(ctx context.Context, id string) (*model.Article, error)
	// Approve は記事を承認し、最終ティーザーを凍結する。
	Approve(ctx context.Context, id, teaserText string, tags []string) (*model.Article, error)
	// Discard は記事を理由付きで破棄する。
	Discard(ctx context.Context, id, reason string) (*model.Article, error)
	// EditTeaser はpendingの記事のティーザーを上書きする。
	EditTeaser(ctx context.Context, id, teaserText string, tags []string) (*model.Article, error)
	// Regenerate はティーザーを再生成して上書きする。
	Regenerate(ctx context.Context, id string) (*model.Article, error)
	// Requeue はfailedの記事を再スケジュールする。
	Requeue(ctx context.Context, id string) (*model.Article, error)
}

// ArticleHandler は記事レビューのHTTPハンドラー。
type ArticleHandler struct {
	service ReviewServiceInterface
}

// NewArticleHandler はArticleHandlerを生成する。
func NewArticleHandler(service ReviewServiceInterface) *ArticleHandler {
	return &ArticleHandler{service: service}
}

// --- リクエスト/レスポンス型 ---

// articleResponse は記事のレスポンス。
type articleResponse struct {
	ID              string     `json:"id"`
	GUID            string     `json:"guid"`
	SourceURL       string     `json:"source_url"`
	Title           string     `json:"title"`
	Summary         string     `json:"summary"`
	Author          string     `json:"author,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	FetchedAt       time.Time  `json:"fetched_at"`
	Status          string     `json:"status"`
	TeaserText      string     `json:"teaser_text"`
	Tags            []string   `json:"tags"`
	ScheduledFor    *time.Time `json:"scheduled_for,omitempty"`
	PublishAttempts int        `json:"publish_attempts"`
	LastError       string     `json:"last_error,omitempty"`
	DiscardReason   string     `json:"discard_reason,omitempty"`
	ExternalPostID  string     `json:"external_post_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// articleListResponse は記事一覧のレスポンス。
type articleListResponse struct {
	Articles []articleResponse `json:"articles"`
	Total    int               `json:"total"`
}

// approveRequest は承認リクエストのボディ。
type approveRequest struct {
	TeaserText string   `json:"teaser_text"`
	Tags       []string `json:"tags"`
}

// discardRequest は破棄リクエストのボディ。
type discardRequest struct {
	Reason string `json:"reason"`
}

// teaserUpdateRequest はティーザー編集リクエストのボディ。
type teaserUpdateRequest struct {
	TeaserText string   `json:"teaser_text"`
	Tags       []string `json:"tags"`
}

// toArticleResponse はmodel.Articleをレスポンス型に変換する。
func toArticleResponse(a *model.Article) articleResponse {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return articleResponse{
		ID:              a.ID,
		GUID:            a.GUID,
		SourceURL:       a.SourceURL,
		Title:           a.Title,
		Summary:         a.Summary,
		Author:          a.Author,
		PublishedAt:     a.PublishedAt,
		FetchedAt:       a.FetchedAt,
		Status:          string(a.Status),
		TeaserText:      a.TeaserText,
		Tags:            tags,
		ScheduledFor:    a.ScheduledFor,
		PublishAttempts: a.PublishAttempts,
		LastError:       a.LastError,
		DiscardReason:   a.DiscardReason,
		ExternalPostID:  a.ExternalPostID,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// ListArticles は記事一覧を取得する。
// GET /api/articles?status=pending
func (h *ArticleHandler) ListArticles(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = string(model.StatusPending)
	}
	if !model.ValidStatus(status) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidStatusError(status))
		return
	}

	articles, err := h.service.ListByStatus(r.Context(), model.ArticleStatus(status))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := articleListResponse{
		Articles: make([]articleResponse, 0, len(articles)),
		Total:    len(articles),
	}
	for _, a := range articles {
		resp.Articles = append(resp.Articles, toArticleResponse(a))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetArticle は記事詳細を取得する。
// GET /api/articles/{id}
func (h *ArticleHandler) GetArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	article, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toArticleResponse(article))
}

// ApproveArticle は記事を承認する。
// POST /api/articles/{id}/approve
func (h *ArticleHandler) ApproveArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディが不正です。")
		return
	}

	article, err := h.service.Approve(r.Context(), id, req.TeaserText, req.Tags)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toArticleResponse(article))
}

// DiscardArticle は記事を破棄する。
// POST /api/articles/{id}/discard
func (h *ArticleHandler) DiscardArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req discardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディが不正です。")
		return
	}

	article, err := h.service.Discard(r.Context(), id, req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toArticleResponse(article))
}

// UpdateTeaser はティーザー本文とタグを編集する。
// PATCH /api/articles/{id}/teaser
func (h *ArticleHandler) UpdateTeaser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req teaserUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディが不正です。")
		return
	}

	article, err := h.service.EditTeaser(r.Context(), id, req.TeaserText, req.Tags)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toArticleResponse(article))
}

// RegenerateTeaser はティーザーを再生成する。
// POST /api/articles/{id}/regenerate
func (h *ArticleHandler) RegenerateTeaser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	article, err := h.service.Regenerate(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toArticleResponse(article))
}

// RequeueArticle はfailedの記事を再スケジュールする。
// POST /api/articles/{id}/requeue
func (h *ArticleHandler) RequeueArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	article, err := h.service.Requeue(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toArticleResponse(article))
}

// --- 共通ヘルパー ---

// apiErrorResponse はAPIエラーレスポンスのJSON構造。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse はAPIエラーをJSONで書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// writeBadRequest はリクエスト不正の400レスポンスを書き込む。
func writeBadRequest(w http.ResponseWriter, message string) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var notFound *model.NotFoundError
	if errors.As(err, &notFound) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewArticleNotFoundError(notFound.ID))
		return
	}

	var invalid *model.InvalidStateError
	if errors.As(err, &invalid) {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewInvalidStateAPIError(invalid.ID, invalid.Current))
		return
	}

	var unavailable *model.GenerationUnavailableError
	if errors.As(err, &unavailable) {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewGenerationUnavailableError())
		return
	}

	// 分類できないエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeArticleNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidState:
		return http.StatusConflict
	case model.ErrCodeInvalidStatus, model.ErrCodeEmptyTeaser:
		return http.StatusBadRequest
	case model.ErrCodeGeneration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
