package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/fedipost/internal/model"
)

// articleColumns はarticlesテーブルのSELECT対象カラム。
const articleColumns = `id, guid, source_url, title, summary, author,
	published_at, fetched_at, status, teaser_text, tags,
	scheduled_for, publish_attempts, last_error, discard_reason,
	external_post_id, created_at, updated_at`

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

// InsertIfAbsent は同じguidの記事が存在しない場合のみ記事を挿入する。
// ON CONFLICT DO NOTHINGにより、並行挿入でも重複行は発生しない。
func (r *PostgresArticleRepo) InsertIfAbsent(ctx context.Context, article *model.Article) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO articles (
			id, guid, source_url, title, summary, author,
			published_at, fetched_at, status, teaser_text, tags,
			publish_attempts, last_error, external_post_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, '', '', now(), now())
		ON CONFLICT (guid) DO NOTHING`,
		article.ID, article.GUID, article.SourceURL, article.Title,
		article.Summary, article.Author,
		nullableTime(article.PublishedAt), article.FetchedAt,
		string(article.Status), article.TeaserText, pq.Array(tagsOrEmpty(article.Tags)),
	)
	if err != nil {
		return false, fmt.Errorf("記事の挿入に失敗しました: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("挿入結果の取得に失敗しました: %w", err)
	}

	return rows == 1, nil
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)

	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return article, nil
}

// ListByStatus は指定状態の記事一覧をpublished_at昇順で返す。
// published_atが無い記事はfetched_atで順序付けされる。
func (r *PostgresArticleRepo) ListByStatus(ctx context.Context, status model.ArticleStatus, limit int) ([]*model.Article, error) {
	query := `SELECT ` + articleColumns + `
		FROM articles
		WHERE status = $1
		ORDER BY COALESCE(published_at, fetched_at) ASC`
	args := []any{string(status)}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanArticles(rows)
}

// ListDueForPublish はscheduled_forが経過したscheduled記事を取得する。
// FOR UPDATE SKIP LOCKEDで他のポスター実行が掴んでいる行をスキップする。
func (r *PostgresArticleRepo) ListDueForPublish(ctx context.Context, now time.Time, limit int) ([]*model.Article, error) {
	query := `SELECT ` + articleColumns + `
		FROM articles
		WHERE status = 'scheduled' AND scheduled_for IS NOT NULL AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		FOR UPDATE SKIP LOCKED`
	args := []any{now}

	if limit > 0 {
		query = `SELECT ` + articleColumns + `
		FROM articles
		WHERE status = 'scheduled' AND scheduled_for IS NOT NULL AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("投稿対象記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanArticles(rows)
}

// LatestScheduledFor はscheduled/posted記事の中で最も遅いscheduled_forを返す。
func (r *PostgresArticleRepo) LatestScheduledFor(ctx context.Context) (*time.Time, error) {
	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(scheduled_for) FROM articles WHERE status IN ('scheduled', 'posted')`,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("最終スケジュール時刻の取得に失敗しました: %w", err)
	}

	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time
	return &t, nil
}

// CompareAndTransition は行ロック付きトランザクションで条件付き状態遷移を実行する。
// SELECT ... FOR UPDATEで行を確保し、状態一致を確認した上でmutateと遷移を適用する。
func (r *PostgresArticleRepo) CompareAndTransition(
	ctx context.Context,
	id string,
	expected, next model.ArticleStatus,
	mutate func(*model.Article),
) (*model.Article, error) {
	// 非合法なエッジはDBに触れる前に拒否する
	if !model.CanTransition(expected, next) {
		return nil, &model.InvalidStateError{
			ID:      id,
			Current: expected,
			Op:      fmt.Sprintf("%s→%s", expected, next),
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1 FOR UPDATE`, id)

	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("記事のロック取得に失敗しました: %w", err)
	}

	if article.Status != expected {
		return nil, &model.StaleStateError{
			ID:       id,
			Expected: expected,
			Current:  article.Status,
		}
	}

	if mutate != nil {
		mutate(article)
	}
	article.Status = next
	article.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx,
		`UPDATE articles SET
			status = $2, teaser_text = $3, tags = $4,
			scheduled_for = $5, publish_attempts = $6,
			last_error = $7, discard_reason = $8, external_post_id = $9,
			updated_at = $10
		WHERE id = $1`,
		article.ID, string(article.Status), article.TeaserText,
		pq.Array(tagsOrEmpty(article.Tags)),
		nullableTime(article.ScheduledFor), article.PublishAttempts,
		article.LastError, article.DiscardReason, article.ExternalPostID,
		article.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("記事の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return article, nil
}

// --- スキャンヘルパー ---

// rowScanner はsql.Rowとsql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanArticle は1行をmodel.Articleにスキャンする。
func scanArticle(row rowScanner) (*model.Article, error) {
	article := &model.Article{}
	var publishedAt, scheduledFor sql.NullTime
	var status string
	var tags pq.StringArray

	err := row.Scan(
		&article.ID, &article.GUID, &article.SourceURL, &article.Title,
		&article.Summary, &article.Author,
		&publishedAt, &article.FetchedAt, &status, &article.TeaserText, &tags,
		&scheduledFor, &article.PublishAttempts, &article.LastError,
		&article.DiscardReason, &article.ExternalPostID,
		&article.CreatedAt, &article.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	article.Status = model.ArticleStatus(status)
	article.Tags = []string(tags)
	if publishedAt.Valid {
		article.PublishedAt = &publishedAt.Time
	}
	if scheduledFor.Valid {
		article.ScheduledFor = &scheduledFor.Time
	}

	return article, nil
}

// scanArticles は複数行をスキャンする。
func scanArticles(rows *sql.Rows) ([]*model.Article, error) {
	var articles []*model.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("記事のスキャンに失敗しました: %w", err)
		}
		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の読み取りに失敗しました: %w", err)
	}
	return articles, nil
}

// nullableTime は*time.Timeをsql.NullTimeに変換する。
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// tagsOrEmpty はnilスライスを空スライスに正規化する。
// pq.Arrayはnilスライスを NULL として書き込むため、NOT NULL制約と衝突させない。
func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
