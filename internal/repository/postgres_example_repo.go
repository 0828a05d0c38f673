package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/fedipost/internal/model"
)

// PostgresExampleRepo はPostgreSQLを使用した承認済み例リポジトリ。
// approved_examplesテーブルは追記専用で、INSERTとSELECTのみを発行する。
type PostgresExampleRepo struct {
	db *sql.DB
}

// NewPostgresExampleRepo はPostgresExampleRepoを生成する。
func NewPostgresExampleRepo(db *sql.DB) *PostgresExampleRepo {
	return &PostgresExampleRepo{db: db}
}

// Insert は承認済み例を追記する。
func (r *PostgresExampleRepo) Insert(ctx context.Context, example *model.ApprovedExample) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO approved_examples (id, article_id, source_text, teaser_text, tags, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		example.ID, example.ArticleID, example.SourceText,
		example.TeaserText, pq.Array(tagsOrEmpty(example.Tags)),
	)
	if err != nil {
		return fmt.Errorf("承認済み例の追記に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は新しい順にlimit件の承認済み例を返す。
func (r *PostgresExampleRepo) ListRecent(ctx context.Context, limit int) ([]*model.ApprovedExample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, article_id, source_text, teaser_text, tags, created_at
		 FROM approved_examples
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("承認済み例の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var examples []*model.ApprovedExample
	for rows.Next() {
		ex := &model.ApprovedExample{}
		var tags pq.StringArray
		if err := rows.Scan(&ex.ID, &ex.ArticleID, &ex.SourceText, &ex.TeaserText, &tags, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("承認済み例のスキャンに失敗しました: %w", err)
		}
		ex.Tags = []string(tags)
		examples = append(examples, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("承認済み例一覧の読み取りに失敗しました: %w", err)
	}

	return examples, nil
}

// Count は承認済み例の総数を返す。
func (r *PostgresExampleRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approved_examples`).Scan(&count); err != nil {
		return 0, fmt.Errorf("承認済み例の件数取得に失敗しました: %w", err)
	}
	return count, nil
}
