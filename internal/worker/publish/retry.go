package publish

import "time"

// maxRetryBackoff は投稿リトライの最大遅延（6時間）。
const maxRetryBackoff = 6 * time.Hour

// CalculateBackoff は試行回数に基づいて指数バックオフ遅延を計算する。
// 1回目の失敗後はbase、以降2倍ずつ増加、最大6時間。
func CalculateBackoff(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	if delay > maxRetryBackoff {
		return maxRetryBackoff
	}
	return delay
}
