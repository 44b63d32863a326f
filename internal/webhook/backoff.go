package webhook

import "time"

const (
	// initialBackoff は再送の初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は再送遅延の上限（6時間）。
	maxBackoff = 6 * time.Hour
)

// CalculateBackoff は失敗回数に基づいて再送までの遅延を計算する。
// 初回30秒、2倍ずつ増加、最大6時間。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
