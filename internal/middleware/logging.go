// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog は鍵操作の監査ログを出力する。鍵材は記録しない。
func WriteAuditLog(ctx context.Context, operation string, deviceID string, generation uint, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"device_id", deviceID,
		"generation", generation,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
