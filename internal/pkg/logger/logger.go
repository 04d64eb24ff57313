// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger 是全局的 zerolog 实例。
// 各服务在 bootstrap 阶段调用 Init() 之后，统一通过 logger.Ctx(ctx) 获取
// 带有追踪上下文的 logger，避免在业务代码中直接依赖 zerolog。
var Logger zerolog.Logger

func init() {
	// 默认初始化，保证在 Init 之前（如单元测试中）也可用
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init 根据服务名初始化全局 Logger。
func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339
	Logger = zerolog.New(os.Stderr).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// WithContext 将全局 Logger 注入到 context 中，供下游通过 Ctx 取回。
func WithContext(ctx context.Context) context.Context {
	return Logger.WithContext(ctx)
}

// Ctx 从 context 中取回 logger；如果 context 中没有，则返回全局 Logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &Logger
	}
	return l
}
