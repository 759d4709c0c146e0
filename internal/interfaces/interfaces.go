package interfaces

import "context"

// HealthReporter 可上报健康状态的组件，/health按Name汇总
type HealthReporter interface {
	Name() string
	Check(ctx context.Context) error
}
