package errors

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrorMonitor 流水线错误监控器
type ErrorMonitor struct {
	errorCounter *prometheus.CounterVec

	stats      map[string]*ErrorStats
	statsMutex sync.RWMutex
}

// ErrorStats 错误统计信息
type ErrorStats struct {
	Code      string
	Type      string
	Operation string
	Count     int64
	FirstSeen time.Time
	LastSeen  time.Time
}

// NewErrorMonitor 创建错误监控器，reg为nil时使用默认注册表
func NewErrorMonitor(reg prometheus.Registerer) *ErrorMonitor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &ErrorMonitor{
		errorCounter: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_error_total",
				Help: "Total number of pipeline errors by code, type and operation",
			},
			[]string{"code", "type", "operation"},
		),
		stats: make(map[string]*ErrorStats),
	}
}

// Record 记录一次操作错误，nil错误忽略
func (em *ErrorMonitor) Record(operation string, err error) {
	if em == nil || err == nil {
		return
	}
	appErr := GetAppError(err)
	typ := getErrorTypeString(appErr.Type)
	em.errorCounter.WithLabelValues(string(appErr.Code), typ, operation).Inc()

	em.statsMutex.Lock()
	defer em.statsMutex.Unlock()

	key := string(appErr.Code) + ":" + operation
	stats, exists := em.stats[key]
	if !exists {
		stats = &ErrorStats{
			Code:      string(appErr.Code),
			Type:      typ,
			Operation: operation,
			FirstSeen: time.Now(),
		}
		em.stats[key] = stats
	}
	stats.Count++
	stats.LastSeen = time.Now()
}

// GetStats 获取错误统计信息副本
func (em *ErrorMonitor) GetStats() map[string]*ErrorStats {
	em.statsMutex.RLock()
	defer em.statsMutex.RUnlock()

	result := make(map[string]*ErrorStats, len(em.stats))
	for k, v := range em.stats {
		statsCopy := *v
		result[k] = &statsCopy
	}
	return result
}

// GetTopErrors 获取最常见的错误
func (em *ErrorMonitor) GetTopErrors(limit int) []*ErrorStats {
	all := em.GetStats()
	list := make([]*ErrorStats, 0, len(all))
	for _, s := range all {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Count > list[j].Count })

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

func getErrorTypeString(t ErrorType) string {
	switch t {
	case ErrorTypeBusiness:
		return "business"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeExternal:
		return "external"
	default:
		return "system"
	}
}
