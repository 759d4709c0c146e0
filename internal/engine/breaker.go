package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String 返回状态字符串
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen 熔断器打开时直接拒绝调用
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker 引擎调用熔断器，只统计传输层失败
type CircuitBreaker struct {
	name string

	failureThreshold int           // 失败阈值
	successThreshold int           // 半开状态下恢复所需成功次数
	timeout          time.Duration // 打开后多久进入半开

	state           int32
	failureCount    int32
	successCount    int32
	lastFailureTime time.Time
	mutex           sync.RWMutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            int32(StateClosed),
	}
}

// Call 执行函数调用（带熔断保护）
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.canExecute() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) canExecute() bool {
	switch cb.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		cb.mutex.RLock()
		canHalfOpen := time.Since(cb.lastFailureTime) >= cb.timeout
		cb.mutex.RUnlock()

		if canHalfOpen && atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
			atomic.StoreInt32(&cb.successCount, 0)
			return true
		}
		return cb.State() == StateHalfOpen
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.State() {
	case StateHalfOpen:
		count := atomic.AddInt32(&cb.successCount, 1)
		if int(count) >= cb.successThreshold {
			atomic.StoreInt32(&cb.state, int32(StateClosed))
			atomic.StoreInt32(&cb.failureCount, 0)
		}
	case StateClosed:
		atomic.StoreInt32(&cb.failureCount, 0)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mutex.Lock()
	cb.lastFailureTime = time.Now()
	cb.mutex.Unlock()

	switch cb.State() {
	case StateHalfOpen:
		// 半开状态下失败，直接打开
		atomic.StoreInt32(&cb.state, int32(StateOpen))
		atomic.StoreInt32(&cb.successCount, 0)
	case StateClosed:
		count := atomic.AddInt32(&cb.failureCount, 1)
		if int(count) >= cb.failureThreshold {
			atomic.StoreInt32(&cb.state, int32(StateOpen))
		}
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&cb.state))
}

// Stats 统计信息
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return map[string]interface{}{
		"name":              cb.name,
		"state":             cb.State().String(),
		"failure_count":     atomic.LoadInt32(&cb.failureCount),
		"failure_threshold": cb.failureThreshold,
		"timeout":           cb.timeout.String(),
		"last_failure_time": cb.lastFailureTime,
	}
}
