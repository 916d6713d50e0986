// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	msg := testutil.MustRequest(t, "echo", map[string]any{"n": 1})
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentlink/types"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertErrorType 断言错误属于指定分类
func AssertErrorType(t *testing.T, err error, typ types.ErrorType) {
	t.Helper()
	if err == nil {
		t.Errorf("expected %s but got nil", typ)
		return
	}
	if got := types.TypeOf(err); got != typ {
		t.Errorf("error type mismatch: expected %s, got %q (%v)", typ, got, err)
	}
}

// AssertErrorCode 断言错误携带指定错误码
func AssertErrorCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	if got := types.CodeOf(err); got != code {
		t.Errorf("error code mismatch: expected %s, got %q (%v)", code, got, err)
	}
}

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustRequest 构造请求消息，失败时终止测试
func MustRequest(t *testing.T, method string, params any) *types.Message {
	t.Helper()
	msg, err := types.NewRequest(method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return msg
}

// MustNotification 构造通知消息，失败时终止测试
func MustNotification(t *testing.T, method string, params any) *types.Message {
	t.Helper()
	msg, err := types.NewNotification(method, params)
	if err != nil {
		t.Fatalf("build notification: %v", err)
	}
	return msg
}
