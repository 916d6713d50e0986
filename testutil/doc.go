// Copyright 2026 AgentLink Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 AgentLink 测试的共享工具和辅助函数。

# 概述

testutil 包为传输层各包的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertMessagesEqual / AssertErrorType / AssertJSONEqual /
    AssertNoError / AssertError / AssertContains 等
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual
  - 测试对端: NewWSPeer / NewHTTPPeer / NewGRPCPeer / NewTCPPeer，
    回显请求、计数通知，并支持认证、延迟、失败注入与 TLS
  - 证书工具: WriteCertPEM / WriteClientCert

# 子包

  - testutil/mocks: FakeAdapter 与 FakeHandle，用于在不触网的情况下
    测试注册表、分发器与门面

# 使用示例

	ctx := testutil.TestContext(t)
	peer := testutil.NewHTTPPeer(t, testutil.PeerOptions{FailFirst: 2})
	handle, err := adapter.NewHTTP(types.ProtocolConfig{}, nil).Connect(ctx, peer.Config())
*/
package testutil
