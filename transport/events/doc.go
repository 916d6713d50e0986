/*
Package events 提供连接生命周期事件的分发。

Bus 由每个 Transport 独立持有，订阅者按注册顺序同步接收
connection.established、connection.closed、connection.failed 事件；
Channel 形式的订阅在缓冲区满时丢弃事件而不阻塞发布方。

RedisPublisher 可注册为 Bus 订阅者，将事件以 JSON 发布到 Redis 频道，
供进程外的编排组件消费。
*/
package events
