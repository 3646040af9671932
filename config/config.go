// config/config.go
package config

import (
	"fmt"
	"time"
)

// Config 主配置结构
type Config struct {
	Server   ServerConfig
	Gossip   GossipConfig
	Peer     PeerConfig
	Throttle ThrottleConfig
	Sender   SenderConfig
}

// ServerConfig 配置 Server 监听的 QUIC/HTTP3 传输层
type ServerConfig struct {
	// TLS配置
	TLSMinVersion string // "1.3"
	TLSMaxVersion string // "1.3"

	// QUIC配置
	QUICKeepAlivePeriod time.Duration // 10 * time.Second
	QUICMaxIdleTimeout  time.Duration // 5 * time.Minute
	QUICAllow0RTT       bool          // true

	TLSSessionCacheSize int // 128

	// ListenPort <= 0 表示本节点不接受入站连接（纯被动模式）
	ListenPort int // 0
}

// GossipConfig 配置 gossip 帧编解码器
type GossipConfig struct {
	ActionKey          string // "t"
	ProtocolVersion    string // "gossip/1"
	UUIDRequestKey     string // "uuid"
	PortRequestKey     string // "port"
	MaximumExtraBlocks uint32 // 32
}

// PeerConfig 配置每个 Peer 的状态机
type PeerConfig struct {
	// PeerRetryAfterFailureInterval 界定 connecting/querying 的硬性超时，
	// 也是 failed 状态的冷却时间。
	PeerRetryAfterFailureInterval time.Duration // 30 * time.Second

	// SupportsOutgoing 决定 advance() 是否会尝试主动拨号；
	// 出站能力是可配置项，而非平台限制。
	SupportsOutgoing bool // true

	// AdvancePollInterval 是每个 Peer 被 advance() 轮询的周期。
	AdvancePollInterval time.Duration // 2 * time.Second

	// CallbackTTL 界定 PeerConnection 保留一个未完成回调的时长；
	// 为0时退化为 PeerRetryAfterFailureInterval。
	CallbackTTL time.Duration // 0
}

// ThrottleConfig 配置每个 Peer 的入站请求节流队列
type ThrottleConfig struct {
	MaximumPeerRequestRate      time.Duration // 200 * time.Millisecond
	MaximumPeerRequestQueueSize int           // 64
}

// SenderConfig 保存重连退避的随机抖动系数。目前没有任何代码读取
// JitterFactor：peer.Advance 的 failed/connecting/querying 冷却重试
// 固定使用 PeerRetryAfterFailureInterval，不加抖动。
type SenderConfig struct {
	JitterFactor float64 // 0.2 (±20%)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			TLSMinVersion:       "1.3",
			TLSMaxVersion:       "1.3",
			QUICKeepAlivePeriod: 10 * time.Second,
			QUICMaxIdleTimeout:  5 * time.Minute,
			QUICAllow0RTT:       true,
			TLSSessionCacheSize: 128,
			ListenPort:          0,
		},
		Gossip: GossipConfig{
			ActionKey:          "t",
			ProtocolVersion:    "gossip/1",
			UUIDRequestKey:     "uuid",
			PortRequestKey:     "port",
			MaximumExtraBlocks: 32,
		},
		Peer: PeerConfig{
			PeerRetryAfterFailureInterval: 30 * time.Second,
			SupportsOutgoing:              true,
			AdvancePollInterval:           2 * time.Second,
			CallbackTTL:                   0,
		},
		Throttle: ThrottleConfig{
			MaximumPeerRequestRate:      200 * time.Millisecond,
			MaximumPeerRequestQueueSize: 64,
		},
		Sender: SenderConfig{
			JitterFactor: 0.2,
		},
	}
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Gossip.ActionKey == "" {
		return fmt.Errorf("gossip.actionKey must not be empty")
	}
	if c.Gossip.ProtocolVersion == "" {
		return fmt.Errorf("gossip.protocolVersion must not be empty")
	}
	if c.Peer.PeerRetryAfterFailureInterval <= 0 {
		return fmt.Errorf("peer.peerRetryAfterFailureInterval must be positive")
	}
	if c.Throttle.MaximumPeerRequestQueueSize <= 0 {
		return fmt.Errorf("throttle.maximumPeerRequestQueueSize must be positive")
	}
	if c.Throttle.MaximumPeerRequestRate < 0 {
		return fmt.Errorf("throttle.maximumPeerRequestRate must not be negative")
	}
	return nil
}

// CallbackTTL returns Peer.CallbackTTL, defaulting to
// PeerRetryAfterFailureInterval when unset.
func (c *Config) CallbackTTL() time.Duration {
	if c.Peer.CallbackTTL > 0 {
		return c.Peer.CallbackTTL
	}
	return c.Peer.PeerRetryAfterFailureInterval
}
