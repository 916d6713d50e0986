package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Protocol is one of the wire protocols the transport can speak.
type Protocol string

const (
	ProtocolWebSocket Protocol = "websocket"
	ProtocolHTTP      Protocol = "http"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolTCP       Protocol = "tcp"
)

// Protocols lists every known protocol in a stable order.
func Protocols() []Protocol {
	return []Protocol{ProtocolWebSocket, ProtocolHTTP, ProtocolGRPC, ProtocolTCP}
}

// ParseProtocol normalizes a protocol name. "ws" and "https" are accepted as
// aliases.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "websocket", "ws", "wss":
		return ProtocolWebSocket, nil
	case "http", "https":
		return ProtocolHTTP, nil
	case "grpc":
		return ProtocolGRPC, nil
	case "tcp":
		return ProtocolTCP, nil
	}
	return "", ProtocolError(CodeUnsupportedProtocol, "unknown protocol %q", s)
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolWebSocket, ProtocolHTTP, ProtocolGRPC, ProtocolTCP:
		return true
	}
	return false
}

// AuthType selects how a connection authenticates.
type AuthType string

const (
	AuthToken       AuthType = "token"
	AuthOAuth2      AuthType = "oauth2"
	AuthCertificate AuthType = "certificate"
)

// AuthConfig carries credentials for one connection.
//
// token:       token
// oauth2:      accessToken, or clientId + clientSecret + tokenUrl (+ scopes)
// certificate: certFile + keyFile (+ caFile)
type AuthConfig struct {
	Type        AuthType          `json:"type" yaml:"type"`
	Credentials map[string]string `json:"credentials" yaml:"credentials"`
}

// Credential returns a trimmed credential value.
func (a *AuthConfig) Credential(key string) string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a.Credentials[key])
}

// Validate checks that the credential keys required by the auth type exist.
func (a *AuthConfig) Validate() error {
	if a == nil {
		return nil
	}
	switch a.Type {
	case AuthToken:
		if a.Credential("token") == "" {
			return AuthError(CodeInvalidCredentials, "token auth requires credentials.token")
		}
	case AuthOAuth2:
		if a.Credential("accessToken") != "" {
			return nil
		}
		if a.Credential("clientId") == "" || a.Credential("clientSecret") == "" || a.Credential("tokenUrl") == "" {
			return AuthError(CodeInvalidCredentials, "oauth2 auth requires accessToken or clientId, clientSecret and tokenUrl")
		}
	case AuthCertificate:
		if a.Credential("certFile") == "" || a.Credential("keyFile") == "" {
			return AuthError(CodeInvalidCredentials, "certificate auth requires certFile and keyFile")
		}
	default:
		return ProtocolError(CodeInvalidConfig, "unknown auth type %q", a.Type)
	}
	return nil
}

func (a *AuthConfig) clone() *AuthConfig {
	if a == nil {
		return nil
	}
	c := &AuthConfig{Type: a.Type, Credentials: make(map[string]string, len(a.Credentials))}
	for k, v := range a.Credentials {
		c.Credentials[k] = v
	}
	return c
}

// TLSConfig tunes the client side of a secure connection.
type TLSConfig struct {
	CAFile             string `json:"caFile,omitempty" yaml:"ca_file"`
	ServerName         string `json:"serverName,omitempty" yaml:"server_name"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty" yaml:"insecure_skip_verify"`
}

// ConnectionConfig describes how to reach one agent. It is copied into the
// registry on connect and never mutated afterwards.
type ConnectionConfig struct {
	Protocol  Protocol      `json:"protocol" yaml:"protocol"`
	Host      string        `json:"host" yaml:"host"`
	Port      int           `json:"port" yaml:"port"`
	Secure    bool          `json:"secure" yaml:"secure"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	Auth      *AuthConfig   `json:"auth,omitempty" yaml:"auth"`
	TLS       *TLSConfig    `json:"tls,omitempty" yaml:"tls"`
	KeepAlive bool          `json:"keepAlive,omitempty" yaml:"keep_alive"`
	// Path overrides the protocol's default endpoint path.
	Path string `json:"path,omitempty" yaml:"path"`
}

type connectionConfigJSON struct {
	Protocol  Protocol    `json:"protocol"`
	Host      string      `json:"host"`
	Port      int         `json:"port"`
	Secure    bool        `json:"secure"`
	Timeout   int64       `json:"timeout"`
	Auth      *AuthConfig `json:"auth,omitempty"`
	TLS       *TLSConfig  `json:"tls,omitempty"`
	KeepAlive bool        `json:"keepAlive,omitempty"`
	Path      string      `json:"path,omitempty"`
}

// MarshalJSON encodes Timeout as integer milliseconds.
func (c ConnectionConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(connectionConfigJSON{
		Protocol:  c.Protocol,
		Host:      c.Host,
		Port:      c.Port,
		Secure:    c.Secure,
		Timeout:   c.Timeout.Milliseconds(),
		Auth:      c.Auth,
		TLS:       c.TLS,
		KeepAlive: c.KeepAlive,
		Path:      c.Path,
	})
}

// UnmarshalJSON decodes Timeout from integer milliseconds.
func (c *ConnectionConfig) UnmarshalJSON(data []byte) error {
	var raw connectionConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ConnectionConfig{
		Protocol:  raw.Protocol,
		Host:      raw.Host,
		Port:      raw.Port,
		Secure:    raw.Secure,
		Timeout:   time.Duration(raw.Timeout) * time.Millisecond,
		Auth:      raw.Auth,
		TLS:       raw.TLS,
		KeepAlive: raw.KeepAlive,
		Path:      raw.Path,
	}
	return nil
}

// Validate rejects configs that could never produce a connection.
func (c ConnectionConfig) Validate() error {
	if !c.Protocol.Valid() {
		return ProtocolError(CodeUnsupportedProtocol, "unknown protocol %q", c.Protocol).
			WithContext("protocol", string(c.Protocol))
	}
	if strings.TrimSpace(c.Host) == "" {
		return ProtocolError(CodeInvalidConfig, "host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return ProtocolError(CodeInvalidConfig, "port %d out of range", c.Port).WithContext("port", c.Port)
	}
	if c.Timeout < 0 {
		return ProtocolError(CodeInvalidConfig, "timeout must not be negative")
	}
	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return err
		}
		if c.Auth.Type == AuthCertificate && !c.Secure {
			return ProtocolError(CodeInvalidConfig, "certificate auth requires secure=true")
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c ConnectionConfig) Clone() ConnectionConfig {
	out := c
	out.Auth = c.Auth.clone()
	if c.TLS != nil {
		t := *c.TLS
		out.TLS = &t
	}
	return out
}

// Redacted returns a deep copy with every credential value masked.
func (c ConnectionConfig) Redacted() ConnectionConfig {
	out := c.Clone()
	if out.Auth != nil {
		for k, v := range out.Auth.Credentials {
			if v != "" {
				out.Auth.Credentials[k] = "***"
			}
		}
	}
	return out
}

// TimeoutOr returns the configured timeout, or def when unset.
func (c ConnectionConfig) TimeoutOr(def time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return def
}

// ConnectionState tracks a connection's lifecycle.
type ConnectionState string

const (
	StateNew        ConnectionState = "new"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateClosing    ConnectionState = "closing"
	StateClosed     ConnectionState = "closed"
	StateFailed     ConnectionState = "failed"
)

// Connection is a point-in-time snapshot of a live connection.
type Connection struct {
	ID               string           `json:"id"`
	AgentID          string           `json:"agentId"`
	Protocol         Protocol         `json:"protocol"`
	Config           ConnectionConfig `json:"config"`
	State            ConnectionState  `json:"state"`
	IsConnected      bool             `json:"isConnected"`
	ConnectionTime   time.Time        `json:"connectionTime"`
	LastActivity     time.Time        `json:"lastActivity"`
	MessagesSent     int64            `json:"messagesSent"`
	MessagesReceived int64            `json:"messagesReceived"`
	BytesTransferred int64            `json:"bytesTransferred"`
	ConnectLatency   time.Duration    `json:"connectLatency"`
}

// ProtocolConfig enables one protocol at initialization.
type ProtocolConfig struct {
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	// Path is the default endpoint path (websocket, http).
	Path              string        `json:"path,omitempty" yaml:"path"`
	KeepAliveInterval time.Duration `json:"keepAliveInterval,omitempty" yaml:"keep_alive_interval"`
	MaxMessageSize    int64         `json:"maxMessageSize,omitempty" yaml:"max_message_size"`
	// Streaming multiplexes gRPC requests over one bidirectional stream.
	Streaming bool `json:"streaming,omitempty" yaml:"streaming"`
	// Discover fetches the peer's agent card while connecting over HTTP.
	Discover bool `json:"discover,omitempty" yaml:"discover"`
}

// Default protocol tuning.
const (
	DefaultPath              = "/a2a"
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultMaxMessageSize    = 4 << 20
)

// WithDefaults fills unset tuning fields.
func (p ProtocolConfig) WithDefaults() ProtocolConfig {
	if p.Path == "" && (p.Protocol == ProtocolWebSocket || p.Protocol == ProtocolHTTP) {
		p.Path = DefaultPath
	}
	if p.KeepAliveInterval <= 0 {
		p.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if p.MaxMessageSize <= 0 {
		p.MaxMessageSize = DefaultMaxMessageSize
	}
	return p
}
