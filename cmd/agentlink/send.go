package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/config"
	"github.com/BaSui01/agentlink/transport"
	"github.com/BaSui01/agentlink/types"
)

// =============================================================================
// 📨 send 命令
// =============================================================================

type sendOptions struct {
	protocol string
	host     string
	port     int
	path     string
	agentID  string
	method   string
	params   string
	token    string
	secure   bool
	notify   bool
	timeout  time.Duration
	verbose  bool
}

func parseSendFlags(args []string) (sendOptions, error) {
	var o sendOptions
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.StringVar(&o.protocol, "protocol", "http", "websocket | http | grpc | tcp")
	fs.StringVar(&o.host, "host", "127.0.0.1", "Remote agent host")
	fs.IntVar(&o.port, "port", 0, "Remote agent port")
	fs.StringVar(&o.path, "path", "", "Endpoint path override")
	fs.StringVar(&o.agentID, "agent", "remote", "Remote agent id")
	fs.StringVar(&o.method, "method", "", "Method to invoke")
	fs.StringVar(&o.params, "params", "", "JSON params")
	fs.StringVar(&o.token, "token", "", "Bearer token")
	fs.BoolVar(&o.secure, "secure", false, "Use TLS")
	fs.BoolVar(&o.notify, "notify", false, "Send as a notification and do not wait for a response")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "Per-attempt timeout")
	fs.BoolVar(&o.verbose, "v", false, "Log transport activity to stderr")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.method == "" {
		return o, fmt.Errorf("--method is required")
	}
	if o.params != "" && !json.Valid([]byte(o.params)) {
		return o, fmt.Errorf("--params is not valid JSON")
	}
	return o, nil
}

func (o sendOptions) connection() (types.ConnectionConfig, error) {
	p, err := types.ParseProtocol(o.protocol)
	if err != nil {
		return types.ConnectionConfig{}, err
	}
	cfg := types.ConnectionConfig{
		Protocol: p,
		Host:     o.host,
		Port:     o.port,
		Secure:   o.secure,
		Timeout:  o.timeout,
		Path:     o.path,
	}
	if o.token != "" {
		cfg.Auth = &types.AuthConfig{Type: types.AuthToken, Credentials: map[string]string{"token": o.token}}
	}
	return cfg, cfg.Validate()
}

func (o sendOptions) message() (*types.Message, error) {
	var params any
	if o.params != "" {
		params = json.RawMessage(o.params)
	}
	if o.notify {
		return types.NewNotification(o.method, params)
	}
	return types.NewRequest(o.method, params)
}

// runSend 建立单条连接，发送一条消息并把响应以 JSON 写入 out
func runSend(args []string, out io.Writer) error {
	o, err := parseSendFlags(args)
	if err != nil {
		return err
	}
	conn, err := o.connection()
	if err != nil {
		return err
	}
	msg, err := o.message()
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if o.verbose {
		logCfg := config.DefaultLogConfig()
		logCfg.Format = "console"
		logCfg.Level = "debug"
		logCfg.OutputPaths = []string{"stderr"}
		logger = initLogger(logCfg)
		defer func() { _ = logger.Sync() }()
	}

	tcfg := config.DefaultTransportConfig()
	tcfg.AgentID = "agentlink-cli"
	tcfg.DefaultTimeout = o.timeout
	tr := transport.New(tcfg, transport.WithLogger(logger))

	ctx := context.Background()
	if err := tr.Initialize(ctx, []types.ProtocolConfig{{Protocol: conn.Protocol}}); err != nil {
		return err
	}
	defer func() { _ = tr.Shutdown(context.Background()) }()

	return sendOnce(ctx, tr, o.agentID, conn, msg, out)
}

func sendOnce(ctx context.Context, tr *transport.Transport, agentID string, conn types.ConnectionConfig, msg *types.Message, out io.Writer) error {
	c, err := tr.Connect(ctx, agentID, conn)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if msg.MessageType == types.MessageTypeNotification {
		if err := tr.SendNotification(ctx, c.ID, msg); err != nil {
			return err
		}
		return enc.Encode(map[string]string{"status": "sent", "connectionId": c.ID})
	}

	resp, err := tr.SendMessage(ctx, c.ID, msg)
	if err != nil {
		return err
	}
	return enc.Encode(resp)
}
