package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/transport"
	"github.com/BaSui01/agentlink/types"
)

// =============================================================================
// 🛠️ 管理端 API
// =============================================================================

// maxAdminBody 限制管理端请求体大小
const maxAdminBody = 1 << 20

// adminSkipAuthPaths 不需要 JWT 的路径
var adminSkipAuthPaths = []string{"/health", "/version", "/metrics"}

type adminHandler struct {
	transport *transport.Transport
	logger    *zap.Logger
}

type connectRequest struct {
	AgentID    string                 `json:"agentId"`
	Connection types.ConnectionConfig `json:"connection"`
}

type broadcastRequest struct {
	Message   types.Message `json:"message"`
	TimeoutMs int64         `json:"timeoutMs,omitempty"`
}

type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newAdminMux 注册管理端路由
func newAdminMux(tr *transport.Transport, gatherer prometheus.Gatherer, logger *zap.Logger) *http.ServeMux {
	h := &adminHandler{transport: tr, logger: logger}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /version", h.handleVersion)

	mux.HandleFunc("GET /connections", h.handleListConnections)
	mux.HandleFunc("POST /connections", h.handleConnect)
	mux.HandleFunc("GET /connections/{id}", h.handleGetConnection)
	mux.HandleFunc("DELETE /connections/{id}", h.handleDisconnect)
	mux.HandleFunc("POST /connections/{id}/messages", h.handleSend)
	mux.HandleFunc("POST /broadcast", h.handleBroadcast)

	mux.HandleFunc("GET /metrics/transport", h.handleTransportMetrics)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *adminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.transport.State()
	status := http.StatusOK
	if state != transport.StateInitialized {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, apiResponse{
		Success: status == http.StatusOK,
		Data: map[string]any{
			"state":     state.String(),
			"protocols": h.transport.SupportedProtocols(),
		},
	})
}

func (h *adminHandler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	}})
}

func (h *adminHandler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.transport.GetActiveConnections()
	if err != nil {
		h.writeError(w, err)
		return
	}
	for i := range conns {
		conns[i].Config = conns[i].Config.Redacted()
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: conns})
}

func (h *adminHandler) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.transport.GetConnection(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	conn.Config = conn.Config.Redacted()
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: conn})
}

func (h *adminHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conn, err := h.transport.Connect(r.Context(), req.AgentID, req.Connection)
	if err != nil {
		h.writeError(w, err)
		return
	}
	conn.Config = conn.Config.Redacted()
	writeJSON(w, http.StatusCreated, apiResponse{Success: true, Data: conn})
}

func (h *adminHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.transport.Disconnect(r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSend 发送请求并返回响应；messageType 为 notification 时返回 202
func (h *adminHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var msg types.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	id := r.PathValue("id")

	if msg.MessageType == types.MessageTypeNotification {
		if err := h.transport.SendNotification(r.Context(), id, &msg); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, apiResponse{Success: true})
		return
	}

	resp, err := h.transport.SendMessage(r.Context(), id, &msg)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: resp})
}

func (h *adminHandler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	responses, err := h.transport.BroadcastMessage(r.Context(), &req.Message, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: responses})
}

func (h *adminHandler) handleTransportMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.transport.GetTransportMetrics()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: m})
}

// =============================================================================
// 🔧 编解码
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(types.CodeInvalidMessage), "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 将传输层错误映射为 HTTP 状态码
func (h *adminHandler) writeError(w http.ResponseWriter, err error) {
	var te *types.Error
	if !errors.As(err, &te) {
		h.logger.Error("unexpected admin error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, apiResponse{Error: &apiError{Code: "INTERNAL", Message: err.Error()}})
		return
	}
	writeJSON(w, statusFor(te), apiResponse{Error: &apiError{
		Type:    string(te.Type),
		Code:    string(te.Code),
		Message: te.Message,
	}})
}

func statusFor(e *types.Error) int {
	switch e.Code {
	case types.CodeNotActive:
		return http.StatusNotFound
	case types.CodeNotInitialized, types.CodeNoActiveConnections:
		return http.StatusServiceUnavailable
	case types.CodeDuplicateMessageID:
		return http.StatusConflict
	case types.CodeUnsupportedProtocol, types.CodeInvalidConfig, types.CodeInvalidMessage:
		return http.StatusBadRequest
	}
	switch e.Type {
	case types.ErrorTypeAuth:
		return http.StatusUnauthorized
	case types.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case types.ErrorTypeCapacity:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
