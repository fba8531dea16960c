package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/webscrape/internal/tools"
)

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2024-11-05"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message) }

func newRPCError(code int, format string, args ...any) *rpcError {
	return &rpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

// message serves one JSON-RPC request. Notifications (no id) get 202 and no body.
func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, s.logger, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		writeError(w, s.logger, http.StatusBadRequest, "read body failed")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeRPC(w, rpcResponse{ID: nil, Error: newRPCError(codeParseError, "parse error: %v", err)})
		return
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		s.writeRPC(w, rpcResponse{ID: req.ID, Error: newRPCError(codeInvalidRequest, "invalid request: jsonrpc must be %q and method must be set", jsonRPCVersion)})
		return
	}

	result, rpcErr := s.dispatch(r, req)
	if isNotification(req.ID) {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if rpcErr != nil {
		s.logger.Debug("rpc call failed", zap.String("method", req.Method), zap.Int("code", rpcErr.Code), zap.String("error", rpcErr.Message))
		s.writeRPC(w, rpcResponse{ID: req.ID, Error: rpcErr})
		return
	}
	s.writeRPC(w, rpcResponse{ID: req.ID, Result: result})
}

func (s *Server) dispatch(r *http.Request, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
			ServerInfo: serverInfo{Name: s.opts.Name, Version: s.opts.Version},
		}, nil
	case "notifications/initialized", "ping":
		return struct{}{}, nil
	case "tools/list":
		return map[string]any{"tools": s.registry.List()}, nil
	case "tools/call":
		var params toolsCallParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, newRPCError(codeInvalidParams, "invalid params: name is required")
		}
		result, err := s.registry.Call(r.Context(), params.Name, params.Arguments)
		if err != nil {
			if errors.Is(err, tools.ErrUnknownTool) {
				return nil, newRPCError(codeInvalidParams, "%v", err)
			}
			return nil, newRPCError(codeInternalError, "%v", err)
		}
		return result, nil
	case "resources/list":
		return map[string]any{"resources": s.registry.Resources()}, nil
	case "resources/read":
		var params resourcesReadParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		content, err := s.registry.ReadResource(params.URI)
		if err != nil {
			return nil, newRPCError(codeInvalidParams, "%v", err)
		}
		return map[string]any{"contents": []tools.ResourceContent{content}}, nil
	default:
		return nil, newRPCError(codeMethodNotFound, "method not found: %s", req.Method)
	}
}

func decodeParams(raw json.RawMessage, dst any) *rpcError {
	if len(bytes.TrimSpace(raw)) == 0 {
		return newRPCError(codeInvalidParams, "invalid params: params are required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return newRPCError(codeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func isNotification(id json.RawMessage) bool {
	return len(bytes.TrimSpace(id)) == 0
}

func (s *Server) writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = jsonRPCVersion
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	writeJSON(w, s.logger, http.StatusOK, resp)
}
