package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ucplink/internal/domain"
	"ucplink/internal/engine"
	"ucplink/internal/ucp"
)

// JSON-RPC 2.0 error codes used by the MCP bridge.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcParams struct {
	ID          string             `json:"id"`
	PaymentData engine.PaymentData `json:"payment_data"`
	RiskSignals json.RawMessage    `json:"risk_signals"`
	AP2         json.RawMessage    `json:"ap2"`
	Meta        rpcMeta            `json:"_meta"`
	CreateSessionRequest
	ShippingRaw json.RawMessage `json:"-"`
}

type rpcMeta struct {
	UCP struct {
		Profile string `json:"profile"`
	} `json:"ucp"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// registerMCP mounts the JSON-RPC bridge. The method set is a closed
// enum over the three session operations; anything else is
// MethodNotFound, never a dynamic dispatch.
func registerMCP(r chi.Router, basePath string, e *engine.Engine) {
	r.Post(basePath+"/mcp", func(w http.ResponseWriter, req *http.Request) {
		var rpc rpcRequest
		if err := json.NewDecoder(req.Body).Decode(&rpc); err != nil {
			writeRPCError(w, http.StatusBadRequest, nil, rpcParseError, "Parse error")
			return
		}
		if rpc.JSONRPC != "2.0" || rpc.Method == "" {
			writeRPCError(w, http.StatusBadRequest, rpc.ID, rpcInvalidRequest, "Invalid Request")
			return
		}

		var params rpcParams
		if len(rpc.Params) > 0 {
			if err := json.Unmarshal(rpc.Params, &params); err != nil {
				writeRPCError(w, http.StatusBadRequest, rpc.ID, rpcInvalidParams, "Invalid params")
				return
			}
		}
		// Shipping presence matters for the merge patch.
		var rawFields map[string]json.RawMessage
		_ = json.Unmarshal(rpc.Params, &rawFields)
		params.ShippingRaw = rawFields["shipping_address"]

		profileURL := ucp.AgentProfileURL(req.Header.Get("UCP-Agent"))
		if params.Meta.UCP.Profile != "" {
			profileURL = params.Meta.UCP.Profile
		}

		switch rpc.Method {
		case "create_checkout_session", "create_checkout":
			s, err := e.CreateSession(req.Context(), profileURL, engine.CreateRequest{
				LineItems:       params.CreateSessionRequest.LineItems,
				ShippingAddress: params.CreateSessionRequest.ShippingAddress,
			})
			writeRPCOutcome(w, rpc.ID, http.StatusCreated, sessionResponse(s), err)

		case "update_checkout_session", "update_checkout":
			if params.ID == "" {
				writeRPCError(w, http.StatusBadRequest, rpc.ID, rpcInvalidParams, "Missing params.id (session id)")
				return
			}
			patch, perr := sessionPatch(UpdateSessionRequest{
				LineItems:       params.CreateSessionRequest.lineItemsPtr(),
				ShippingAddress: params.ShippingRaw,
			})
			if perr != nil {
				writeRPCError(w, http.StatusBadRequest, rpc.ID, rpcInvalidParams, perr.Error())
				return
			}
			s, err := e.UpdateSession(req.Context(), params.ID, patch)
			writeRPCOutcome(w, rpc.ID, http.StatusOK, sessionResponse(s), err)

		case "complete_checkout_session", "complete_checkout":
			if params.ID == "" {
				writeRPCError(w, http.StatusBadRequest, rpc.ID, rpcInvalidParams, "Missing params.id (session id)")
				return
			}
			res, err := e.CompleteSession(req.Context(), params.ID, engine.CompleteRequest{
				PaymentData: params.PaymentData,
				RiskSignals: params.RiskSignals,
				AP2:         params.AP2,
			})
			writeRPCOutcome(w, rpc.ID, http.StatusOK, completeResponse(res), err)

		default:
			writeRPCError(w, http.StatusNotFound, rpc.ID, rpcMethodNotFound, "Method not found")
		}
	})
}

// writeRPCOutcome wraps either the REST-shaped result or the UCP error
// envelope in a JSON-RPC response, preserving the HTTP status the REST
// surface would have used.
func writeRPCOutcome(w http.ResponseWriter, id json.RawMessage, okStatus int, result any, err error) {
	if err == nil {
		writeRPC(w, okStatus, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
		return
	}
	statusErr := handleError(err)
	status := http.StatusInternalServerError
	if s, ok := statusErr.(interface{ GetStatus() int }); ok {
		status = s.GetStatus()
	}
	writeRPC(w, status, rpcResponse{JSONRPC: "2.0", ID: id, Result: statusErr})
}

func writeRPCError(w http.ResponseWriter, httpStatus int, id json.RawMessage, code int, message string) {
	writeRPC(w, httpStatus, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func writeRPC(w http.ResponseWriter, status int, res rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// lineItemsPtr returns the line items as a patch pointer, nil when the
// field was absent.
func (c CreateSessionRequest) lineItemsPtr() *[]domain.LineItem {
	if c.LineItems == nil {
		return nil
	}
	items := c.LineItems
	return &items
}
