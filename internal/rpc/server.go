// Package rpc provides the node's JSON-RPC 2.0 surface: chain status,
// serialnum and commit-root lookups, tx-output scans, the exchange
// request/match queries the wallet builds on, and submission of relayed
// exchange requests.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/veilcash/veild/internal/ledger"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/pkg/helpers"
	"github.com/veilcash/veild/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	chain *ledger.Chain
	store *storage.Storage
	log   *logging.Logger
	wsHub *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server.
func NewServer(chain *ledger.Chain, store *storage.Storage) *Server {
	s := &Server{
		chain:    chain,
		store:    store,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

func (s *Server) registerHandlers() {
	// Chain methods
	s.handlers["chain_status"] = s.chainStatus
	s.handlers["chain_getBlock"] = s.chainGetBlock
	s.handlers["chain_getSerialnum"] = s.chainGetSerialnum
	s.handlers["chain_getCommitRoot"] = s.chainGetCommitRoot
	s.handlers["chain_getTxOutputs"] = s.chainGetTxOutputs
	s.handlers["chain_getDonationTotal"] = s.chainGetDonationTotal

	// Exchange methods
	s.handlers["exchange_getRequests"] = s.exchangeGetRequests
	s.handlers["exchange_getMatch"] = s.exchangeGetMatch
	s.handlers["exchange_getMatchesByRequest"] = s.exchangeGetMatchesByRequest
	s.handlers["exchange_getMiningParams"] = s.exchangeGetMiningParams
	s.handlers["exchange_validateForeignAddress"] = s.exchangeValidateForeignAddress
	s.handlers["exchange_validatePayment"] = s.exchangeValidatePayment
	s.handlers["exchange_submitRequest"] = s.exchangeSubmitRequest
}

// Start begins serving on the given address.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listening on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/ws", s.wsHub.handleWS)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.wsHub.run()

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server failed", "error", err)
		}
	}()

	s.log.Info("rpc server listening", "addr", listener.Addr())

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.wsHub.stop()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// NotifyBlock publishes a new-indelible-block event to subscribers.
func (s *Server) NotifyBlock(status ledger.Status) {
	s.wsHub.Broadcast(EventBlockIndelible, map[string]interface{}{
		"level":     status.LastIndelibleLevel,
		"timestamp": status.LastIndelibleTimestamp,
		"oid":       helpers.BytesToHex(status.LastIndelibleOid),
	})
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: ParseError, Message: "parse error"},
		})
		return
	}

	s.writeResponse(w, s.dispatch(r.Context(), &req))
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		resp.Error = &Error{Code: MethodNotFound, Message: "method not found: " + req.Method}
		return resp
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		resp.Error = &Error{Code: InternalError, Message: err.Error()}
		return resp
	}

	resp.Result = result
	return resp
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to write rpc response", "error", err)
	}
}
