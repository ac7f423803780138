package server

import (
	"context"
	"encoding/json"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// ListRoots asks the client for its roots. The client must have declared
// the roots capability.
func (s *Server) ListRoots(ctx context.Context) ([]protocol.Root, error) {
	if s.ClientCapabilities().Roots == nil {
		return nil, mcperrors.CapabilityRequired("roots")
	}
	var result protocol.ListRootsResult
	if err := s.call(ctx, protocol.MethodListRoots, nil, &result); err != nil {
		return nil, err
	}
	return result.Roots, nil
}

// CreateMessage asks the client to sample a completion from its model.
// The client must have declared the sampling capability.
func (s *Server) CreateMessage(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
	if s.ClientCapabilities().Sampling == nil {
		return nil, mcperrors.CapabilityRequired("sampling")
	}
	var result protocol.CreateMessageResult
	if err := s.call(ctx, protocol.MethodCreateMessage, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call issues a server-initiated request and waits for the matching
// response, the request timeout, ctx or Stop, whichever comes first.
func (s *Server) call(ctx context.Context, method string, params, result interface{}) (err error) {
	if !s.Initialized() {
		return mcperrors.ServerNotReady("client has not initialized")
	}
	id := protocol.NewIntID(s.nextID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return mcperrors.InvalidParams(method, err.Error())
	}

	start := time.Now()
	defer func() { s.metrics.RecordRequest(method, err, time.Since(start)) }()

	reply := make(chan *protocol.Response, 1)
	s.mu.Lock()
	if s.state.Load() != stateRunning {
		s.mu.Unlock()
		return mcperrors.ConnectionClosed(string(s.transport.Kind()))
	}
	s.pending[id] = reply
	s.mu.Unlock()

	if err := s.transport.Send(ctx, req); err != nil {
		s.forget(id)
		return err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return mcperrors.FromJSONRPCError(resp.Error)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return mcperrors.ProtocolError("malformed " + method + " result: " + err.Error())
		}
		return nil
	case <-timer.C:
		s.forget(id)
		s.cancelOutbound(id, "timeout")
		return mcperrors.ResponseTimeout(string(s.transport.Kind()), id.String(), s.timeout)
	case <-ctx.Done():
		s.forget(id)
		s.cancelOutbound(id, ctx.Err().Error())
		return mcperrors.ConvertStandardError(ctx.Err())
	case <-s.done:
		return mcperrors.ConnectionClosed(string(s.transport.Kind()))
	}
}

func (s *Server) forget(id protocol.RequestID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Server) cancelOutbound(id protocol.RequestID, reason string) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.notify(ctx, protocol.MethodNotifyCancelled, &protocol.CancelledParams{RequestID: id, Reason: reason}); err != nil {
		s.logger.Debug("cancel notification not sent", logging.String("id", id.String()), logging.ErrorField(err))
	}
}
