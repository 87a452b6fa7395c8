package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/testhive/internal/log"
	"github.com/mattjoyce/testhive/internal/transport"
)

// Message types on the bus.
const (
	Prefix = "fs-store"

	ActionRequest   = Prefix + "_action_request"
	ActionResponse  = Prefix + "_action_response"
	ReleaseRequest  = Prefix + "_release_request"
	ReleaseResponse = Prefix + "_release_response"
	ReleaseWorker   = Prefix + "_release_worker"
)

type actionResponse struct {
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

type releaseRequest struct {
	Path string `json:"path"`
}

type releaseResponse struct {
	Released bool   `json:"released"`
	Error    string `json:"error,omitempty"`
}

// ReleaseWorkerPayload is the body of the worker-cleanup broadcast.
type ReleaseWorkerPayload struct {
	WorkerID string `json:"workerId"`
}

// Server answers arbiter requests arriving on a bus. Handlers run on the
// bus dispatch goroutine.
type Server struct {
	arb    *Arbiter
	bus    *transport.Bus
	logger *slog.Logger
	unsubs []func()
}

// Serve subscribes arb to the arbiter channels of bus.
func Serve(arb *Arbiter, bus *transport.Bus) *Server {
	s := &Server{arb: arb, bus: bus, logger: log.WithComponent("arbiter")}
	s.unsubs = []func(){
		bus.On(ActionRequest, s.handleAction),
		bus.On(ReleaseRequest, s.handleRelease),
		bus.On(ReleaseWorker, s.handleReleaseWorker),
	}
	return s
}

// Close stops answering requests.
func (s *Server) Close() {
	for _, off := range s.unsubs {
		off()
	}
	s.unsubs = nil
}

func (s *Server) handleAction(msg transport.Message) {
	ctx := context.Background()
	var meta FileRequestMeta
	resp := actionResponse{}
	if err := msg.Bind(&meta); err != nil {
		resp.Error = fmt.Sprintf("decode request: %v", err)
	} else {
		if meta.WorkerID == "" {
			meta.WorkerID = msg.Source
		}
		path, err := s.arb.RequestFileName(ctx, meta)
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Path = path
	}
	s.reply(ctx, msg, ActionResponse, resp)
}

func (s *Server) handleRelease(msg transport.Message) {
	ctx := context.Background()
	var req releaseRequest
	resp := releaseResponse{}
	if err := msg.Bind(&req); err != nil {
		resp.Error = fmt.Sprintf("decode request: %v", err)
	} else if err := s.arb.Release(ctx, req.Path); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Released = true
	}
	s.reply(ctx, msg, ReleaseResponse, resp)
}

func (s *Server) handleReleaseWorker(msg transport.Message) {
	var p ReleaseWorkerPayload
	if err := msg.Bind(&p); err != nil || p.WorkerID == "" {
		s.logger.Warn("ignoring malformed worker release", "source", msg.Source, "error", err)
		return
	}
	if _, err := s.arb.ForceCleanup(context.Background(), p.WorkerID); err != nil {
		s.logger.Error("worker cleanup hooks failed", "worker_id", p.WorkerID, "error", err)
	}
}

func (s *Server) reply(ctx context.Context, msg transport.Message, msgType string, payload any) {
	if msg.Source == "" {
		return
	}
	if err := s.bus.Reply(ctx, msg, msgType, payload); err != nil {
		s.logger.Warn("reply failed", "type", msgType, "target", msg.Source, "error", err)
	}
}

// Client requests paths from the arbiter in the controller.
type Client struct {
	bus      *transport.Bus
	target   string
	workerID string
}

// NewClient returns a client that asks the process target, normally
// transport.RootID. workerID is stamped on requests that do not carry one.
func NewClient(bus *transport.Bus, target, workerID string) *Client {
	return &Client{bus: bus, target: target, workerID: workerID}
}

// RequestFileName asks the arbiter for a path.
func (c *Client) RequestFileName(ctx context.Context, meta FileRequestMeta) (string, error) {
	if meta.WorkerID == "" {
		meta.WorkerID = c.workerID
	}
	msg, err := c.bus.Request(ctx, c.target, ActionRequest, ActionResponse, meta)
	if err != nil {
		return "", fmt.Errorf("request file name: %w", err)
	}
	var resp actionResponse
	if err := msg.Bind(&resp); err != nil {
		return "", fmt.Errorf("decode file name response: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Path, nil
}

// Release tells the arbiter path is no longer in use.
func (c *Client) Release(ctx context.Context, path string) error {
	msg, err := c.bus.Request(ctx, c.target, ReleaseRequest, ReleaseResponse, releaseRequest{Path: path})
	if err != nil {
		return fmt.Errorf("release %s: %w", path, err)
	}
	var resp releaseResponse
	if err := msg.Bind(&resp); err != nil {
		return fmt.Errorf("decode release response: %w", err)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}
