package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/streamsink/decode"
	"github.com/c360/streamsink/errors"
	"github.com/c360/streamsink/ingest"
	"github.com/c360/streamsink/pkg/worker"
)

// MessageTypeRegisterAck is the acknowledgement published after a
// successful registration, correlated to the request by message id.
const MessageTypeRegisterAck = "agent.register.ack"

// Publisher publishes control responses. Satisfied by natsclient.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Handler processes one control message of a given type.
type Handler func(ctx context.Context, env *decode.Envelope) error

// AckPayload is the payload of registration acknowledgements.
type AckPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

type response struct {
	subject string
	data    []byte
}

// Service consumes the control request stream and dispatches messages
// to type handlers. Registrations update the presence table and emit an
// acknowledgement through a bounded publisher pool so a slow response
// topic never stalls the consume loop.
type Service struct {
	registry        *Registry
	source          ingest.Source
	publisher       Publisher
	responseSubject string
	serverID        string

	handlers  map[string]Handler
	responder *worker.Pool[response]
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithServerID sets the source agent id stamped on acknowledgements
func WithServerID(id string) ServiceOption {
	return func(s *Service) { s.serverID = id }
}

// WithHandler registers a handler for an additional message type
func WithHandler(messageType string, h Handler) ServiceOption {
	return func(s *Service) { s.handlers[messageType] = h }
}

// NewService creates the control-message service. The source must be
// positioned at the earliest retained message so registrations sent
// before this instance started are replayed into the presence table.
func NewService(
	reg *Registry,
	source ingest.Source,
	publisher Publisher,
	responseSubject string,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		registry:        reg,
		source:          source,
		publisher:       publisher,
		responseSubject: responseSubject,
		serverID:        "streamsink-registry",
		handlers:        make(map[string]Handler),
		logger:          slog.Default(),
	}
	s.handlers[decode.MessageTypeRegister] = s.handleRegister
	for _, opt := range opts {
		opt(s)
	}

	s.responder = worker.NewPool(2, 64, s.publishResponse)

	return s
}

// Start launches the consume loop. It returns immediately; message
// handling runs until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Service", "Start", "check state")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	if err := s.responder.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Service", "Start", "start responder pool")
	}

	go s.run(runCtx)

	s.started = true
	s.logger.Info("registry service started", "response_subject", s.responseSubject)
	return nil
}

// Stop halts the consume loop and drains the responder pool.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("consume loop still running after %v", timeout),
			"Service", "Stop", "wait for consume loop")
	}

	return s.responder.Stop(timeout)
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	for {
		record, err := s.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, ingest.ErrSourceDrained) {
				_ = s.source.Close()
				return
			}
			s.logger.Error("control stream read failed", "error", err)
			continue
		}

		s.dispatch(ctx, record.Payload)
	}
}

// dispatch routes one raw control message. Malformed messages and
// unknown types are logged and dropped; the stream keeps flowing.
func (s *Service) dispatch(ctx context.Context, payload []byte) {
	env, err := decode.DecodeEnvelope(payload)
	if err != nil {
		s.logger.Error("dropping malformed control message", "error", err)
		return
	}

	handler, ok := s.handlers[env.Header.MessageType]
	if !ok {
		s.logger.Warn("unhandled message type",
			"message_type", env.Header.MessageType,
			"source_agent_id", env.Header.SourceAgentID,
		)
		return
	}

	if err := handler(ctx, env); err != nil {
		s.logger.Error("control message handling failed",
			"message_type", env.Header.MessageType,
			"message_id", env.Header.MessageID,
			"error", err,
		)
	}
}

func (s *Service) handleRegister(ctx context.Context, env *decode.Envelope) error {
	payload, err := env.RegisterPayload()
	if err != nil {
		return err
	}

	if err := s.registry.Register(ctx, payload); err != nil {
		return err
	}

	s.logger.Info("registered agent",
		"agent_id", payload.AgentID,
		"agent_type", payload.AgentType,
		"capabilities", len(payload.Capabilities),
	)

	return s.enqueueAck(ctx, env, payload.AgentID)
}

func (s *Service) enqueueAck(ctx context.Context, request *decode.Envelope, agentID string) error {
	ack, err := decode.NewEnvelope(MessageTypeRegisterAck, s.serverID, AckPayload{
		AgentID: agentID,
		Status:  "registered",
	})
	if err != nil {
		return err
	}
	ack.Header.DestinationAgentID = &request.Header.SourceAgentID
	ack.Header.CorrelationID = &request.Header.MessageID

	data, err := ack.Encode()
	if err != nil {
		return err
	}

	if err := s.responder.Submit(ctx, response{subject: s.responseSubject, data: data}); err != nil {
		// Drop policy: an overloaded response path sheds acks rather
		// than stalling registration.
		s.logger.Warn("acknowledgement dropped", "agent_id", agentID, "error", err)
	}
	return nil
}

func (s *Service) publishResponse(ctx context.Context, r response) error {
	if err := s.publisher.Publish(ctx, r.subject, r.data); err != nil {
		s.logger.Error("response publish failed", "subject", r.subject, "error", err)
		return err
	}
	return nil
}
