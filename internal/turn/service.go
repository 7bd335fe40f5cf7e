// Package turn handles one chat turn end to end: classify the utterance,
// answer directly or resolve candidates and run the decision loop, then
// persist the exchange and roll the session summary.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"smarthub/internal/catalog"
	"smarthub/internal/decision"
	"smarthub/internal/logging"
	"smarthub/internal/model"
	"smarthub/internal/resolver"
	"smarthub/internal/session"
)

// ErrInvalidRequest is returned for turns without a chat id or message.
var ErrInvalidRequest = errors.New("invalid turn request")

// Sessions is the subset of session.Store a turn needs.
type Sessions interface {
	LoadOrInit(ctx context.Context, chatID, tenantID string) (session.Session, error)
	AddMessage(ctx context.Context, chatID, role, content string) (session.Message, error)
	UpdateSummary(ctx context.Context, chatID, user, assistant string) error
}

// Resolver builds the initial candidate bundle.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (model.CandidateBundle, error)
}

// Runner runs the bounded decision loop.
type Runner interface {
	Run(ctx context.Context, bundle model.CandidateBundle, summary string) (decision.Outcome, error)
}

// Observer records turn latency.
type Observer interface {
	ObserveTurn(elapsed time.Duration, err error)
}

// Request is one inbound user turn.
type Request struct {
	ChatID    string
	TenantID  string
	Message   string
	Context   map[string]any
	RequestID string
}

// Response is what the caller shows the user, plus diagnostics.
type Response struct {
	Reply     string              `json:"reply"`
	Terminal  string              `json:"terminal"`
	Rounds    int                 `json:"rounds"`
	Executed  *decision.Execution `json:"executed,omitempty"`
	RequestID string              `json:"request_id"`
}

// Terminal state for turns the classifier answered.
const TerminalClassifierReply = "classifier_reply"

type Service struct {
	sessions   Sessions
	classifier model.Classifier
	resolver   Resolver
	loop       Runner

	Logger   zerolog.Logger
	Observer Observer
}

func New(sessions Sessions, classifier model.Classifier, res Resolver, loop Runner) *Service {
	return &Service{
		sessions:   sessions,
		classifier: classifier,
		resolver:   res,
		loop:       loop,
		Logger:     zerolog.Nop(),
	}
}

// Handle processes one turn. Transport failures from the classifier,
// resolver, decision engine or live system are returned as errors; model
// output that cannot be parsed becomes a fixed reply.
func (s *Service) Handle(ctx context.Context, req Request) (resp Response, err error) {
	started := time.Now()
	ctx, requestID := logging.WithRequestID(ctx, req.RequestID)
	logger := logging.ForRequest(ctx, s.Logger).With().Str("chat_id", req.ChatID).Logger()
	defer func() {
		if s.Observer != nil {
			s.Observer.ObserveTurn(time.Since(started), err)
		}
		if err != nil {
			logger.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("turn failed")
			return
		}
		logger.Info().
			Str("terminal", resp.Terminal).
			Int("rounds", resp.Rounds).
			Dur("elapsed", time.Since(started)).
			Msg("turn complete")
	}()

	req.ChatID = strings.TrimSpace(req.ChatID)
	if req.ChatID == "" || strings.TrimSpace(req.Message) == "" {
		return Response{}, fmt.Errorf("%w: chat_id and user_last_message are required", ErrInvalidRequest)
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	sess, err := s.sessions.LoadOrInit(ctx, req.ChatID, req.TenantID)
	if err != nil {
		return Response{}, fmt.Errorf("load session: %w", err)
	}
	if _, err := s.sessions.AddMessage(ctx, req.ChatID, session.RoleUser, req.Message); err != nil {
		return Response{}, fmt.Errorf("store user message: %w", err)
	}

	class, err := s.classifier.Classify(ctx, req.Message, req.Context, sess.Summary)
	switch {
	case errors.Is(err, model.ErrParseFailure):
		logger.Warn().Err(err).Msg("classifier output unparseable")
		return s.finish(ctx, req, Response{Reply: decision.ParseFailureText, Terminal: decision.TerminalParseFailure, RequestID: requestID})
	case err != nil:
		return Response{}, err
	case class.IsReply():
		return s.finish(ctx, req, Response{Reply: class.Reply, Terminal: TerminalClassifierReply, RequestID: requestID})
	}

	logger.Debug().
		Str("intent", class.Intent.Intent).
		Strs("targets", class.Intent.Targets).
		Float64("confidence", class.Intent.Confidence).
		Msg("intent classified")

	bundle, err := s.resolver.Resolve(ctx, resolver.Request{
		Intent:  *class.Intent,
		Context: req.Context,
		Scope:   ScopeFromContext(req.Context),
	})
	if err != nil {
		return Response{}, fmt.Errorf("resolve: %w", err)
	}

	out, err := s.loop.Run(ctx, bundle, sess.Summary)
	if err != nil {
		return Response{}, err
	}
	return s.finish(ctx, req, Response{
		Reply:     out.Reply,
		Terminal:  out.Terminal,
		Rounds:    out.Rounds,
		Executed:  out.Executed,
		RequestID: requestID,
	})
}

func (s *Service) finish(ctx context.Context, req Request, resp Response) (Response, error) {
	if _, err := s.sessions.AddMessage(ctx, req.ChatID, session.RoleAssistant, resp.Reply); err != nil {
		return Response{}, fmt.Errorf("store assistant message: %w", err)
	}
	if err := s.sessions.UpdateSummary(ctx, req.ChatID, req.Message, resp.Reply); err != nil {
		return Response{}, fmt.Errorf("update summary: %w", err)
	}
	return resp, nil
}

// ScopeFromContext reads the caller's room, if any, from the turn context.
func ScopeFromContext(c map[string]any) resolver.Scope {
	for _, key := range []string{"area", "room", "area_id"} {
		if v, ok := c[key].(string); ok && strings.TrimSpace(v) != "" {
			return resolver.Scope{Area: catalog.NormalizeArea(v)}
		}
	}
	return resolver.Scope{}
}
