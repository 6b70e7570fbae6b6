package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const queueGroup = "scribe-control"

type handlerFunc func(ctx context.Context, cmd protocol.Command) (any, error)

// Service answers request/reply commands on scribe.cmd.* subjects.
type Service struct {
	bus    *bus.Client
	cmds   *Commands
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	mu     sync.Mutex
	ready  atomic.Bool
}

func NewService(parent context.Context, busClient *bus.Client, cmds *Commands) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		cmds:   cmds,
		log:    busClient.Logger().With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.SubjectCmdBegin: func(context.Context, protocol.Command) (any, error) {
			return s.cmds.Begin()
		},
		protocol.SubjectCmdEnd: func(context.Context, protocol.Command) (any, error) {
			return s.cmds.End()
		},
		protocol.SubjectCmdCancel: func(ctx context.Context, _ protocol.Command) (any, error) {
			return s.cmds.Cancel(ctx)
		},
		protocol.SubjectCmdDiscard: func(context.Context, protocol.Command) (any, error) {
			return s.cmds.Discard()
		},
		protocol.SubjectCmdState: func(context.Context, protocol.Command) (any, error) {
			return s.cmds.State(), nil
		},
		protocol.SubjectCmdModels: func(context.Context, protocol.Command) (any, error) {
			return s.cmds.Models(), nil
		},
		protocol.SubjectCmdLoad: func(ctx context.Context, cmd protocol.Command) (any, error) {
			if cmd.ModelID == "" {
				return nil, failure.Wrapf(failure.ErrUnknownModel, "model_id is required")
			}
			return s.cmds.LoadModel(ctx, cmd.ModelID)
		},
		protocol.SubjectCmdRelease: func(context.Context, protocol.Command) (any, error) {
			return s.cmds.ReleaseModel()
		},
		protocol.SubjectCmdTranscribe: func(_ context.Context, cmd protocol.Command) (any, error) {
			return s.cmds.TranscribeFile(cmd.Path)
		},
	}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, h := range s.handlers() {
		sub, err := s.bus.Conn().QueueSubscribe(subject, queueGroup, s.wrap(subject, h))
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.unsubscribeLocked()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready.Store(true)
	s.log.Info("control service listening", slog.Int("subjects", len(s.subs)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
	s.ready.Store(false)
}

func (s *Service) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

func (s *Service) wrap(subject string, h handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var cmd protocol.Command
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				s.log.Warn("failed to decode command", slog.String("subject", subject), slogError(err))
				s.respond(msg, protocol.CommandReply{ErrorKind: string(failure.KindInternal), Error: "invalid command payload"})
				return
			}
		}
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()

		data, err := h(ctx, cmd)
		reply := protocol.CommandReply{OK: err == nil, Data: data}
		if err != nil {
			reply.ErrorKind = string(failure.KindOf(err))
			reply.Error = err.Error()
			s.log.Info("command rejected",
				slog.String("subject", subject),
				slog.String("kind", reply.ErrorKind),
				slogError(err),
			)
		}
		s.respond(msg, reply)
	}
}

func (s *Service) respond(msg *nats.Msg, reply protocol.CommandReply) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
