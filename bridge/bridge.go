// Package bridge exposes the client over a line-delimited JSON protocol on
// stdin/stdout, for driving it from test harnesses and automation scripts.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relaychat/engine"
	"relaychat/storage"
)

const (
	// maxLineSize bounds a single request line.
	maxLineSize = 1 << 20

	defaultWaitTimeout = 30 * time.Second
)

// request is one inbound command line.
type request struct {
	Action         string `json:"action"`
	Invite         string `json:"invite,omitempty"`
	PeerKey        string `json:"peer_key,omitempty"`
	Text           string `json:"text,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// response is one outbound line: either the startup event or a command
// result. Errors are reported in-band through OK=false.
type response struct {
	Event     string       `json:"event,omitempty"`
	Action    string       `json:"action,omitempty"`
	OK        bool         `json:"ok"`
	Error     string       `json:"error,omitempty"`
	Pubkey    string       `json:"pubkey,omitempty"`
	Invite    string       `json:"invite,omitempty"`
	PeerKey   string       `json:"peer_key,omitempty"`
	MessageID string       `json:"message_id,omitempty"`
	RumorID   string       `json:"rumor_id,omitempty"`
	Status    string       `json:"status,omitempty"`
	Message   *messageBody `json:"message,omitempty"`
}

type messageBody struct {
	ChatID    string `json:"chat_id"`
	ChatType  string `json:"chat_type"`
	SenderKey string `json:"sender_key"`
	Content   string `json:"content"`
	RumorID   string `json:"rumor_id"`
	ReplyTo   string `json:"reply_to,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Server runs the automation protocol over a reader/writer pair.
type Server struct {
	engine *engine.Engine
	in     io.Reader
	log    zerolog.Logger

	mu  sync.Mutex
	out io.Writer
}

// New builds a bridge server around a started engine.
func New(eng *engine.Engine, in io.Reader, out io.Writer, log zerolog.Logger) *Server {
	return &Server{engine: eng, in: in, out: out, log: log}
}

// Run processes commands until shutdown, EOF or a broken output stream. A
// malformed or failing command answers in-band and never stops the loop.
func (s *Server) Run(ctx context.Context) error {
	if err := s.emit(response{Event: "ready", OK: true, Pubkey: s.engine.OwnerKey()}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			if emitErr := s.emit(response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)}); emitErr != nil {
				return emitErr
			}
			continue
		}

		if req.Action == "shutdown" {
			return s.emit(response{Action: req.Action, OK: true})
		}

		resp := s.handle(ctx, req)
		if err := s.emit(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req request) response {
	s.log.Debug().Str("action", req.Action).Msg("bridge command")

	switch req.Action {
	case "get_pubkey":
		return response{Action: req.Action, OK: true, Pubkey: s.engine.OwnerKey()}

	case "create_invite":
		invite, err := s.engine.CreateInvite(ctx)
		if err != nil {
			return s.fail(req, err)
		}
		return response{Action: req.Action, OK: true, Invite: invite}

	case "accept_invite":
		if req.Invite == "" {
			return s.fail(req, fmt.Errorf("invite is required"))
		}
		conv, err := s.engine.AcceptInvite(ctx, req.Invite)
		if err != nil {
			return s.fail(req, err)
		}
		return response{Action: req.Action, OK: true, PeerKey: conv.PeerKey}

	case "wait_for_session":
		if req.PeerKey == "" {
			return s.fail(req, fmt.Errorf("peer_key is required"))
		}
		waitCtx, cancel := s.waitContext(ctx, req)
		defer cancel()
		if err := s.engine.WaitForSession(waitCtx, req.PeerKey); err != nil {
			return s.fail(req, err)
		}
		return response{Action: req.Action, OK: true, PeerKey: req.PeerKey}

	case "send_message":
		if req.PeerKey == "" || req.Text == "" {
			return s.fail(req, fmt.Errorf("peer_key and text are required"))
		}
		msg, err := s.engine.SendMessage(ctx, req.PeerKey, req.Text, req.ReplyTo)
		if err != nil {
			// The message is recorded and queued; report its state in-band.
			return response{
				Action:    req.Action,
				OK:        false,
				Error:     err.Error(),
				MessageID: msg.MessageID,
				Status:    msg.Status,
			}
		}
		return response{
			Action:    req.Action,
			OK:        true,
			MessageID: msg.MessageID,
			RumorID:   msg.RumorID,
			Status:    msg.Status,
		}

	case "wait_for_message":
		waitCtx, cancel := s.waitContext(ctx, req)
		defer cancel()
		msg, err := s.engine.WaitForMessage(waitCtx)
		if err != nil {
			return s.fail(req, err)
		}
		return response{Action: req.Action, OK: true, Message: toBody(msg)}

	default:
		return s.fail(req, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) waitContext(ctx context.Context, req request) (context.Context, context.CancelFunc) {
	timeout := defaultWaitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Server) fail(req request, err error) response {
	s.log.Debug().Err(err).Str("action", req.Action).Msg("bridge command failed")
	return response{Action: req.Action, OK: false, Error: err.Error()}
}

func (s *Server) emit(resp response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func toBody(msg storage.Message) *messageBody {
	body := &messageBody{
		ChatID:    msg.ChatID,
		ChatType:  msg.ChatType,
		SenderKey: msg.SenderKey,
		Content:   msg.Content,
		RumorID:   msg.RumorID,
		CreatedAt: msg.CreatedAt,
	}
	if msg.ReplyToID != nil {
		body.ReplyTo = *msg.ReplyToID
	}
	return body
}
