package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lxzan/gws"
	"github.com/oklog/ulid/v2"

	"github.com/storycraft/storysync/pkg/codec"
	"github.com/storycraft/storysync/pkg/document"
	"github.com/storycraft/storysync/pkg/ident"
	"github.com/storycraft/storysync/pkg/logger"
	"github.com/storycraft/storysync/pkg/storage"
	"github.com/storycraft/storysync/pkg/story"
)

// session is one shared document with its participants. The canonical
// document controller is owned exclusively by the service; participants
// never hold a writable reference to it.
type session struct {
	id           string
	name         string
	host         ident.Identity
	participants []ident.Identity
	doc          *document.Controller
}

func (s *session) contains(identity ident.Identity) bool {
	for _, p := range s.participants {
		if p == identity {
			return true
		}
	}
	return false
}

func (s *session) remove(identity ident.Identity) {
	for i, p := range s.participants {
		if p == identity {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			return
		}
	}
}

// ServiceOptions configures a relay service.
type ServiceOptions struct {
	// Addr is the listen address. Use "127.0.0.1:0" for a random port.
	Addr string
	// Logger receives service warnings; nil discards them.
	Logger logger.Logger
	// Store, when set, receives a session's canonical document when the
	// session is discarded after its last participant leaves.
	Store storage.Store
	// Codec overrides the wire codec; the default is CBOR.
	Codec codec.Codec
}

type eventKind uint8

const (
	evOpen eventKind = iota
	evClose
	evMessage
)

type event struct {
	kind eventKind
	conn *gws.Conn
	data []byte
}

// Service is the session relay server. All registry and canonical
// document mutation happens on a single goroutine fed by a mailbox
// channel, so transaction handling for a session never interleaves and
// the document controllers need no locking.
type Service struct {
	addr     string
	listener net.Listener
	server   *gws.Server
	log      logger.Logger
	store    storage.Store
	codec    codec.Codec

	mailbox chan event
	done    chan struct{}

	// Owned by the run goroutine.
	conns      map[*gws.Conn]ident.Identity
	byIdentity map[ident.Identity]*gws.Conn
	sessions   map[string]*session
}

// NewService creates a relay service. Call Start to begin serving.
func NewService(opts ServiceOptions) *Service {
	c := opts.Codec
	if c == nil {
		c = codec.CBOR{}
	}
	s := &Service{
		addr:       opts.Addr,
		log:        opts.Logger,
		store:      opts.Store,
		codec:      c,
		mailbox:    make(chan event, 256),
		done:       make(chan struct{}),
		conns:      make(map[*gws.Conn]ident.Identity),
		byIdentity: make(map[ident.Identity]*gws.Conn),
		sessions:   make(map[string]*session),
	}
	handler := &wsHandler{service: s}
	s.server = gws.NewServer(handler, &gws.ServerOption{})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isClosedNetworkError(err) {
			s.warn("server error", "error", err.Error())
		}
	}
	return s
}

// Start binds the listener and launches the accept and processing
// goroutines.
func (s *Service) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.addr, err)
	}
	s.listener = listener

	go s.run()
	go func() {
		if err := s.server.RunListener(listener); err != nil {
			if !errors.Is(err, net.ErrClosed) && !isClosedNetworkError(err) {
				s.warn("server stopped", "error", err.Error())
			}
		}
	}()
	return nil
}

// Stop shuts the service down. In-flight messages may be dropped.
func (s *Service) Stop() error {
	close(s.done)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Address returns the bound listen address, useful with "127.0.0.1:0".
func (s *Service) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Service) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.mailbox:
			switch ev.kind {
			case evOpen:
				s.handleOpen(ev.conn)
			case evClose:
				s.handleClose(ev.conn)
			case evMessage:
				s.handleMessage(ev.conn, ev.data)
			}
		}
	}
}

func (s *Service) post(ev event) {
	select {
	case s.mailbox <- ev:
	case <-s.done:
	}
}

func (s *Service) handleOpen(conn *gws.Conn) {
	s.conns[conn] = ""
	// Every new connection learns the current session list immediately.
	s.send(conn, s.listMessage())
}

func (s *Service) handleClose(conn *gws.Conn) {
	identity := s.conns[conn]
	delete(s.conns, conn)
	if identity == "" {
		return
	}
	if s.byIdentity[identity] == conn {
		delete(s.byIdentity, identity)
	}

	s.leaveSessions(identity, nil)
}

// leaveSessions removes identity from every session except the given
// one, tells each session's remaining participants via an empty presence
// that the identity left, and discards sessions left without
// participants. Starting or joining a session implicitly leaves any
// previous one, so an identity is a participant of at most one session.
func (s *Service) leaveSessions(identity ident.Identity, except *session) {
	for _, sess := range s.sessions {
		if sess == except || !sess.contains(identity) {
			continue
		}
		sess.remove(identity)

		departure := Message{Type: MsgPresence, From: identity, Presence: &Presence{}}
		for _, p := range sess.participants {
			s.sendToIdentity(p, departure)
		}

		if len(sess.participants) == 0 {
			s.discardSession(sess)
			s.broadcast(s.listMessage())
		}
	}
}

func (s *Service) handleMessage(conn *gws.Conn, data []byte) {
	var msg Message
	if err := s.codec.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "malformed message")
		return
	}

	switch msg.Type {
	case MsgIdentify:
		s.handleIdentify(conn, msg)
	case MsgStartSession:
		s.handleStartSession(conn, msg)
	case MsgJoinSession:
		s.handleJoinSession(conn, msg)
	case MsgTransaction:
		s.handleTransaction(conn, msg)
	case MsgForwardToHost:
		s.handleForwardToHost(conn, msg)
	case MsgPresence:
		s.handlePresence(conn, msg)
	default:
		s.sendError(conn, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (s *Service) handleIdentify(conn *gws.Conn, msg Message) {
	identity := msg.Identity
	if identity == "" {
		identity = ident.NewIdentity()
	}
	// Rebinding an identity to a new connection supersedes any stale
	// binding left by a dropped transport.
	s.conns[conn] = identity
	s.byIdentity[identity] = conn
	s.send(conn, Message{Type: MsgIdentified, Identity: identity})
}

func (s *Service) handleStartSession(conn *gws.Conn, msg Message) {
	identity := s.conns[conn]
	if identity == "" {
		s.sendError(conn, "identify before starting a session")
		return
	}
	model, err := story.FromSerialized(msg.Document, s.log)
	if err != nil {
		s.sendError(conn, fmt.Sprintf("bad document snapshot: %v", err))
		return
	}
	name := msg.Name
	if name == "" {
		name = model.Name
	}
	sess := &session{
		id:           ulid.Make().String(),
		name:         name,
		host:         identity,
		participants: []ident.Identity{identity},
		doc:          document.New(model, s.log),
	}
	s.leaveSessions(identity, sess)
	s.sessions[sess.id] = sess
	s.send(conn, Message{Type: MsgSessionStarted, SessionID: sess.id})
	s.broadcast(s.listMessage())
}

func (s *Service) handleJoinSession(conn *gws.Conn, msg Message) {
	identity := s.conns[conn]
	if identity == "" {
		s.sendError(conn, "identify before joining a session")
		return
	}
	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		s.sendError(conn, fmt.Sprintf("session %q not found", msg.SessionID))
		return
	}
	s.leaveSessions(identity, sess)
	if !sess.contains(identity) {
		sess.participants = append(sess.participants, identity)
	}
	data, err := sess.doc.Model().Serialize()
	if err != nil {
		s.sendError(conn, fmt.Sprintf("session document unavailable: %v", err))
		return
	}
	s.send(conn, Message{Type: MsgSessionJoined, SessionID: sess.id, Name: sess.name, Document: data})
}

func (s *Service) handleTransaction(conn *gws.Conn, msg Message) {
	identity := s.conns[conn]
	sess := s.sessionOf(identity)
	if sess == nil {
		s.sendError(conn, "not a participant of any session")
		return
	}
	// The canonical copy mutates first, then the unmodified transaction
	// is relayed to every other participant. Never back to the sender.
	sess.doc.Apply(msg.Transaction, document.OriginRemote)
	relayed := Message{Type: MsgTransaction, Transaction: msg.Transaction, From: identity}
	for _, p := range sess.participants {
		if p == identity {
			continue
		}
		s.sendToIdentity(p, relayed)
	}
}

func (s *Service) handleForwardToHost(conn *gws.Conn, msg Message) {
	identity := s.conns[conn]
	sess := s.sessionOf(identity)
	if sess == nil {
		s.sendError(conn, "not a participant of any session")
		return
	}
	if sess.host == identity {
		return
	}
	s.sendToIdentity(sess.host, Message{Type: MsgForwardToHost, Payload: msg.Payload, From: identity})
}

func (s *Service) handlePresence(conn *gws.Conn, msg Message) {
	identity := s.conns[conn]
	sess := s.sessionOf(identity)
	if sess == nil {
		return
	}
	relayed := Message{Type: MsgPresence, Presence: msg.Presence, From: identity}
	for _, p := range sess.participants {
		if p == identity {
			continue
		}
		s.sendToIdentity(p, relayed)
	}
}

// sessionOf returns the session whose participant list contains identity,
// or nil.
func (s *Service) sessionOf(identity ident.Identity) *session {
	if identity == "" {
		return nil
	}
	for _, sess := range s.sessions {
		if sess.contains(identity) {
			return sess
		}
	}
	return nil
}

func (s *Service) discardSession(sess *session) {
	delete(s.sessions, sess.id)
	if s.store == nil {
		return
	}
	model := sess.doc.Model()
	data, err := model.Serialize()
	if err != nil {
		s.warn("discarded session not persisted", "session", sess.id, "error", err.Error())
		return
	}
	if err := s.store.Save(string(model.ID), sess.name, data); err != nil {
		s.warn("discarded session not persisted", "session", sess.id, "error", err.Error())
	}
}

func (s *Service) listMessage() Message {
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, SessionInfo{ID: sess.id, Name: sess.name})
	}
	return Message{Type: MsgListSessions, Sessions: infos}
}

func (s *Service) broadcast(msg Message) {
	for conn := range s.conns {
		s.send(conn, msg)
	}
}

func (s *Service) sendToIdentity(identity ident.Identity, msg Message) {
	conn, ok := s.byIdentity[identity]
	if !ok {
		return
	}
	s.send(conn, msg)
}

func (s *Service) send(conn *gws.Conn, msg Message) {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		s.warn("message not encodable", "type", string(msg.Type), "error", err.Error())
		return
	}
	if err := conn.WriteMessage(gws.OpcodeBinary, data); err != nil {
		s.warn("write failed", "type", string(msg.Type), "error", err.Error())
	}
}

func (s *Service) sendError(conn *gws.Conn, text string) {
	s.send(conn, Message{Type: MsgError, Error: text})
}

func (s *Service) warn(msg string, args ...any) {
	if s.log != nil {
		s.log.Warn(msg, args...)
	}
}

// wsHandler bridges gws connection callbacks into the service mailbox.
type wsHandler struct {
	service *Service
}

func (h *wsHandler) OnOpen(socket *gws.Conn) {
	h.service.post(event{kind: evOpen, conn: socket})
}

func (h *wsHandler) OnClose(socket *gws.Conn, _ error) {
	h.service.post(event{kind: evClose, conn: socket})
}

func (h *wsHandler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.service.warn("pong failed", "error", err.Error())
	}
}

func (h *wsHandler) OnPong(*gws.Conn, []byte) {}

func (h *wsHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	data := make([]byte, len(message.Bytes()))
	copy(data, message.Bytes())
	h.service.post(event{kind: evMessage, conn: socket, data: data})
}

func isClosedNetworkError(err error) bool {
	return err != nil && strings.HasSuffix(err.Error(), "use of closed network connection")
}
