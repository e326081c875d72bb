package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/storycraft/storysync/pkg/codec"
	"github.com/storycraft/storysync/pkg/document"
	"github.com/storycraft/storysync/pkg/history"
	"github.com/storycraft/storysync/pkg/ident"
	"github.com/storycraft/storysync/pkg/logger"
	"github.com/storycraft/storysync/pkg/story"
)

// DefaultDialer is the gorilla dialer used by Client. It matches the
// default gorilla dialer with compression enabled and the cbor
// subprotocol announced.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

const (
	// DefaultJoinTimeout bounds how long one join attempt waits for a
	// response before retrying.
	DefaultJoinTimeout = 1 * time.Second
	// DefaultJoinAttempts is how many times a join is attempted before
	// the failure is terminal.
	DefaultJoinAttempts = 2

	requestTimeout = 5 * time.Second
)

var (
	// ErrTimeout reports a request that received no response in time.
	ErrTimeout = errors.New("relay: request timed out")
	// ErrClosed reports use of a closed client.
	ErrClosed = errors.New("relay: client closed")
	// ErrNoSession reports a document operation on a client that is not
	// hosting or joined to a session.
	ErrNoSession = errors.New("relay: not in a session")
)

// ClientOptions configures a relay client.
type ClientOptions struct {
	// BaseURL is the relay endpoint, e.g. "ws://127.0.0.1:4600".
	BaseURL string

	// Identity is the durable identity to present. It takes precedence
	// over IdentityFile. Empty with no IdentityFile lets the server mint
	// one.
	Identity ident.Identity

	// IdentityFile, when set and Identity is empty, persists the
	// identity across runs so a reconnecting client keeps its address.
	IdentityFile string

	// Logger receives client warnings; nil discards them.
	Logger logger.Logger

	// Codec overrides the wire codec; the default is CBOR.
	Codec codec.Codec

	// JoinTimeout and JoinAttempts shape the bounded join retry. Zero
	// values take the defaults.
	JoinTimeout  time.Duration
	JoinAttempts int

	// Reconnect enables automatic redial after a transport drop. The
	// identity is re-presented; session membership is not restored.
	Reconnect bool

	// Retryer paces reconnection attempts; nil takes DefaultBackoff.
	Retryer Retryer

	// OnSessions observes every session list push.
	OnSessions func([]SessionInfo)

	// OnPresence observes peer presence. A zero presence is a
	// departure.
	OnPresence func(from ident.Identity, p Presence)

	// OnForward observes payloads forwarded to this client as session
	// host.
	OnForward func(from ident.Identity, payload []byte)
}

// Client is a relay participant: it holds the local copy of the shared
// document, forwards locally originated transactions to the relay, and
// applies relayed ones.
type Client struct {
	opts    ClientOptions
	codec   codec.Codec
	log     logger.Logger
	retryer Retryer

	conn     *gorilla.Conn
	connLock sync.Mutex

	identity ident.Identity

	// docMu serializes all access to the controller and history, so the
	// read loop and the editing goroutine never interleave an apply.
	docMu     sync.Mutex
	ctrl      *document.Controller
	hist      *history.Manager
	sessionID string

	stateMu  sync.Mutex
	sessions []SessionInfo
	waiter   *waiter

	closeCh   chan struct{}
	closeOnce sync.Once
}

type waiter struct {
	want MsgType
	ch   chan Message
}

// NewClient creates a client; call Connect before anything else.
func NewClient(opts ClientOptions) *Client {
	c := opts.Codec
	if c == nil {
		c = codec.CBOR{}
	}
	retryer := opts.Retryer
	if retryer == nil {
		retryer = DefaultBackoff()
	}
	return &Client{
		opts:    opts,
		codec:   c,
		log:     opts.Logger,
		retryer: retryer,
		closeCh: make(chan struct{}),
	}
}

// Connect dials the relay and identifies. After Connect returns, the
// client's durable identity is bound and Identity reports it.
func (c *Client) Connect(ctx context.Context) error {
	identity := c.opts.Identity
	if identity == "" && c.opts.IdentityFile != "" {
		loaded, err := ident.LoadOrMintIdentity(c.opts.IdentityFile)
		if err != nil {
			c.warn("identity not persisted", "error", err.Error())
		}
		identity = loaded
	}

	conn, res, err := DefaultDialer.DialContext(ctx, c.url(), nil)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", c.url(), err)
	}
	defer res.Body.Close()

	c.connLock.Lock()
	c.conn = conn
	c.connLock.Unlock()

	go c.readLoop(conn)

	reply, err := c.request(Message{Type: MsgIdentify, Identity: identity}, MsgIdentified, requestTimeout)
	if err != nil {
		c.Close()
		return fmt.Errorf("relay: identify: %w", err)
	}
	c.stateMu.Lock()
	c.identity = reply.Identity
	c.stateMu.Unlock()
	return nil
}

// Identity returns the bound durable identity, empty before Connect.
func (c *Client) Identity() ident.Identity {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.identity
}

// Sessions returns the most recently pushed session list.
func (c *Client) Sessions() []SessionInfo {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return append([]SessionInfo(nil), c.sessions...)
}

// Host starts a new session from model; the client becomes host and sole
// participant and keeps model as its local copy.
func (c *Client) Host(name string, model *story.StoryModel) (string, error) {
	if model == nil {
		model = story.NewStoryModel(name)
	}
	data, err := model.Serialize()
	if err != nil {
		return "", err
	}
	reply, err := c.request(Message{Type: MsgStartSession, Name: name, Document: data}, MsgSessionStarted, requestTimeout)
	if err != nil {
		return "", fmt.Errorf("relay: start session: %w", err)
	}
	c.installDocument(model, reply.SessionID)
	return reply.SessionID, nil
}

// Join joins an existing session and installs the received document as
// the local copy. A join attempt that receives no response within the
// join timeout is retried up to the configured attempt count; exhausting
// the attempts is a terminal failure that is logged and returned. An
// explicit error from the server (such as an unknown session id) is
// terminal immediately.
func (c *Client) Join(sessionID string) error {
	timeout := c.opts.JoinTimeout
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	attempts := c.opts.JoinAttempts
	if attempts <= 0 {
		attempts = DefaultJoinAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		reply, err := c.request(Message{Type: MsgJoinSession, SessionID: sessionID}, MsgSessionJoined, timeout)
		if err == nil {
			model, err := story.FromSerialized(reply.Document, c.log)
			if err != nil {
				return fmt.Errorf("relay: join %s: %w", sessionID, err)
			}
			c.installDocument(model, reply.SessionID)
			return nil
		}
		if !errors.Is(err, ErrTimeout) {
			return fmt.Errorf("relay: join %s: %w", sessionID, err)
		}
		lastErr = err
	}
	c.warn("join abandoned after timeout", "session", sessionID, "attempts", attempts)
	return fmt.Errorf("relay: join %s: %w", sessionID, lastErr)
}

// installDocument swaps the local document and wires the forwarding
// listener. Only locally originated transactions are sent to the relay;
// transactions applied because they arrived from it carry remote origin
// and are suppressed here, so nothing echoes back.
func (c *Client) installDocument(model *story.StoryModel, sessionID string) {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	c.ctrl = document.New(model, c.log)
	c.hist = history.New(c.ctrl)
	c.sessionID = sessionID
	c.ctrl.AddListener(func(tx story.Transaction, origin document.Origin, _ *story.StoryModel) {
		if origin != document.OriginLocal {
			return
		}
		if err := c.send(Message{Type: MsgTransaction, Transaction: tx}); err != nil {
			c.warn("transaction not forwarded", "error", err.Error())
		}
	})
}

// Controller exposes the local document controller; nil outside a
// session. Mutation must go through Submit, Undo and Redo.
func (c *Client) Controller() *document.Controller {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	return c.ctrl
}

// SessionID returns the current session id, empty outside a session.
func (c *Client) SessionID() string {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	return c.sessionID
}

// Submit applies a locally originated transaction: it is recorded for
// undo, applied to the local document and forwarded to the relay.
func (c *Client) Submit(tx story.Transaction) error {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	if c.hist == nil {
		return ErrNoSession
	}
	c.hist.Do(tx)
	return nil
}

// Undo reverts the most recent local edit; the reverting transaction
// propagates to session peers like any other local edit.
func (c *Client) Undo() bool {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	if c.hist == nil {
		return false
	}
	return c.hist.Undo()
}

// Redo is symmetric to Undo.
func (c *Client) Redo() bool {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	if c.hist == nil {
		return false
	}
	return c.hist.Redo()
}

// SendPresence relays the client's pose to session peers. It is
// ephemeral: the relay never stores it.
func (c *Client) SendPresence(p Presence) error {
	return c.send(Message{Type: MsgPresence, Presence: &p})
}

// ForwardToHost relays an opaque payload to the session host.
func (c *Client) ForwardToHost(payload []byte) error {
	return c.send(Message{Type: MsgForwardToHost, Payload: payload})
}

// Close tears the connection down. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.connLock.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connLock.Unlock()
	})
}

func (c *Client) url() string {
	return strings.TrimSuffix(c.opts.BaseURL, "/") + "/sync"
}

func (c *Client) send(msg Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", msg.Type, err)
	}
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	return c.conn.WriteMessage(gorilla.BinaryMessage, data)
}

// request sends msg and waits for the reply of type want, or a relayed
// error, or the timeout. One request is in flight at a time.
func (c *Client) request(msg Message, want MsgType, timeout time.Duration) (Message, error) {
	ch := make(chan Message, 1)
	c.stateMu.Lock()
	if c.waiter != nil {
		c.stateMu.Unlock()
		return Message{}, fmt.Errorf("relay: request already in flight")
	}
	c.waiter = &waiter{want: want, ch: ch}
	c.stateMu.Unlock()
	defer func() {
		c.stateMu.Lock()
		c.waiter = nil
		c.stateMu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == MsgError {
			return Message{}, fmt.Errorf("relay: %s", reply.Error)
		}
		return reply, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-c.closeCh:
		return Message{}, ErrClosed
	}
}

func (c *Client) readLoop(conn *gorilla.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
				return
			default:
			}
			if !c.opts.Reconnect {
				c.warn("connection lost", "error", err.Error())
				c.Close()
				return
			}
			next, ok := c.reconnect(err)
			if !ok {
				c.Close()
				return
			}
			conn = next
			continue
		}
		c.dispatch(data)
	}
}

// reconnect redials with backoff and re-presents the durable identity.
// Session membership is not restored; the caller rejoins explicitly.
func (c *Client) reconnect(lastErr error) (*gorilla.Conn, bool) {
	for attempt := 0; ; attempt++ {
		delay, ok := c.retryer.NextDelay(attempt, lastErr)
		if !ok {
			c.warn("reconnect abandoned", "attempts", attempt)
			return nil, false
		}
		select {
		case <-time.After(delay):
		case <-c.closeCh:
			return nil, false
		}

		conn, res, err := DefaultDialer.Dial(c.url(), nil)
		if err != nil {
			lastErr = err
			continue
		}
		res.Body.Close()

		c.connLock.Lock()
		c.conn = conn
		c.connLock.Unlock()

		// Re-identify without waiting for the confirmation; the read
		// loop is not running yet, so the Identified reply is handled
		// by dispatch once it resumes.
		if err := c.send(Message{Type: MsgIdentify, Identity: c.Identity()}); err != nil {
			lastErr = err
			conn.Close()
			continue
		}
		c.retryer.Reset()
		c.warn("reconnected", "attempts", attempt+1)
		return conn, true
	}
}

func (c *Client) dispatch(data []byte) {
	var msg Message
	if err := c.codec.Unmarshal(data, &msg); err != nil {
		c.warn("malformed message dropped", "error", err.Error())
		return
	}

	switch msg.Type {
	case MsgTransaction:
		// Applied with remote origin: never recorded for undo, never
		// re-forwarded.
		c.docMu.Lock()
		if c.ctrl != nil {
			c.ctrl.Apply(msg.Transaction, document.OriginRemote)
		}
		c.docMu.Unlock()

	case MsgListSessions:
		c.stateMu.Lock()
		c.sessions = msg.Sessions
		c.stateMu.Unlock()
		if c.opts.OnSessions != nil {
			c.opts.OnSessions(msg.Sessions)
		}

	case MsgPresence:
		if c.opts.OnPresence != nil {
			var p Presence
			if msg.Presence != nil {
				p = *msg.Presence
			}
			c.opts.OnPresence(msg.From, p)
		}

	case MsgForwardToHost:
		if c.opts.OnForward != nil {
			c.opts.OnForward(msg.From, msg.Payload)
		}

	case MsgIdentified:
		c.stateMu.Lock()
		c.identity = msg.Identity
		c.stateMu.Unlock()
		c.deliver(msg)

	case MsgSessionStarted, MsgSessionJoined, MsgError:
		c.deliver(msg)

	default:
		c.warn("unsupported message dropped", "type", string(msg.Type))
	}
}

// deliver routes a reply to the in-flight request, if any. Errors reach
// whichever request is waiting; unsolicited replies are dropped.
func (c *Client) deliver(msg Message) {
	c.stateMu.Lock()
	w := c.waiter
	c.stateMu.Unlock()
	if w == nil {
		return
	}
	if msg.Type != w.want && msg.Type != MsgError {
		return
	}
	select {
	case w.ch <- msg:
	default:
	}
}

func (c *Client) warn(msg string, args ...any) {
	if c.log != nil {
		c.log.Warn(msg, args...)
	}
}
