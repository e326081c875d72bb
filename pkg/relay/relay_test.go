package relay

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lxzan/gws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storycraft/storysync/pkg/codec"
	"github.com/storycraft/storysync/pkg/document"
	"github.com/storycraft/storysync/pkg/ident"
	"github.com/storycraft/storysync/pkg/storage"
	"github.com/storycraft/storysync/pkg/story"
)

func startService(t *testing.T, opts ServiceOptions) *Service {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	svc := NewService(opts)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func connectClient(t *testing.T, svc *Service, opts ClientOptions) *Client {
	t.Helper()
	opts.BaseURL = "ws://" + svc.Address()
	c := NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Close)
	return c
}

func TestIdentifyMintsAndReusesIdentity(t *testing.T) {
	svc := startService(t, ServiceOptions{})

	minted := connectClient(t, svc, ClientOptions{})
	require.NotEmpty(t, minted.Identity())
	_, err := ident.ParseIdentity(string(minted.Identity()))
	assert.NoError(t, err, "minted identities are ulids")

	fixed := ident.NewIdentity()
	reused := connectClient(t, svc, ClientOptions{Identity: fixed})
	assert.Equal(t, fixed, reused.Identity())
}

func TestHostAndJoinDeliversDocument(t *testing.T) {
	svc := startService(t, ServiceOptions{})
	host := connectClient(t, svc, ClientOptions{})
	guest := connectClient(t, svc, ClientOptions{})

	model := story.NewStoryModel("Harbor Tour")
	model.Insert(&story.Moment{ID: "Moment_1_0", Name: "Opening"})

	sessionID, err := host.Host("Harbor Tour", model)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, sessionID, host.SessionID())

	require.NoError(t, guest.Join(sessionID))
	assert.Equal(t, sessionID, guest.SessionID())

	joined := guest.Controller().Model()
	assert.Equal(t, "Harbor Tour", joined.Name)
	require.Len(t, joined.Moments, 1)
	assert.Equal(t, "Opening", joined.Moments[0].Name)
}

func TestTransactionRelayWithoutEcho(t *testing.T) {
	svc := startService(t, ServiceOptions{})
	host := connectClient(t, svc, ClientOptions{})
	guest := connectClient(t, svc, ClientOptions{})

	sessionID, err := host.Host("Session", story.NewStoryModel("Session"))
	require.NoError(t, err)

	var hostRemote atomic.Int64
	host.Controller().AddListener(func(_ story.Transaction, origin document.Origin, _ *story.StoryModel) {
		if origin == document.OriginRemote {
			hostRemote.Add(1)
		}
	})

	require.NoError(t, guest.Join(sessionID))

	// A host edit reaches the guest and never echoes back to the host.
	require.NoError(t, host.Submit(story.Transaction{
		story.Create("Moment_1_0", map[string]any{"name": "Opening"}),
	}))
	require.Eventually(t, func() bool {
		return guest.Controller().Find("Moment_1_0") != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), hostRemote.Load())

	// A guest edit reaches the host exactly once.
	require.NoError(t, guest.Submit(story.Transaction{
		story.Update("Moment_1_0", map[string]any{"name": "Renamed"}),
	}))
	require.Eventually(t, func() bool {
		return hostRemote.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	m := host.Controller().Model()
	require.Len(t, m.Moments, 1)
	assert.Equal(t, "Renamed", m.Moments[0].Name)
}

func TestLateJoinerReceivesCanonicalDocument(t *testing.T) {
	svc := startService(t, ServiceOptions{})
	host := connectClient(t, svc, ClientOptions{})

	sessionID, err := host.Host("Session", story.NewStoryModel("Session"))
	require.NoError(t, err)
	require.NoError(t, host.Submit(story.Transaction{
		story.Create("Moment_1_0", map[string]any{"name": "Opening"}),
		story.Create("Photosphere_1_0", map[string]any{"momentId": ident.ID("Moment_1_0")}),
	}))

	// The canonical copy on the relay mutates asynchronously; a late
	// joiner sees the edits once they have landed there.
	late := connectClient(t, svc, ClientOptions{})
	require.Eventually(t, func() bool {
		if err := late.Join(sessionID); err != nil {
			return false
		}
		return late.Controller().Find("Photosphere_1_0") != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Opening", late.Controller().Model().Moments[0].Name)
}

func TestJoinUnknownSessionIsTerminal(t *testing.T) {
	svc := startService(t, ServiceOptions{})
	c := connectClient(t, svc, ClientOptions{})

	start := time.Now()
	err := c.Join("01AN4Z07BY79KA1307SR9X4MV3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	// A server-side rejection is not retried against the join timeout.
	assert.Less(t, time.Since(start), DefaultJoinTimeout)
}

func TestSessionListPushes(t *testing.T) {
	svc := startService(t, ServiceOptions{})

	lists := make(chan []SessionInfo, 8)
	observer := connectClient(t, svc, ClientOptions{
		OnSessions: func(s []SessionInfo) { lists <- s },
	})

	// Connecting alone delivers the (empty) list.
	select {
	case got := <-lists:
		assert.Empty(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no session list on connect")
	}

	host := connectClient(t, svc, ClientOptions{})
	_, err := host.Host("Harbor Tour", story.NewStoryModel("Harbor Tour"))
	require.NoError(t, err)

	select {
	case got := <-lists:
		require.Len(t, got, 1)
		assert.Equal(t, "Harbor Tour", got[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no session list after session start")
	}
	require.Eventually(t, func() bool {
		return len(observer.Sessions()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestForwardToHost(t *testing.T) {
	svc := startService(t, ServiceOptions{})

	type forward struct {
		from    ident.Identity
		payload []byte
	}
	forwards := make(chan forward, 8)
	host := connectClient(t, svc, ClientOptions{
		OnForward: func(from ident.Identity, payload []byte) {
			forwards <- forward{from: from, payload: payload}
		},
	})
	guest := connectClient(t, svc, ClientOptions{})

	sessionID, err := host.Host("Session", story.NewStoryModel("Session"))
	require.NoError(t, err)
	require.NoError(t, guest.Join(sessionID))

	// A host-originated forward is dropped by the relay, never looped
	// back; the guest's forward arrives attributed to the guest.
	require.NoError(t, host.ForwardToHost([]byte("self")))
	require.NoError(t, guest.ForwardToHost([]byte("upload ready")))

	select {
	case got := <-forwards:
		assert.Equal(t, guest.Identity(), got.from)
		assert.Equal(t, []byte("upload ready"), got.payload)
	case <-time.After(5 * time.Second):
		t.Fatal("forward never reached the host")
	}
	select {
	case got := <-forwards:
		t.Fatalf("unexpected extra forward from %s", got.from)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPresenceRelayAndDeparture(t *testing.T) {
	svc := startService(t, ServiceOptions{})

	type seen struct {
		from ident.Identity
		p    Presence
	}
	presences := make(chan seen, 8)
	host := connectClient(t, svc, ClientOptions{
		OnPresence: func(from ident.Identity, p Presence) {
			presences <- seen{from: from, p: p}
		},
	})
	guest := connectClient(t, svc, ClientOptions{})

	sessionID, err := host.Host("Session", story.NewStoryModel("Session"))
	require.NoError(t, err)
	require.NoError(t, guest.Join(sessionID))

	pose := Presence{
		Position:    story.Vec3{X: 1, Y: 1.6, Z: -2},
		Orientation: story.Vec4{W: 1},
		HeldID:      "Asset_1_0",
	}
	require.NoError(t, guest.SendPresence(pose))

	select {
	case got := <-presences:
		assert.Equal(t, guest.Identity(), got.from)
		assert.Equal(t, pose, got.p)
		assert.False(t, got.p.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("presence never relayed")
	}

	// Disconnecting synthesizes a zero presence for the peers.
	guestIdentity := guest.Identity()
	guest.Close()
	select {
	case got := <-presences:
		assert.Equal(t, guestIdentity, got.from)
		assert.True(t, got.p.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("departure never relayed")
	}
}

func TestDiscardedSessionIsPersisted(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	svc := startService(t, ServiceOptions{Store: store})

	observer := connectClient(t, svc, ClientOptions{})
	host := connectClient(t, svc, ClientOptions{})

	model := story.NewStoryModel("Harbor Tour")
	docID := string(model.ID)
	_, err = host.Host("Harbor Tour", model)
	require.NoError(t, err)
	require.NoError(t, host.Submit(story.Transaction{
		story.Create("Moment_1_0", map[string]any{"name": "Opening"}),
	}))
	require.Eventually(t, func() bool {
		return len(observer.Sessions()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Last participant leaving discards the session, saves the canonical
	// document and rebroadcasts the shrunken list.
	host.Close()
	require.Eventually(t, func() bool {
		return len(observer.Sessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	data, err := store.Load(docID)
	require.NoError(t, err)
	saved, err := story.FromSerialized(data, nil)
	require.NoError(t, err)
	require.Len(t, saved.Moments, 1)
	assert.Equal(t, "Opening", saved.Moments[0].Name)

	entries, err := store.ListIDs()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Harbor Tour", entries[0].Name)
}

func TestSubmitOutsideSession(t *testing.T) {
	svc := startService(t, ServiceOptions{})
	c := connectClient(t, svc, ClientOptions{})

	err := c.Submit(story.Transaction{story.Create("Moment_1_0", nil)})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.False(t, c.Undo())
	assert.False(t, c.Redo())
	assert.Nil(t, c.Controller())
}

// swallowingServer answers Identify and counts JoinSession messages
// without ever answering them, so every join attempt runs into the join
// timeout.
type swallowingServer struct {
	codec    codec.Codec
	listener net.Listener

	mu    sync.Mutex
	joins int
}

func startSwallowingServer(t *testing.T) *swallowingServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &swallowingServer{codec: codec.CBOR{}, listener: listener}
	server := gws.NewServer(s, &gws.ServerOption{})
	go func() { _ = server.RunListener(listener) }()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *swallowingServer) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

func (s *swallowingServer) OnOpen(*gws.Conn)         {}
func (s *swallowingServer) OnClose(*gws.Conn, error) {}
func (s *swallowingServer) OnPong(*gws.Conn, []byte) {}

func (s *swallowingServer) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (s *swallowingServer) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	var msg Message
	if err := s.codec.Unmarshal(message.Bytes(), &msg); err != nil {
		return
	}
	switch msg.Type {
	case MsgIdentify:
		identity := msg.Identity
		if identity == "" {
			identity = ident.NewIdentity()
		}
		data, _ := s.codec.Marshal(Message{Type: MsgIdentified, Identity: identity})
		_ = socket.WriteMessage(gws.OpcodeBinary, data)
	case MsgJoinSession:
		s.mu.Lock()
		s.joins++
		s.mu.Unlock()
	}
}

func TestJoinRetriesOnceThenGivesUp(t *testing.T) {
	srv := startSwallowingServer(t)

	c := NewClient(ClientOptions{
		BaseURL:     "ws://" + srv.listener.Addr().String(),
		JoinTimeout: 150 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Close)

	start := time.Now()
	err := c.Join("01AN4Z07BY79KA1307SR9X4MV3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond,
		"both attempts run into the timeout")
	assert.Equal(t, 2, srv.joinCount())
	assert.Empty(t, c.SessionID())
}

// tcpProxy pipes client connections through to a backend and can cut
// them all at once, simulating a transport drop without touching the
// backend.
type tcpProxy struct {
	listener net.Listener
	target   string

	mu    sync.Mutex
	conns []net.Conn
}

func startProxy(t *testing.T, target string) *tcpProxy {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &tcpProxy{listener: listener, target: target}
	go p.accept()
	t.Cleanup(func() { _ = listener.Close() })
	return p
}

func (p *tcpProxy) accept() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		backend, err := net.Dial("tcp", p.target)
		if err != nil {
			conn.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn, backend)
		p.mu.Unlock()
		go func() {
			_, _ = io.Copy(backend, conn)
			backend.Close()
		}()
		go func() {
			_, _ = io.Copy(conn, backend)
			conn.Close()
		}()
	}
}

func (p *tcpProxy) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
}

func TestReconnectKeepsIdentityAndRejoins(t *testing.T) {
	svc := startService(t, ServiceOptions{})
	host := connectClient(t, svc, ClientOptions{})
	sessionID, err := host.Host("Session", story.NewStoryModel("Session"))
	require.NoError(t, err)

	proxy := startProxy(t, svc.Address())
	c := NewClient(ClientOptions{
		BaseURL:     "ws://" + proxy.listener.Addr().String(),
		Reconnect:   true,
		Retryer:     &Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		JoinTimeout: 200 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Close)
	identity := c.Identity()
	require.NotEmpty(t, identity)

	proxy.dropAll()

	// The client redials, re-presents its identity and can join
	// explicitly; session membership itself is not restored for it.
	require.Eventually(t, func() bool {
		return c.Join(sessionID) == nil
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, identity, c.Identity())
	assert.Equal(t, sessionID, c.SessionID())
}

func TestExplicitIdentityOverridesIdentityFile(t *testing.T) {
	svc := startService(t, ServiceOptions{})

	persisted := ident.NewIdentity()
	path := filepath.Join(t.TempDir(), "identity")
	require.NoError(t, os.WriteFile(path, []byte(persisted), 0o600))

	explicit := ident.NewIdentity()
	both := connectClient(t, svc, ClientOptions{Identity: explicit, IdentityFile: path})
	assert.Equal(t, explicit, both.Identity())

	fromFile := connectClient(t, svc, ClientOptions{IdentityFile: path})
	assert.Equal(t, persisted, fromFile.Identity())
}

func TestStartingNewSessionLeavesPrevious(t *testing.T) {
	svc := startService(t, ServiceOptions{})

	departures := make(chan ident.Identity, 8)
	a := connectClient(t, svc, ClientOptions{
		OnPresence: func(from ident.Identity, p Presence) {
			if p.IsZero() {
				departures <- from
			}
		},
	})
	b := connectClient(t, svc, ClientOptions{})

	first, err := a.Host("First", story.NewStoryModel("First"))
	require.NoError(t, err)
	require.NoError(t, b.Join(first))

	// Hosting a new session pulls b out of the first one; a sees the
	// departure as if b had disconnected.
	_, err = b.Host("Second", story.NewStoryModel("Second"))
	require.NoError(t, err)
	select {
	case from := <-departures:
		assert.Equal(t, b.Identity(), from)
	case <-time.After(5 * time.Second):
		t.Fatal("no departure for the moved participant")
	}
	require.Eventually(t, func() bool {
		return len(a.Sessions()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Edits in the first session no longer reach b.
	require.NoError(t, a.Submit(story.Transaction{
		story.Create("Moment_1_0", map[string]any{"name": "Opening"}),
	}))
	time.Sleep(200 * time.Millisecond)
	assert.Nil(t, b.Controller().Find("Moment_1_0"))
}

func TestUndoPropagatesToPeers(t *testing.T) {
	svc := startService(t, ServiceOptions{})
	host := connectClient(t, svc, ClientOptions{})
	guest := connectClient(t, svc, ClientOptions{})

	sessionID, err := host.Host("Session", story.NewStoryModel("Session"))
	require.NoError(t, err)
	require.NoError(t, guest.Join(sessionID))

	require.NoError(t, host.Submit(story.Transaction{
		story.Create("Moment_1_0", map[string]any{"name": "Opening"}),
	}))
	require.Eventually(t, func() bool {
		return guest.Controller().Find("Moment_1_0") != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, host.Undo())
	require.Eventually(t, func() bool {
		return guest.Controller().Find("Moment_1_0") == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, host.Redo())
	require.Eventually(t, func() bool {
		return guest.Controller().Find("Moment_1_0") != nil
	}, 5*time.Second, 10*time.Millisecond)
}
