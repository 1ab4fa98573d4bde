package relay_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/api"
	"github.com/adi-253/echowire/internal/config"
	"github.com/adi-253/echowire/internal/e2ee"
	"github.com/adi-253/echowire/internal/handlers"
	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/protocol"
	"github.com/adi-253/echowire/internal/relay"
	"github.com/adi-253/echowire/internal/services"
	"github.com/adi-253/echowire/internal/websocket"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
	aliceID    = 1
	bobID      = 2
	groupID    = 7
)

type testRelay struct {
	hub   *relay.Hub
	store *relay.MemoryStore
	srv   *httptest.Server
}

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	tokens, err := relay.ParseTokens([]string{aliceToken + ":1:Alice", bobToken + ":2:Bob"})
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	store := relay.NewMemoryStore()
	for _, p := range tokens.Profiles() {
		store.SaveUser(context.Background(), p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := relay.NewHub(store, quietLogger())
	go hub.Run(ctx)

	srv := httptest.NewServer(handlers.NewRouter(handlers.RouterOptions{
		Hub:    hub,
		Store:  store,
		Tokens: tokens,
		Logger: quietLogger(),
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testRelay{hub: hub, store: store, srv: srv}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws/messages"
}

func (r *testRelay) apiClient(token string) *api.Client {
	return api.NewClient(&config.Config{APIBaseURL: r.srv.URL, AuthToken: token})
}

func (r *testRelay) connect(t *testing.T, token string) *websocket.Manager {
	t.Helper()
	m := websocket.New(websocket.Options{
		URL:               r.wsURL(),
		ReconnectInterval: 20 * time.Millisecond,
		Logger:            quietLogger(),
	})
	if err := m.Connect(context.Background(), token); err != nil {
		t.Fatalf("Connect(%s): %v", token, err)
	}
	t.Cleanup(m.Disconnect)
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUnknownTokenRejectedBeforeUpgrade(t *testing.T) {
	r := startRelay(t)

	_, resp, err := gws.DefaultDialer.Dial(r.wsURL()+"?token=wrong", nil)
	if err == nil {
		t.Fatal("dial with unknown token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v", resp)
	}

	m := websocket.New(websocket.Options{URL: r.wsURL(), Logger: quietLogger()})
	if err := m.Connect(context.Background(), "wrong"); !errors.Is(err, websocket.ErrConnectionRejected) {
		t.Fatalf("Connect err = %v, want ErrConnectionRejected", err)
	}
	if m.State() != websocket.StateDisconnected {
		t.Fatalf("state = %v", m.State())
	}
}

func TestChatReconcilesAcrossClients(t *testing.T) {
	r := startRelay(t)

	alice := r.connect(t, aliceToken)
	bob := r.connect(t, bobToken)

	aliceChat := services.NewMessageChannel(alice, aliceID, services.NewDedupSet(100, time.Minute), quietLogger())
	aliceChat.Attach(alice)
	bobChat := services.NewMessageChannel(bob, bobID, services.NewDedupSet(100, time.Minute), quietLogger())
	bobChat.Attach(bob)

	alice.JoinGroup(groupID, aliceID)
	bob.JoinGroup(groupID, bobID)
	eventually(t, "both members joined", func() bool { return r.hub.GroupClientCount(groupID) == 2 })

	optimistic, err := aliceChat.Post(groupID, "hello bob")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if !optimistic.IsLocal() || optimistic.Status != models.StatusPending {
		t.Fatalf("optimistic = %+v", optimistic)
	}

	eventually(t, "alice confirmation", func() bool {
		msgs := aliceChat.Messages(groupID)
		return len(msgs) == 1 && !msgs[0].IsLocal()
	})
	eventually(t, "bob delivery", func() bool { return len(bobChat.Messages(groupID)) == 1 })

	mine := aliceChat.Messages(groupID)[0]
	theirs := bobChat.Messages(groupID)[0]
	if mine.ID != theirs.ID || mine.Status != models.StatusDelivered {
		t.Fatalf("alice = %+v, bob = %+v", mine, theirs)
	}
	if !mine.IsCurrentUser || theirs.IsCurrentUser || theirs.SenderName != "Alice" {
		t.Fatalf("attribution: alice = %+v, bob = %+v", mine, theirs)
	}

	history, err := r.apiClient(bobToken).GetMessages(context.Background(), groupID, 50, 0, bobID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(history) != 1 || history[0].ID != mine.ID || history[0].Content != "hello bob" {
		t.Fatalf("history = %+v", history)
	}
	// replaying history over live state adds nothing
	if n := bobChat.LoadHistory(groupID, history); n != 0 {
		t.Fatalf("LoadHistory added %d duplicates", n)
	}

	ids, err := r.apiClient(aliceToken).GetGroupMembers(context.Background(), groupID)
	if err != nil || len(ids) != 2 {
		t.Fatalf("members = %v, %v", ids, err)
	}
}

func TestPresenceFollowsConnections(t *testing.T) {
	r := startRelay(t)

	bob := r.connect(t, bobToken)
	tracker := services.NewPresenceTracker(quietLogger())
	tracker.Attach(bob)

	alice := websocket.New(websocket.Options{URL: r.wsURL(), Logger: quietLogger()})
	if err := alice.Connect(context.Background(), aliceToken); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	eventually(t, "alice online", func() bool {
		e, ok := tracker.Get(aliceID)
		return ok && e.Status == models.PresenceOnline && e.Name == "Alice"
	})

	alice.Disconnect()
	eventually(t, "alice offline", func() bool {
		e, ok := tracker.Get(aliceID)
		return ok && e.Status == models.PresenceOffline
	})

	p, err := r.apiClient(bobToken).GetUser(context.Background(), bobID)
	if err != nil || !p.Online || p.Username != "bob" {
		t.Fatalf("GetUser = %+v, %v", p, err)
	}
}

func TestFileRelayedToGroup(t *testing.T) {
	r := startRelay(t)

	alice := r.connect(t, aliceToken)
	bob := r.connect(t, bobToken)

	var (
		mu       sync.Mutex
		received *services.ReceivedFile
	)
	sender := services.NewFileTransferService(alice, services.FileTransferOptions{ChunkDelay: -1, Logger: quietLogger()})
	receiver := services.NewFileTransferService(bob, services.FileTransferOptions{
		Logger: quietLogger(),
		Callbacks: services.Callbacks{
			OnComplete: func(f *services.ReceivedFile) {
				mu.Lock()
				received = f
				mu.Unlock()
			},
		},
	})
	receiver.Attach(bob)
	// the sender must not see its own frames
	echoed := services.NewFileTransferService(alice, services.FileTransferOptions{
		Logger: quietLogger(),
		Callbacks: services.Callbacks{
			OnStart: func(services.TransferStatus) { t.Error("sender received its own file_start") },
		},
	})
	echoed.Attach(alice)

	alice.JoinGroup(groupID, aliceID)
	bob.JoinGroup(groupID, bobID)
	eventually(t, "both members joined", func() bool { return r.hub.GroupClientCount(groupID) == 2 })

	data := bytes.Repeat([]byte("echowire"), 5000)
	summary, err := sender.SendFile(context.Background(), services.OutgoingFile{Name: "notes.txt", Type: "text/plain", Data: data}, groupID, nil)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	eventually(t, "file reassembled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if received.UploadID != summary.UploadID || received.FileName != "notes.txt" || received.GroupID != groupID {
		t.Fatalf("received = %+v", received)
	}
	if !bytes.Equal(received.Data, data) {
		t.Fatal("reassembled bytes differ")
	}
}

func TestFileFramesRequireMembership(t *testing.T) {
	r := startRelay(t)

	alice := r.connect(t, aliceToken)
	bob := r.connect(t, bobToken)

	var (
		mu      sync.Mutex
		starts  int
		bobSeen bool
	)
	alice.On(protocol.KindFileStart, func(*protocol.Envelope) error {
		mu.Lock()
		starts++
		mu.Unlock()
		return nil
	})
	alice.On(protocol.KindUserJoined, func(env *protocol.Envelope) error {
		mu.Lock()
		if env.UserID == bobID {
			bobSeen = true
		}
		mu.Unlock()
		return nil
	})

	alice.JoinGroup(groupID, aliceID)
	eventually(t, "alice joined", func() bool { return r.hub.GroupClientCount(groupID) == 1 })

	// bob has not joined, so the relay drops his frame; his join that
	// follows is relayed in order
	if err := bob.Send(protocol.NewFileStart("forged", groupID, "x.bin", 10, "", 1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	bob.JoinGroup(groupID, bobID)

	eventually(t, "bob's join", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bobSeen
	})
	mu.Lock()
	defer mu.Unlock()
	if starts != 0 {
		t.Fatalf("alice received %d file_start frames from a non-member", starts)
	}
}

func TestGroupKeyDistributionOverRelay(t *testing.T) {
	r := startRelay(t)
	ctx := context.Background()

	aliceAPI := r.apiClient(aliceToken)
	bobAPI := r.apiClient(bobToken)

	aliceKeys, _ := e2ee.GenerateKeyPair()
	bobKeys, _ := e2ee.GenerateKeyPair()
	if err := aliceAPI.RegisterUserKey(ctx, models.UserKey{PublicKey: aliceKeys.PublicBase64()}); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := bobAPI.RegisterUserKey(ctx, models.UserKey{UserID: bobID, PublicKey: bobKeys.PublicBase64()}); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	// a user cannot register a key for someone else
	err := bobAPI.RegisterUserKey(ctx, models.UserKey{UserID: aliceID, PublicKey: bobKeys.PublicBase64()})
	var se *api.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign registration err = %v", err)
	}

	material, report, err := e2ee.NewDistributor(aliceAPI, quietLogger()).Distribute(ctx, groupID, []int64{aliceID, bobID, 3})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if len(report.Succeeded) != 2 || len(report.FailedIDs()) != 1 || report.FailedIDs()[0] != 3 {
		t.Fatalf("report = %+v", report)
	}

	bobGroupKey, err := e2ee.FetchAndUnwrap(ctx, bobAPI, groupID, bobID, bobKeys.Private[:])
	if err != nil {
		t.Fatalf("FetchAndUnwrap: %v", err)
	}
	if !bytes.Equal(bobGroupKey, material.GroupKey) {
		t.Fatal("bob recovered a different group key")
	}

	sealed, _ := e2ee.EncryptMessage(material.GroupKey, "for members only")
	plain, err := e2ee.DecryptMessage(bobGroupKey, sealed)
	if err != nil || plain != "for members only" {
		t.Fatalf("DecryptMessage = %q, %v", plain, err)
	}

	if _, err := api.NewClient(&config.Config{APIBaseURL: r.srv.URL, AuthToken: "wrong"}).GetGroupPublicKey(ctx, groupID); !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated err = %v", err)
	}
}
