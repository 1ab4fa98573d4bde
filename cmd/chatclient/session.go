package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/api"
	"github.com/adi-253/echowire/internal/config"
	"github.com/adi-253/echowire/internal/e2ee"
	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/protocol"
	"github.com/adi-253/echowire/internal/services"
	"github.com/adi-253/echowire/internal/websocket"
)

type session struct {
	cfg     *config.Config
	groupID int64
	keyFile string

	mgr      *websocket.Manager
	api      *api.Client
	chat     *services.MessageChannel
	presence *services.PresenceTracker
	files    *services.FileTransferService
	log      *log.Entry

	mu       sync.Mutex
	groupKey []byte
	typing   bool
	joined   bool

	// printed holds the ids of messages already shown; live is set once the
	// backlog has been printed
	printed map[string]bool
	live    bool
}

func newSession(cfg *config.Config, groupID int64, keyFile string, mgr *websocket.Manager, client *api.Client, logger *log.Entry) *session {
	s := &session{
		cfg:      cfg,
		groupID:  groupID,
		keyFile:  keyFile,
		mgr:      mgr,
		api:      client,
		presence: services.NewPresenceTracker(logger),
		log:      logger,
		printed:  make(map[string]bool),
	}

	s.chat = services.NewMessageChannel(mgr, cfg.UserID, services.NewDedupSet(cfg.DedupCapacity, cfg.DedupTTL), logger)
	s.files = services.NewFileTransferService(mgr, services.FileTransferOptions{
		ChunkDelay:  cfg.FileChunkDelay,
		MaxFileSize: cfg.MaxFileSize,
		Logger:      logger,
		Callbacks: services.Callbacks{
			OnStart: func(st services.TransferStatus) {
				fmt.Printf("[file] receiving %s (%d bytes)\n", st.FileName, st.FileSize)
			},
			OnComplete: s.saveFile,
			OnFailed: func(uploadID string, err error) {
				fmt.Printf("[file] %s failed: %v\n", short(uploadID), err)
			},
		},
	})

	s.chat.Attach(mgr)
	s.presence.Attach(mgr)
	s.files.Attach(mgr)
	s.chat.OnChange(s.printNew)
	mgr.On(protocol.KindTyping, s.printTyping)
	mgr.On(protocol.KindUserJoined, s.printMembership)
	mgr.On(protocol.KindUserLeft, s.printMembership)

	mgr.OnStatus(func(ev websocket.ConnectionEvent) {
		switch ev.Status {
		case websocket.StatusConnected:
			fmt.Println("[conn] connected")
			s.mu.Lock()
			rejoin := s.joined
			s.mu.Unlock()
			// membership does not survive a reconnect
			if rejoin {
				s.mgr.JoinGroup(s.groupID, s.cfg.UserID)
			}
		case websocket.StatusReconnecting:
			fmt.Printf("[conn] reconnecting (attempt %d)\n", ev.Attempt)
		case websocket.StatusRejected:
			fmt.Println("[conn] credential rejected")
		case websocket.StatusDisconnected:
			fmt.Printf("[conn] disconnected (code %d)\n", ev.Code)
		}
	})
	return s
}

// join announces membership and loads recent history.
func (s *session) join(ctx context.Context, limit int) {
	if err := s.mgr.JoinGroup(s.groupID, s.cfg.UserID); err != nil {
		fmt.Println("[ERR] join:", err)
	}
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	if limit <= 0 {
		return
	}
	history, err := s.api.GetMessages(ctx, s.groupID, limit, 0, s.cfg.UserID)
	if err != nil {
		s.log.WithError(err).Warn("History unavailable")
		return
	}
	s.chat.LoadHistory(s.groupID, history)
}

// printBacklog shows everything held for the group so far, own messages
// included, and switches to live printing.
func (s *session) printBacklog() {
	for _, m := range s.unprinted(s.chat.Messages(s.groupID), true) {
		s.printMessage(m)
	}
	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
}

// loadGroupKey unwraps this user's copy of the group key when a private key
// file is present.
func (s *session) loadGroupKey(ctx context.Context) {
	priv, err := readKeyFile(s.keyFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).Warn("Cannot read key file")
		}
		return
	}
	key, err := e2ee.FetchAndUnwrap(ctx, s.api, s.groupID, s.cfg.UserID, priv)
	if err != nil {
		s.log.WithError(err).Info("No group key for this user yet")
		return
	}
	s.mu.Lock()
	s.groupKey = key
	s.mu.Unlock()
	fmt.Println("[keys] group key loaded; /secret sends encrypted messages")
}

func (s *session) repl(ctx context.Context, r io.Reader) {
	in := bufio.NewReader(r)
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Println("[read err]", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := s.handleCommand(ctx, line); quit {
				return
			}
			continue
		}
		s.post(line)
	}
}

func (s *session) post(text string) {
	if _, err := s.chat.Post(s.groupID, text); err != nil {
		fmt.Println("[ERR] send:", err)
		return
	}
	s.setTyping(false)
}

// handleCommand runs one slash command and reports whether to quit.
func (s *session) handleCommand(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	arg := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))

	switch cmd {
	case "help":
		fmt.Println(`Commands:
  /file <path>        send a file to the group
  /cancel <uploadId>  cancel an outgoing upload
  /typing             toggle the typing indicator
  /who                list group members and presence
  /register           create a key pair and publish the public key
  /keys <id,id,...>   distribute a new group key to members
  /secret <text>      send a message encrypted with the group key
  /quit               disconnect and exit`)

	case "file":
		if arg == "" {
			fmt.Println("usage: /file <path>")
			return false
		}
		go s.sendFile(ctx, arg)

	case "cancel":
		if err := s.files.CancelUpload(arg); err != nil {
			fmt.Println("[ERR]", err)
		}

	case "typing":
		s.mu.Lock()
		next := !s.typing
		s.mu.Unlock()
		s.setTyping(next)

	case "who":
		s.who(ctx)

	case "register":
		s.register(ctx)

	case "keys":
		ids, err := parseIDs(arg)
		if err != nil {
			fmt.Println("[ERR]", err)
			return false
		}
		s.distribute(ctx, ids)

	case "secret":
		s.mu.Lock()
		key := s.groupKey
		s.mu.Unlock()
		if key == nil {
			fmt.Println("[ERR] no group key loaded")
			return false
		}
		sealed, err := e2ee.EncryptMessage(key, arg)
		if err != nil {
			fmt.Println("[ERR]", err)
			return false
		}
		s.post(sealed)

	case "quit", "exit":
		return true

	default:
		fmt.Printf("unknown command /%s, try /help\n", cmd)
	}
	return false
}

func (s *session) sendFile(ctx context.Context, path string) {
	file, err := services.OpenFile(path)
	if err != nil {
		fmt.Println("[ERR]", err)
		return
	}
	last := -1
	summary, err := s.files.SendFile(ctx, file, s.groupID, func(p int) {
		if p/25 != last/25 || p == 100 {
			fmt.Printf("[upload] %s %d%%\n", file.Name, p)
		}
		last = p
	})
	if err != nil {
		fmt.Println("[ERR] upload:", err)
		return
	}
	fmt.Printf("[upload] %s sent (%s)\n", summary.FileName, short(summary.UploadID))
}

func (s *session) saveFile(f *services.ReceivedFile) {
	path, err := f.Save(s.cfg.DownloadDir)
	if err != nil {
		fmt.Println("[ERR] save:", err)
		return
	}
	fmt.Printf("[file] saved %s (%d bytes, %.0f B/s)\n", path, f.FileSize, f.BytesPerSecond)
}

func (s *session) setTyping(typing bool) {
	s.mu.Lock()
	changed := s.typing != typing
	s.typing = typing
	s.mu.Unlock()
	if !changed {
		return
	}
	if err := s.mgr.SendTyping(s.groupID, s.cfg.UserID, typing); err != nil {
		fmt.Println("[ERR] typing:", err)
	}
}

func (s *session) who(ctx context.Context) {
	ids, err := s.api.GetGroupMembers(ctx, s.groupID)
	if err != nil {
		fmt.Println("[ERR] members:", err)
		return
	}
	for _, m := range s.presence.ResolveMembers(ctx, s.api, ids) {
		fmt.Printf("  %-20s @%-16s %s\n", m.Name, m.Username, m.Status)
	}
}

func (s *session) register(ctx context.Context) {
	kp, err := e2ee.GenerateKeyPair()
	if err != nil {
		fmt.Println("[ERR]", err)
		return
	}
	if err := os.WriteFile(s.keyFile, []byte(base64.StdEncoding.EncodeToString(kp.Private[:])+"\n"), 0o600); err != nil {
		fmt.Println("[ERR] write key file:", err)
		return
	}
	if err := s.api.RegisterUserKey(ctx, models.UserKey{UserID: s.cfg.UserID, PublicKey: kp.PublicBase64()}); err != nil {
		fmt.Println("[ERR] register:", err)
		return
	}
	fmt.Printf("[keys] registered public key %s...\n", kp.PublicBase64()[:8])
}

func (s *session) distribute(ctx context.Context, ids []int64) {
	material, report, err := e2ee.NewDistributor(s.api, s.log).Distribute(ctx, s.groupID, ids)
	if err != nil {
		fmt.Println("[ERR] distribution aborted:", err)
		return
	}
	fmt.Printf("[keys] group key wrapped for %v\n", report.Succeeded)
	for _, f := range report.Failed {
		fmt.Printf("[keys] member %d failed at %s: %v\n", f.UserID, f.Stage, f.Err)
	}

	// the distributor holds the key now if it is also a member
	for _, id := range report.Succeeded {
		if id == s.cfg.UserID {
			s.mu.Lock()
			s.groupKey = material.GroupKey
			s.mu.Unlock()
		}
	}
}

// printNew runs on every change to the reconciled view and prints confirmed
// messages from other users that have not been shown yet.
func (s *session) printNew(groupID int64) {
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if !live || groupID != s.groupID {
		return
	}
	for _, m := range s.unprinted(s.chat.Messages(groupID), false) {
		s.printMessage(m)
	}
}

// unprinted marks and returns the confirmed messages not shown before.
func (s *session) unprinted(msgs []services.Message, includeOwn bool) []services.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []services.Message
	for _, m := range msgs {
		if m.IsLocal() || s.printed[m.ID] {
			continue
		}
		s.printed[m.ID] = true
		if m.IsCurrentUser && !includeOwn {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *session) printMessage(m services.Message) {
	fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.SenderName, s.display(m.Content))
}

func (s *session) printTyping(env *protocol.Envelope) error {
	if env.UserID == s.cfg.UserID || env.Type != protocol.TypeTypingStart {
		return nil
	}
	fmt.Printf("[typing] %s\n", s.nameOf(env.UserID))
	return nil
}

func (s *session) printMembership(env *protocol.Envelope) error {
	if env.UserID == s.cfg.UserID {
		return nil
	}
	verb := "joined"
	if env.Kind == protocol.KindUserLeft {
		verb = "left"
	}
	fmt.Printf("[group] %s %s\n", s.nameOf(env.UserID), verb)
	return nil
}

func (s *session) nameOf(userID int64) string {
	if e, ok := s.presence.Get(userID); ok && e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("User %d", userID)
}

// display decrypts content sealed with the group key and passes anything
// else through.
func (s *session) display(content string) string {
	s.mu.Lock()
	key := s.groupKey
	s.mu.Unlock()
	if key == nil {
		return content
	}
	if plain, err := e2ee.DecryptMessage(key, content); err == nil {
		return "🔒 " + plain
	}
	return content
}

func readKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return e2ee.DecodeKey(strings.TrimSpace(string(raw)))
}

// parseIDs reads a comma or space separated list of user ids.
func parseIDs(arg string) ([]int64, error) {
	fields := strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil, errors.New("usage: /keys <id,id,...>")
	}
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
