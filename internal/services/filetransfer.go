package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/protocol"
)

const (
	// ChunkSize is the fixed payload size of one file_chunk frame.
	ChunkSize = 16384

	DefaultChunkDelay  = 10 * time.Millisecond
	DefaultMaxFileSize = 100 << 20
)

var (
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	ErrTransferCancelled  = errors.New("transfer cancelled")
	ErrFileTooLarge       = errors.New("file too large")
	ErrUnknownUpload      = errors.New("unknown upload")
	ErrInvalidFile        = errors.New("invalid file")
)

// Direction tells outbound and inbound transfers apart.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// OutgoingFile is a file ready to send.
type OutgoingFile struct {
	Name string
	Type string
	Data []byte
}

// OpenFile reads path into an OutgoingFile, guessing its MIME type from the
// extension.
func OpenFile(path string) (OutgoingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OutgoingFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	fileType := mime.TypeByExtension(filepath.Ext(path))
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	return OutgoingFile{Name: filepath.Base(path), Type: fileType, Data: data}, nil
}

// UploadSummary describes a completed outbound transfer.
type UploadSummary struct {
	UploadID string
	FileName string
	FileSize int64
	GroupID  int64
}

// ReceivedFile is a reassembled inbound artifact with timing stats.
type ReceivedFile struct {
	UploadID string
	GroupID  int64
	FileName string
	FileType string
	FileSize int64
	Data     []byte

	Elapsed        time.Duration
	BytesPerSecond float64
}

// Save writes the file into dir and returns the path written.
func (f *ReceivedFile) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	name := filepath.Base(f.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = f.UploadID
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		ext := filepath.Ext(name)
		path = filepath.Join(dir, fmt.Sprintf("%s-%s%s", name[:len(name)-len(ext)], f.UploadID[:min(8, len(f.UploadID))], ext))
	}

	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// TransferStatus is a point-in-time view of a tracked transfer.
type TransferStatus struct {
	UploadID    string
	Direction   Direction
	GroupID     int64
	FileName    string
	FileType    string
	FileSize    int64
	TotalChunks int
	Completed   int
	Progress    int
	StartedAt   time.Time
}

// Callbacks receive inbound transfer events. Any of them may be nil.
type Callbacks struct {
	OnStart    func(TransferStatus)
	OnProgress func(uploadID string, progress int)
	OnComplete func(*ReceivedFile)
	OnFailed   func(uploadID string, err error)
}

// FileTransferOptions configures a FileTransferService.
type FileTransferOptions struct {
	// ChunkDelay is the pause between outbound chunk frames; negative disables it
	ChunkDelay time.Duration

	// MaxFileSize bounds both outbound files and inbound announcements
	MaxFileSize int64

	Callbacks Callbacks
	Logger    *log.Entry
}

type transfer struct {
	uploadID    string
	direction   Direction
	groupID     int64
	fileName    string
	fileType    string
	fileSize    int64
	totalChunks int

	// slots holds inbound chunks by index
	slots     [][]byte
	filled    []bool
	completed int
	buffered  int64
	startedAt time.Time
}

func (t *transfer) status() TransferStatus {
	return TransferStatus{
		UploadID:    t.uploadID,
		Direction:   t.direction,
		GroupID:     t.groupID,
		FileName:    t.fileName,
		FileType:    t.fileType,
		FileSize:    t.fileSize,
		TotalChunks: t.totalChunks,
		Completed:   t.completed,
		Progress:    percent(t.completed, t.totalChunks),
		StartedAt:   t.startedAt,
	}
}

// FileTransferService splits outbound files into chunk frames and
// reassembles inbound chunk streams.
type FileTransferService struct {
	sender Sender
	delay  time.Duration
	max    int64
	cb     Callbacks
	log    *log.Entry
	now    func() time.Time

	mu        sync.Mutex
	transfers map[string]*transfer
}

func NewFileTransferService(sender Sender, opts FileTransferOptions) *FileTransferService {
	switch {
	case opts.ChunkDelay == 0:
		opts.ChunkDelay = DefaultChunkDelay
	case opts.ChunkDelay < 0:
		opts.ChunkDelay = 0
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	return &FileTransferService{
		sender:    sender,
		delay:     opts.ChunkDelay,
		max:       opts.MaxFileSize,
		cb:        opts.Callbacks,
		log:       opts.Logger.WithField("component", "filetransfer"),
		now:       time.Now,
		transfers: make(map[string]*transfer),
	}
}

// Attach registers the inbound file listeners.
func (s *FileTransferService) Attach(sub Subscriber) func() {
	offs := []func(){
		sub.On(protocol.KindFileStart, s.HandleStart),
		sub.On(protocol.KindFileChunk, s.HandleChunk),
		sub.On(protocol.KindFileEnd, s.HandleEnd),
		sub.On(protocol.KindFileCancel, s.HandleCancel),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// TotalChunks is ceil(size / ChunkSize).
func TotalChunks(size int64) int {
	return int((size + ChunkSize - 1) / ChunkSize)
}

// SendFile streams file to groupID. Any failed send aborts the whole transfer
// and drops its tracking; the caller restarts from scratch.
func (s *FileTransferService) SendFile(ctx context.Context, file OutgoingFile, groupID int64, progress func(int)) (*UploadSummary, error) {
	if file.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidFile)
	}
	if groupID == 0 {
		return nil, ErrMissingGroup
	}
	size := int64(len(file.Data))
	if size > s.max {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, size, s.max)
	}
	if file.Type == "" {
		file.Type = "application/octet-stream"
	}

	total := TotalChunks(size)
	t := &transfer{
		uploadID:    uuid.NewString(),
		direction:   Outbound,
		groupID:     groupID,
		fileName:    file.Name,
		fileType:    file.Type,
		fileSize:    size,
		totalChunks: total,
		startedAt:   s.now(),
	}
	s.track(t)

	entry := s.log.WithFields(log.Fields{"upload_id": t.uploadID, "file": file.Name, "chunks": total})
	entry.Info("Starting upload")

	if err := s.sender.Send(protocol.NewFileStart(t.uploadID, groupID, file.Name, size, file.Type, total)); err != nil {
		return nil, s.abort(t.uploadID, fmt.Errorf("send file_start: %w", err))
	}

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, s.abort(t.uploadID, fmt.Errorf("%w: %v", ErrTransferCancelled, err))
		}
		if !s.tracked(t.uploadID) {
			return nil, fmt.Errorf("%w: %s", ErrTransferCancelled, t.uploadID)
		}

		start := int64(i) * ChunkSize
		end := min(start+ChunkSize, size)
		frame := protocol.NewFileChunk(t.uploadID, groupID, i, total, file.Data[start:end])
		if err := s.sender.Send(frame); err != nil {
			return nil, s.abort(t.uploadID, fmt.Errorf("send chunk %d/%d: %w", i+1, total, err))
		}

		s.mu.Lock()
		t.completed = i + 1
		s.mu.Unlock()
		if progress != nil {
			progress(percent(i+1, total))
		}

		if i < total-1 && s.delay > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, s.abort(t.uploadID, fmt.Errorf("%w: %v", ErrTransferCancelled, ctx.Err()))
			case <-timer.C:
			}
		}
	}

	if !s.tracked(t.uploadID) {
		return nil, fmt.Errorf("%w: %s", ErrTransferCancelled, t.uploadID)
	}
	if err := s.sender.Send(protocol.NewFileEnd(t.uploadID, groupID, file.Name, size)); err != nil {
		return nil, s.abort(t.uploadID, fmt.Errorf("send file_end: %w", err))
	}
	s.untrack(t.uploadID)

	entry.Info("Upload complete")
	return &UploadSummary{UploadID: t.uploadID, FileName: file.Name, FileSize: size, GroupID: groupID}, nil
}

// CancelUpload drops local tracking and notifies the peer best-effort.
func (s *FileTransferService) CancelUpload(uploadID string) error {
	if _, ok := s.untrack(uploadID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	if err := s.sender.Send(protocol.NewFileCancel(uploadID)); err != nil {
		s.log.WithError(err).WithField("upload_id", uploadID).Warn("Cancel notice not delivered")
	}
	return nil
}

// Status reports a tracked transfer's progress.
func (s *FileTransferService) Status(uploadID string) (TransferStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[uploadID]
	if !ok {
		return TransferStatus{}, false
	}
	return t.status(), true
}

// HandleStart allocates the slot array for an announced inbound transfer.
func (s *FileTransferService) HandleStart(env *protocol.Envelope) error {
	if env.UploadID == "" {
		return fmt.Errorf("%w: file_start without uploadId", ErrInvalidFile)
	}
	if env.FileSize < 0 || env.FileSize > s.max {
		return fmt.Errorf("%w: upload %s announces %d bytes", ErrFileTooLarge, env.UploadID, env.FileSize)
	}
	if env.TotalChunks < 0 || env.TotalChunks > TotalChunks(s.max) {
		return fmt.Errorf("%w: upload %s announces %d chunks", ErrInvalidFile, env.UploadID, env.TotalChunks)
	}

	t := &transfer{
		uploadID:    env.UploadID,
		direction:   Inbound,
		groupID:     env.GroupID,
		fileName:    env.FileName,
		fileType:    env.FileType,
		fileSize:    env.FileSize,
		totalChunks: env.TotalChunks,
		slots:       make([][]byte, env.TotalChunks),
		filled:      make([]bool, env.TotalChunks),
		startedAt:   s.now(),
	}
	s.track(t)

	s.log.WithFields(log.Fields{
		"upload_id": t.uploadID,
		"file":      t.fileName,
		"size":      t.fileSize,
		"chunks":    t.totalChunks,
	}).Info("Receiving file")

	if s.cb.OnStart != nil {
		s.cb.OnStart(t.status())
	}
	return nil
}

// HandleChunk stores one chunk in its slot. Chunks may arrive in any order.
func (s *FileTransferService) HandleChunk(env *protocol.Envelope) error {
	s.mu.Lock()
	t, ok := s.transfers[env.UploadID]
	if !ok || t.direction != Inbound {
		s.mu.Unlock()
		s.log.WithField("upload_id", env.UploadID).Debug("Ignoring chunk for untracked upload")
		return nil
	}

	idx := env.ChunkIndex
	if idx < 0 || idx >= t.totalChunks {
		s.mu.Unlock()
		return fmt.Errorf("upload %s: chunk index %d outside [0,%d)", env.UploadID, idx, t.totalChunks)
	}
	// a replaced duplicate gives back its old bytes first
	buffered := t.buffered - int64(len(t.slots[idx])) + int64(len(env.Chunk))
	var bad error
	switch {
	case len(env.Chunk) > ChunkSize:
		bad = fmt.Errorf("%w: upload %s chunk %d is %d bytes", ErrInvalidFile, env.UploadID, idx, len(env.Chunk))
	case buffered > t.fileSize:
		bad = fmt.Errorf("%w: upload %s exceeds its announced %d bytes", ErrFileTooLarge, env.UploadID, t.fileSize)
	}
	if bad != nil {
		delete(s.transfers, env.UploadID)
		s.mu.Unlock()
		s.log.WithError(bad).Warn("Discarding inbound transfer")
		return s.fail(env.UploadID, bad)
	}

	if !t.filled[idx] {
		t.filled[idx] = true
		t.completed++
	}
	t.slots[idx] = append([]byte(nil), env.Chunk...)
	t.buffered = buffered
	progress := percent(t.completed, t.totalChunks)
	s.mu.Unlock()

	if s.cb.OnProgress != nil {
		s.cb.OnProgress(env.UploadID, progress)
	}
	return nil
}

// HandleEnd reassembles the file once every slot is filled. An incomplete
// transfer is discarded and reported through OnFailed.
func (s *FileTransferService) HandleEnd(env *protocol.Envelope) error {
	s.mu.Lock()
	t, ok := s.transfers[env.UploadID]
	if !ok || t.direction != Inbound {
		s.mu.Unlock()
		s.log.WithField("upload_id", env.UploadID).Debug("Ignoring file_end for untracked upload")
		return nil
	}
	delete(s.transfers, env.UploadID)
	s.mu.Unlock()

	if missing := t.totalChunks - t.completed; missing > 0 {
		return s.fail(t.uploadID, fmt.Errorf("%w: upload %s missing %d of %d chunks", ErrIncompleteTransfer, t.uploadID, missing, t.totalChunks))
	}

	data := bytes.Join(t.slots, nil)
	if data == nil {
		data = []byte{}
	}
	size := t.fileSize
	if size == 0 && env.FileSize > 0 {
		size = env.FileSize
	}
	if int64(len(data)) != size {
		return s.fail(t.uploadID, fmt.Errorf("%w: upload %s has %d bytes, want %d", ErrIncompleteTransfer, t.uploadID, len(data), size))
	}

	name := t.fileName
	if name == "" {
		name = env.FileName
	}
	elapsed := s.now().Sub(t.startedAt)
	var rate float64
	if elapsed > 0 {
		rate = float64(len(data)) / elapsed.Seconds()
	}

	file := &ReceivedFile{
		UploadID:       t.uploadID,
		GroupID:        t.groupID,
		FileName:       name,
		FileType:       t.fileType,
		FileSize:       size,
		Data:           data,
		Elapsed:        elapsed,
		BytesPerSecond: rate,
	}

	s.log.WithFields(log.Fields{
		"upload_id": t.uploadID,
		"file":      name,
		"elapsed":   elapsed,
		"bps":       math.Round(rate),
	}).Info("File received")

	if s.cb.OnComplete != nil {
		s.cb.OnComplete(file)
	}
	return nil
}

// HandleCancel discards an inbound transfer the sender abandoned.
func (s *FileTransferService) HandleCancel(env *protocol.Envelope) error {
	t, ok := s.untrack(env.UploadID)
	if !ok || t.direction != Inbound {
		return nil
	}
	s.log.WithField("upload_id", env.UploadID).Info("Upload cancelled by sender")
	if s.cb.OnFailed != nil {
		s.cb.OnFailed(env.UploadID, ErrTransferCancelled)
	}
	return nil
}

// ExpireStale drops inbound transfers started before olderThan and returns
// how many were removed.
func (s *FileTransferService) ExpireStale(olderThan time.Time) int {
	var expired []string

	s.mu.Lock()
	for id, t := range s.transfers {
		if t.direction == Inbound && t.startedAt.Before(olderThan) {
			delete(s.transfers, id)
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.log.WithField("upload_id", id).Warn("Expired stale transfer")
		if s.cb.OnFailed != nil {
			s.cb.OnFailed(id, fmt.Errorf("%w: expired", ErrIncompleteTransfer))
		}
	}
	return len(expired)
}

func (s *FileTransferService) fail(uploadID string, err error) error {
	if s.cb.OnFailed != nil {
		s.cb.OnFailed(uploadID, err)
	}
	return err
}

func (s *FileTransferService) abort(uploadID string, err error) error {
	s.untrack(uploadID)
	s.log.WithError(err).WithField("upload_id", uploadID).Error("Upload aborted")
	return err
}

func (s *FileTransferService) track(t *transfer) {
	s.mu.Lock()
	if _, exists := s.transfers[t.uploadID]; exists {
		s.log.WithField("upload_id", t.uploadID).Warn("Replacing tracked transfer")
	}
	s.transfers[t.uploadID] = t
	s.mu.Unlock()
}

func (s *FileTransferService) untrack(uploadID string) (*transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[uploadID]
	delete(s.transfers, uploadID)
	return t, ok
}

func (s *FileTransferService) tracked(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transfers[uploadID]
	return ok
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}
