package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/larry-lines/justIRC/protocol"
)

// ChunkBytes is the file transfer chunk size.
const ChunkBytes = 32768

// chunkBudget chunks per chunkWindow seconds throttle outbound chunks to the server's default image
// chunk budget so a large file never trips the rate limiter.
const (
	chunkBudget = 100
	chunkWindow = 10.0
)

// ErrTransferInProgress reports a second concurrent transfer from the
// same sender.
var ErrTransferInProgress = errors.New("client: transfer already in progress from this sender")

// transferMetadata is the authoritative file description. It travels
// only inside encrypted_data; the envelope never carries the filename.
type transferMetadata struct {
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
}

// incomingTransfer accumulates one file from one sender.
type incomingTransfer struct {
	id       string
	fromID   string
	meta     transferMetadata
	total    int
	chunks   [][]byte
	received int64
}

// transferManager drives the chunked encrypted file transfer protocol
// on both the sending and receiving side.
type transferManager struct {
	client      *Client
	downloadDir string

	mu sync.Mutex
	// One in-progress transfer per sender.
	incoming map[string]*incomingTransfer

	limiter *rate.Limiter
}

func newTransferManager(c *Client, downloadDir string) *transferManager {
	if downloadDir == "" {
		downloadDir = "."
	}
	return &transferManager{
		client:      c,
		downloadDir: downloadDir,
		incoming:    make(map[string]*incomingTransfer),
		limiter:     rate.NewLimiter(rate.Limit(chunkBudget/chunkWindow), chunkBudget),
	}
}

// SendFile chunks a file and drives the image_start/chunk/end handshake
// against one peer, throttled to the chunk rate budget. Chunks are
// emitted strictly in order; the receiver relies on envelope order.
func (c *Client) SendFile(nickname, path string) error {
	peerID, err := c.resolveNick(nickname)
	if err != nil {
		return err
	}
	if err := c.ensureSession(peerID); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("client: read file: %w", err)
	}

	meta := transferMetadata{
		Filename: filepath.Base(path),
		FileSize: int64(len(data)),
	}
	totalChunks := (len(data) + ChunkBytes - 1) / ChunkBytes
	if totalChunks == 0 {
		totalChunks = 1
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	metaCT, metaNonce, err := c.engine.Encrypt(peerID, metaJSON)
	if err != nil {
		return err
	}

	transferID := uuid.New().String()
	start := protocol.New(protocol.TypeImageStart)
	start.FromID = c.UserID()
	start.ToID = peerID
	start.ImageID = transferID
	start.TotalChunks = totalChunks
	start.FileSize = meta.FileSize
	start.EncryptedData = metaCT
	start.Nonce = metaNonce
	if err := c.send(start); err != nil {
		return err
	}

	for n := 0; n < totalChunks; n++ {
		select {
		case <-c.quit:
			return ErrNotConnected
		default:
		}

		// Stay inside the server's chunk budget.
		if err := c.transfers.limiter.Wait(context.Background()); err != nil {
			return err
		}

		lo := n * ChunkBytes
		hi := lo + ChunkBytes
		if hi > len(data) {
			hi = len(data)
		}
		ct, nonce, err := c.engine.Encrypt(peerID, data[lo:hi])
		if err != nil {
			return err
		}
		chunk := protocol.New(protocol.TypeImageChunk)
		chunk.FromID = c.UserID()
		chunk.ToID = peerID
		chunk.ImageID = transferID
		chunk.ChunkNumber = protocol.Int(n)
		chunk.EncryptedData = ct
		chunk.Nonce = nonce
		if err := c.send(chunk); err != nil {
			return err
		}
		if c.callbacks.OnFileProgress != nil {
			c.callbacks.OnFileProgress(transferID, n+1, totalChunks)
		}
	}

	end := protocol.New(protocol.TypeImageEnd)
	end.FromID = c.UserID()
	end.ToID = peerID
	end.ImageID = transferID
	return c.send(end)
}

// handleStart allocates receive state. A sender may only have one
// transfer in flight at a time.
func (m *transferManager) handleStart(msg *protocol.Message) {
	meta, err := m.decryptMetadata(msg)
	if err != nil {
		slog.Debug("transfer metadata decrypt failed", "from", msg.FromID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.incoming[msg.FromID]; busy {
		if m.client.callbacks.OnError != nil {
			m.client.callbacks.OnError(string(protocol.KindTransferInProgress),
				"rejected concurrent transfer from the same sender")
		}
		return
	}
	m.incoming[msg.FromID] = &incomingTransfer{
		id:     msg.ImageID,
		fromID: msg.FromID,
		meta:   meta,
		total:  msg.TotalChunks,
		chunks: make([][]byte, msg.TotalChunks),
	}
}

func (m *transferManager) decryptMetadata(msg *protocol.Message) (transferMetadata, error) {
	var meta transferMetadata
	if err := m.client.ensureSession(msg.FromID); err != nil {
		return meta, err
	}
	plaintext, err := m.client.engine.Decrypt(msg.FromID, msg.EncryptedData, msg.Nonce)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(plaintext, &meta); err != nil {
		return meta, err
	}
	meta.Filename = filepath.Base(protocol.SanitizeText(meta.Filename, 255))
	if meta.Filename == "" || meta.Filename == "." || meta.Filename == ".." {
		meta.Filename = "received_file"
	}
	return meta, nil
}

// handleChunk appends a decrypted chunk. Any decrypt failure aborts the
// transfer and drops all accumulated state.
func (m *transferManager) handleChunk(msg *protocol.Message) {
	m.mu.Lock()
	t, ok := m.incoming[msg.FromID]
	m.mu.Unlock()
	if !ok || t.id != msg.ImageID || msg.ChunkNumber == nil {
		return
	}
	n := *msg.ChunkNumber
	if n < 0 || n >= t.total {
		m.abort(msg.FromID)
		return
	}

	plaintext, err := m.client.engine.Decrypt(msg.FromID, msg.EncryptedData, msg.Nonce)
	if err != nil {
		slog.Debug("chunk decrypt failed, aborting transfer", "from", msg.FromID, "chunk", n)
		m.abort(msg.FromID)
		return
	}

	m.mu.Lock()
	if t.chunks[n] == nil {
		t.received += int64(len(plaintext))
	}
	t.chunks[n] = plaintext
	m.mu.Unlock()
}

// handleEnd verifies the byte count against the advertised size and
// persists the file.
func (m *transferManager) handleEnd(msg *protocol.Message) {
	m.mu.Lock()
	t, ok := m.incoming[msg.FromID]
	if ok {
		delete(m.incoming, msg.FromID)
	}
	m.mu.Unlock()
	if !ok || t.id != msg.ImageID {
		return
	}

	if t.received != t.meta.FileSize {
		slog.Debug("transfer size mismatch", "from", msg.FromID, "expected", t.meta.FileSize, "got", t.received)
		return
	}

	if err := os.MkdirAll(m.downloadDir, 0o700); err != nil {
		return
	}
	path := filepath.Join(m.downloadDir, t.meta.Filename)
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	for _, chunk := range t.chunks {
		if chunk == nil {
			continue
		}
		if _, err := f.Write(chunk); err != nil {
			return
		}
	}

	if m.client.callbacks.OnFileReceived != nil {
		m.client.callbacks.OnFileReceived(m.client.nicknameFor(msg.FromID), path, t.meta.FileSize)
	}
}

// abort drops all state for a sender's transfer.
func (m *transferManager) abort(fromID string) {
	m.mu.Lock()
	delete(m.incoming, fromID)
	m.mu.Unlock()
}
