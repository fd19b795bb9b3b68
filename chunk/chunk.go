// Package chunk splits arbitrary payloads into bounded framed pieces for
// a message-oriented channel and reassembles them from out-of-order,
// duplicated arrivals.
package chunk

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultChunkSize bounds the base64 text carried per frame.
const DefaultChunkSize = 8000

// Frame kinds. Text and file are application payloads; key carries a
// wrapped session key for transports whose signaling cannot.
const (
	KindText = "text"
	KindFile = "file"
	KindKey  = "key"
)

// Frame is one piece of a chunked message.
type Frame struct {
	Type       string `json:"type"`
	MsgID      string `json:"msg_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkTotal int    `json:"chunk_total"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
}

// Message is a fully reassembled payload.
type Message struct {
	Kind    string
	Payload []byte
	Name    string
}

// Split base64-encodes the payload and cuts it into frames of at most
// size characters. A payload that fits in one frame still goes through
// the same path with chunk_total == 1.
func Split(kind string, payload []byte, name string, size int) []Frame {
	if size <= 0 {
		size = DefaultChunkSize
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	total := (len(encoded) + size - 1) / size
	if total == 0 {
		total = 1
	}

	id := uuid.NewString()
	frames := make([]Frame, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * size
		if end > len(encoded) {
			end = len(encoded)
		}
		frames = append(frames, Frame{
			Type:       kind,
			MsgID:      id,
			ChunkIndex: i,
			ChunkTotal: total,
			Content:    encoded[i*size : end],
			Name:       name,
		})
	}
	return frames
}

type pending struct {
	kind     string
	name     string
	total    int
	received map[int]string
}

// Assembler buffers frames per message id until all chunks arrived, then
// delivers the payload exactly once. One Assembler serves one peer.
type Assembler struct {
	mu      sync.Mutex
	pending map[string]*pending
	done    map[string]struct{}
}

func NewAssembler() *Assembler {
	return &Assembler{
		pending: make(map[string]*pending),
		done:    make(map[string]struct{}),
	}
}

// Receive folds one frame into the buffer. It returns a non-nil Message
// exactly once per msg_id, when the last missing chunk arrives. Duplicate
// chunks and frames for already-delivered messages are silently dropped.
func (a *Assembler) Receive(f Frame) (*Message, error) {
	if f.ChunkTotal < 1 || f.ChunkIndex < 0 || f.ChunkIndex >= f.ChunkTotal {
		return nil, fmt.Errorf("bad chunk header %d/%d for message %s", f.ChunkIndex, f.ChunkTotal, f.MsgID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, delivered := a.done[f.MsgID]; delivered {
		return nil, nil
	}

	p, ok := a.pending[f.MsgID]
	if !ok {
		p = &pending{
			kind:     f.Type,
			name:     f.Name,
			total:    f.ChunkTotal,
			received: make(map[int]string),
		}
		a.pending[f.MsgID] = p
	}
	if f.ChunkTotal != p.total {
		return nil, fmt.Errorf("chunk total changed mid-message %s: %d != %d", f.MsgID, f.ChunkTotal, p.total)
	}
	if _, dup := p.received[f.ChunkIndex]; dup {
		return nil, nil
	}
	p.received[f.ChunkIndex] = f.Content

	if len(p.received) < p.total {
		return nil, nil
	}

	// complete: stitch in index order, decode, forget the buffer
	delete(a.pending, f.MsgID)
	a.done[f.MsgID] = struct{}{}

	indices := make([]int, 0, p.total)
	for i := range p.received {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	var sb strings.Builder
	for _, i := range indices {
		sb.WriteString(p.received[i])
	}
	payload, err := base64.StdEncoding.DecodeString(sb.String())
	if err != nil {
		return nil, errors.New("reassembled payload is not valid base64")
	}
	return &Message{Kind: p.kind, Payload: payload, Name: p.name}, nil
}

// PendingCount reports how many messages are mid-reassembly.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
