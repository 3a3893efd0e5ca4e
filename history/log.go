package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

const genesisHash = "0"

type Log struct {
	mu      sync.RWMutex
	windows []Window
}

func NewLog() *Log {
	return &Log{}
}

// Append chains w to the log. Index, PrevHash, Hash and a zero Timestamp
// are filled in; w.Index must be the successor of the last index, or 1 for
// the first window.
func (l *Log) Append(w Window) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.Timestamp == 0 {
		w.Timestamp = time.Now().Unix()
	}
	if len(l.windows) == 0 {
		w.PrevHash = genesisHash
		if w.Index != 1 {
			return fmt.Errorf("invalid window: first index must be 1, got %d", w.Index)
		}
	} else {
		w.PrevHash = l.windows[len(l.windows)-1].Hash
	}
	w.Hash = calculateHash(w)

	if len(l.windows) > 0 {
		if err := validate(w, l.windows[len(l.windows)-1]); err != nil {
			return fmt.Errorf("invalid window: %w", err)
		}
	}
	l.windows = append(l.windows, w)
	return nil
}

// Last returns the most recently completed window.
func (l *Log) Last() (Window, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.windows) == 0 {
		return Window{}, fmt.Errorf("history is empty")
	}
	return l.windows[len(l.windows)-1], nil
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Windows returns a copy of all entries in order.
func (l *Log) Windows() []Window {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Window(nil), l.windows...)
}

// TotalIterations sums the sub-iterations of all windows.
func (l *Log) TotalIterations() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, w := range l.windows {
		total += w.Iterations
	}
	return total
}

// Verify checks the hash chain and the ordering of the whole log.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, current := range l.windows {
		if i == 0 {
			if current.PrevHash != genesisHash || current.Hash != calculateHash(current) {
				return fmt.Errorf("invalid first window")
			}
			continue
		}
		if err := validate(current, l.windows[i-1]); err != nil {
			return fmt.Errorf("window %d invalid: %w", current.Index, err)
		}
	}
	return nil
}

func validate(current, previous Window) error {
	if current.Index != previous.Index+1 {
		return fmt.Errorf("invalid index: expected %d, got %d", previous.Index+1, current.Index)
	}
	if current.Start < previous.Start {
		return fmt.Errorf("start time %g before previous start %g", current.Start, previous.Start)
	}
	if current.PrevHash != previous.Hash {
		return fmt.Errorf("invalid prev hash: expected %s, got %s", previous.Hash, current.PrevHash)
	}
	if expected := calculateHash(current); current.Hash != expected {
		return fmt.Errorf("invalid hash: expected %s, got %s", expected, current.Hash)
	}
	return nil
}

func calculateHash(w Window) string {
	data := fmt.Sprintf("%d|%x|%x|%d|%t|%t|%d|%s",
		w.Index, w.Start, w.Size, w.Iterations, w.Converged, w.Forced, w.Timestamp, w.PrevHash)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// WriteJSON encodes the log as a JSON array.
func (l *Log) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l.Windows())
}

// ReadJSON decodes a log written by WriteJSON and verifies it.
func ReadJSON(r io.Reader) (*Log, error) {
	var windows []Window
	if err := json.NewDecoder(r).Decode(&windows); err != nil {
		return nil, err
	}
	l := &Log{windows: windows}
	if err := l.Verify(); err != nil {
		return nil, err
	}
	return l, nil
}
