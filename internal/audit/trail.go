// Package audit writes the per-run action trail: one JSONL file per run in
// which every record carries the hash of its predecessor.
package audit

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// Trail appends records for a single run. A nil *Trail discards records.
type Trail struct {
	path  string
	runID string

	mu   sync.Mutex
	last model.HashValue
	now  func() time.Time
}

// Open prepares the trail for runID under dir, continuing an existing chain
// if the file is already present.
func Open(dir, runID string) (*Trail, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trail dir: %w", err)
	}
	t := &Trail{
		path:  filepath.Join(dir, runID+".jsonl"),
		runID: runID,
		now:   func() time.Time { return time.Now().UTC() },
	}
	records, err := ReadAll(t.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if n := len(records); n > 0 {
		t.last = records[n-1].RecordHash
	}
	return t, nil
}

// Path returns the trail file location.
func (t *Trail) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Record appends one event.
func (t *Trail) Record(eventType model.TrailEventType, action string, details map[string]any) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := model.TrailRecord{
		Timestamp: t.now(),
		RunID:     t.runID,
		EventType: eventType,
		Action:    action,
		Details:   details,
		PrevHash:  t.last,
	}
	hash, err := recordHash(rec)
	if err != nil {
		return err
	}
	rec.RecordHash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trail record: %w", err)
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trail: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock trail: %w", err)
	}
	defer unlockFile(f)

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write trail record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync trail: %w", err)
	}
	t.last = hash
	return nil
}

// ReadAll loads every record in the trail file.
func ReadAll(path string) ([]model.TrailRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.TrailRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec model.TrailRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, errclass.ErrAuditChainBroken.WithMessagef("%s:%d: malformed record: %v", path, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan trail: %w", err)
	}
	return out, nil
}

// Verify recomputes the hash chain and returns the number of valid records.
func Verify(path string) (int, error) {
	records, err := ReadAll(path)
	if err != nil {
		return len(records), err
	}
	var prev model.HashValue
	for i, rec := range records {
		if rec.PrevHash != prev {
			return i, errclass.ErrAuditChainBroken.WithMessagef("record %d: prev_hash does not match record %d", i+1, i)
		}
		want, err := recordHash(rec)
		if err != nil {
			return i, err
		}
		if rec.RecordHash != want {
			return i, errclass.ErrAuditChainBroken.WithMessagef("record %d: content does not match record_hash", i+1)
		}
		prev = rec.RecordHash
	}
	return len(records), nil
}

func recordHash(rec model.TrailRecord) (model.HashValue, error) {
	rec.RecordHash = ""
	data, err := canonicalJSON(rec)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}

// canonicalJSON re-encodes v through a generic value so that object keys
// come out sorted and numbers keep their original text.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
