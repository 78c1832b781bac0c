package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is the in-process store driver. Transactions execute one at a time
// under a single mutex, which makes the required serializability over
// balances and transfers immediate: reads see the last committed state and
// writes buffer in an overlay that is applied only when the transaction
// function returns nil.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, overlay: make(map[string]*[]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for key, value := range tx.overlay {
		if value == nil {
			delete(m.data, key)
			continue
		}
		m.data[key] = *value
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() {}

// memTx overlays buffered writes on the committed map. A nil overlay entry
// marks a pending delete.
type memTx struct {
	store   *Memory
	overlay map[string]*[]byte
}

func (t *memTx) lookup(key string) ([]byte, bool) {
	if value, ok := t.overlay[key]; ok {
		if value == nil {
			return nil, false
		}
		return *value, true
	}
	value, ok := t.store.data[key]
	return value, ok
}

func (t *memTx) Get(path Path, dest any) error {
	raw, ok := t.lookup(path.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (t *memTx) Put(path Path, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	t.overlay[path.String()] = &raw
	return nil
}

func (t *memTx) Create(path Path, value any) error {
	if _, ok := t.lookup(path.String()); ok {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	return t.Put(path, value)
}

func (t *memTx) Delete(path Path) error {
	key := path.String()
	if _, ok := t.lookup(key); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	t.overlay[key] = nil
	return nil
}

func (t *memTx) List(prefix Path) ([]Entry, error) {
	lead := prefix.String() + "/"
	merged := make(map[string][]byte)
	for key, value := range t.store.data {
		if strings.HasPrefix(key, lead) {
			merged[key] = value
		}
	}
	for key, value := range t.overlay {
		if !strings.HasPrefix(key, lead) {
			continue
		}
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = *value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, Entry{Path: ParsePath(key), Value: merged[key]})
	}
	return entries, nil
}
