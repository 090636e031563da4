package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"
)

// MemoryStore is an in-memory core.IBotStore for tests. Documents are
// deep-copied through JSON so callers cannot alias stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	bots        map[string]string // botID -> JSON document
	performance map[string]string
	audit       []*core.KeyAuditEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:        make(map[string]string),
		performance: make(map[string]string),
	}
}

func (m *MemoryStore) SaveBot(_ context.Context, bot *core.Bot) error {
	data, err := json.Marshal(bot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[bot.ID] = string(data)
	return nil
}

func (m *MemoryStore) GetBot(_ context.Context, botID string) (*core.Bot, error) {
	m.mu.RLock()
	data, ok := m.bots[botID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrBotNotFound
	}
	var bot core.Bot
	if err := json.Unmarshal([]byte(data), &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

func (m *MemoryStore) DeleteBot(_ context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[botID]; !ok {
		return apperrors.ErrBotNotFound
	}
	delete(m.bots, botID)
	delete(m.performance, botID)
	return nil
}

func (m *MemoryStore) ListBots(ctx context.Context, userID string) ([]*core.Bot, error) {
	return m.filterBots(func(b *core.Bot) bool { return b.UserID == userID })
}

func (m *MemoryStore) ListBotsByState(ctx context.Context, state core.BotState) ([]*core.Bot, error) {
	return m.filterBots(func(b *core.Bot) bool { return b.State == state })
}

func (m *MemoryStore) filterBots(keep func(*core.Bot) bool) ([]*core.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bots []*core.Bot
	for _, data := range m.bots {
		var bot core.Bot
		if err := json.Unmarshal([]byte(data), &bot); err != nil {
			return nil, err
		}
		if keep(&bot) {
			bots = append(bots, &bot)
		}
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	return bots, nil
}

func (m *MemoryStore) SavePerformance(_ context.Context, snap *core.PerformanceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performance[snap.BotID] = string(data)
	return nil
}

func (m *MemoryStore) GetPerformance(_ context.Context, botID string) (*core.PerformanceSnapshot, error) {
	m.mu.RLock()
	data, ok := m.performance[botID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var snap core.PerformanceSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryStore) AppendKeyAudit(_ context.Context, ev *core.KeyAuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *ev
	m.audit = append(m.audit, &copied)
	return nil
}

func (m *MemoryStore) ListKeyAudit(_ context.Context, userID string, limit int) ([]*core.KeyAuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*core.KeyAuditEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].UserID != userID {
			continue
		}
		copied := *m.audit[i]
		events = append(events, &copied)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}
