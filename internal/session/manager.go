package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrUnknownVariant = errors.New("session: unknown variant")
	ErrTooMany        = errors.New("session: too many sessions")
)

// 文档注释：会话管理器
// 约束：线程安全；空闲超过 idle 的会话由清理循环关闭；max <= 0 表示不限数量。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cat      *hierarchy.Catalogue
	deps     Deps
	idle     time.Duration
	max      int
}

func NewManager(cat *hierarchy.Catalogue, deps Deps, idle time.Duration, max int) *Manager {
	return &Manager{sessions: map[string]*Session{}, cat: cat, deps: deps, idle: idle, max: max}
}

func (m *Manager) Catalogue() *hierarchy.Catalogue { return m.cat }

// Create 打开一个新会话并加载第 0 层选项。
// 约束：打开期间不持锁，登记前在写锁下复查上限，超限的会话立即关闭。
func (m *Manager) Create(ctx context.Context, variant string) (*Session, error) {
	v, ok := m.cat.Lookup(variant)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	if m.max > 0 && n >= m.max {
		return nil, ErrTooMany
	}
	s, err := Open(ctx, uuid.NewString(), v, m.deps)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.max > 0 && len(m.sessions) >= m.max {
		m.mu.Unlock()
		s.Close(ctx)
		return nil, ErrTooMany
	}
	m.sessions[s.ID] = s
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	return s, nil
}

// Get 返回会话并刷新其最近使用时间。
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.lastUsed = time.Now()
	return s, nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.Close(ctx)
	logger.L().Info("session_closed", "session", id)
	return nil
}

// List 按创建时间返回会话 ID。
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ss := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ss = append(ss, s)
	}
	sort.Slice(ss, func(i, j int) bool { return ss[i].Created.Before(ss[j].Created) })
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}

// Start 启动空闲会话清理循环，ctx 取消时关闭全部会话。
func (m *Manager) Start(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				m.CloseAll(context.Background())
				return
			case <-t.C:
				m.Sweep(ctx, time.Now())
			}
		}
	}()
}

// Sweep 关闭在 now 之前已空闲超过 idle 的会话，返回关闭数量。
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	if m.idle <= 0 {
		return 0
	}
	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if now.Sub(s.lastUsed) > m.idle {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	for _, s := range stale {
		s.Close(ctx)
		logger.L().Info("session_expired", "session", s.ID)
	}
	return len(stale)
}

func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ss := m.sessions
	m.sessions = map[string]*Session{}
	metrics.SessionsActive.Set(0)
	m.mu.Unlock()
	for _, s := range ss {
		s.Close(ctx)
	}
}
