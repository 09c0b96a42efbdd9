// 包 cascade：层级选择级联（选择 → 下级失效 → 异步加载 → 聚合），以代次标记丢弃过期响应
package cascade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"
	"geo-cascade/internal/provider"
)

// levelStore 持有单个层级的选项与选择。
// 约束：gen 在该层级每次失效或发起新加载时递增，加载完成时代次不一致即为过期响应。
type levelStore struct {
	spec     hierarchy.LevelSpec
	options  []hierarchy.Node
	selected geoid.Set
	loading  bool
	err      string
	gen      uint64
}

func (s *levelStore) clear() {
	s.options = nil
	s.selected = geoid.NewSet()
	s.loading = false
	s.err = ""
	s.gen++
}

// Option configures a Cascade.
type Option func(*Cascade)

// WithLogger replaces the default process logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cascade) {
		if l != nil {
			c.log = l
		}
	}
}

// WithLoadTimeout bounds each level reload.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Cascade) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// 文档注释：层级选择级联
// 背景：各层级选项来自外部数据源，父级变化后旧的下级选项会向用户提供无效子项；因此在任一层级变更时立即清空其下全部层级。
// 约束：
// - 所有状态变更在 mu 内完成，网络请求在锁外执行；
// - 每个异步加载携带发起时的层级代次，完成时代次不一致则丢弃；
// - 订阅者按版本号递增顺序收到快照，被更新版本取代的快照不再通知；回调内不得再调用本级联的变更方法。
type Cascade struct {
	variant hierarchy.Variant
	nodes   provider.HierarchyProvider
	log     *slog.Logger
	timeout time.Duration

	mu          sync.Mutex
	levels      []*levelStore
	locked      bool
	total       float64
	version     uint64
	initialized bool
	closed      bool
	snapshot    *SelectionSnapshot
	subs        map[int]func(State)
	nextSub     int

	emitMu      sync.Mutex
	lastEmitted uint64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(v hierarchy.Variant, nodes provider.HierarchyProvider, opts ...Option) (*Cascade, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cascade{
		variant: v,
		nodes:   nodes,
		log:     logger.L(),
		timeout: 10 * time.Second,
		subs:    map[int]func(State){},
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, spec := range v.Levels {
		c.levels = append(c.levels, &levelStore{spec: spec, selected: geoid.NewSet()})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Cascade) Variant() hierarchy.Variant { return c.variant }

// Initialize 加载第 0 层选项（阻塞至请求完成）。
// 约束：重复调用为空操作；仅当上次加载失败且未锁定时重新请求。加载失败写入第 0 层 Error，不返回错误。
func (c *Cascade) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	root := c.levels[0]
	if c.locked || (c.initialized && root.err == "") {
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	root.gen++
	root.loading = true
	root.err = ""
	gen := root.gen
	st := c.commitLocked()
	c.mu.Unlock()
	c.emit(st)

	c.wg.Add(1)
	c.load(ctx, 0, gen, nil)
	return nil
}

// Select 替换某层级的选择，清空其下全部层级，并在选择非空时异步加载下一层级选项。
// 约束：锁定状态、未知层级、父级无选择时同步拒绝，状态不变。
func (c *Cascade) Select(level hierarchy.Level, ids geoid.Set) error {
	c.mu.Lock()
	if err := c.checkSelectLocked(level); err != nil {
		c.mu.Unlock()
		return err
	}
	c.levels[level].selected = ids.Clone()
	c.invalidateBelow(level)

	var child hierarchy.Level = -1
	var gen uint64
	var parents []geoid.ID
	if !ids.Empty() && c.variant.Has(level.Next()) {
		child = level.Next()
		cs := c.levels[child]
		cs.loading = true
		gen = cs.gen
		parents = ids.Sorted()
	}
	st := c.commitLocked()
	c.mu.Unlock()

	c.log.Debug("cascade_select", "variant", c.variant.Name, "level", c.levels[level].spec.Name, "ids", len(ids), "version", st.Version)
	c.emit(st)
	if child >= 0 {
		c.wg.Add(1)
		go c.load(c.ctx, child, gen, parents)
	}
	return nil
}

func (c *Cascade) checkSelectLocked(level hierarchy.Level) error {
	if c.closed {
		return ErrClosed
	}
	if !c.variant.Has(level) {
		return &TransitionError{Op: "select", Level: level, Err: ErrUnknownLevel}
	}
	if c.locked {
		return &TransitionError{Op: "select", Level: level, Err: ErrLocked}
	}
	if level > 0 && c.levels[level-1].selected.Empty() {
		return &TransitionError{Op: "select", Level: level, Err: ErrParentNotSelected}
	}
	return nil
}

// invalidateBelow 清空 level 以下全部层级的选择与选项，并使其在途加载失效。
func (c *Cascade) invalidateBelow(level hierarchy.Level) {
	for k := int(level) + 1; k < len(c.levels); k++ {
		c.levels[k].clear()
	}
}

// load 拉取层级 k 的选项；parents 为空时拉取根层级。
func (c *Cascade) load(ctx context.Context, k hierarchy.Level, gen uint64, parents []geoid.ID) {
	defer c.wg.Done()
	spec := c.levels[k].spec
	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	c.log.Debug("level_reload_begin", "variant", c.variant.Name, "level", spec.Name, "parents", len(parents), "gen", gen)

	var nodes []hierarchy.Node
	var err error
	if k == 0 {
		nodes, err = c.nodes.Roots(lctx, spec.Name)
	} else {
		nodes, err = c.nodes.Children(lctx, spec.Name, parents)
	}

	c.mu.Lock()
	ls := c.levels[k]
	if c.closed || ls.gen != gen {
		c.mu.Unlock()
		metrics.StaleResponsesTotal.WithLabelValues("reload").Inc()
		c.log.Debug("level_reload_stale", "variant", c.variant.Name, "level", spec.Name, "gen", gen)
		return
	}
	ls.loading = false
	if err != nil {
		ls.options = []hierarchy.Node{}
		ls.err = err.Error()
		metrics.LevelReloadsTotal.WithLabelValues(spec.Name, "error").Inc()
		c.log.Warn("level_reload_error", "variant", c.variant.Name, "level", spec.Name, "err", err)
	} else {
		if nodes == nil {
			nodes = []hierarchy.Node{}
		}
		ls.options = nodes
		ls.err = ""
		metrics.LevelReloadsTotal.WithLabelValues(spec.Name, "ok").Inc()
		c.log.Debug("level_reload_ok", "variant", c.variant.Name, "level", spec.Name, "options", len(nodes))
	}
	st := c.commitLocked()
	c.mu.Unlock()
	c.emit(st)
}

// Confirm 冻结当前选择并锁定级联。
// 约束：末级选择为空时返回 nil 且不锁定；任一层级仍在加载时拒绝；已锁定时返回已冻结的快照。
// 锁定后不存在在途加载，快照与锁定状态一致。
func (c *Cascade) Confirm() (*SelectionSnapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.locked {
		snap := c.snapshot
		c.mu.Unlock()
		return snap, nil
	}
	if c.levels[c.variant.Terminal()].selected.Empty() {
		c.mu.Unlock()
		return nil, nil
	}
	for i, ls := range c.levels {
		if ls.loading {
			c.mu.Unlock()
			return nil, &TransitionError{Op: "confirm", Level: hierarchy.Level(i), Err: ErrLevelLoading}
		}
	}
	cur := c.viewLocked()
	snap := &SelectionSnapshot{Variant: c.variant.Name, AggregateTotal: cur.AggregateTotal, ConfirmedAt: time.Now()}
	for _, lv := range cur.Levels {
		sel := lv.SelectedSet()
		sl := SnapshotLevel{Level: lv.Level, Name: lv.Name, Nodes: []hierarchy.Node{}}
		for _, n := range lv.Options {
			if sel.Has(n.ID) {
				sl.Nodes = append(sl.Nodes, n)
				delete(sel, n.ID)
			}
		}
		snap.Levels = append(snap.Levels, sl)
	}
	c.locked = true
	c.snapshot = snap
	st := c.commitLocked()
	c.mu.Unlock()

	c.log.Info("cascade_confirmed", "variant", c.variant.Name, "aggregate_total", snap.AggregateTotal)
	c.emit(st)
	return snap, nil
}

// Reset 清空全部选择与第 0 层以外的选项并解除锁定；第 0 层选项保留，不重新请求。
func (c *Cascade) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.levels[0].selected = geoid.NewSet()
	c.invalidateBelow(0)
	c.locked = false
	c.snapshot = nil
	st := c.commitLocked()
	c.mu.Unlock()

	c.log.Debug("cascade_reset", "variant", c.variant.Name, "version", st.Version)
	c.emit(st)
}

// State 返回当前快照。
func (c *Cascade) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Snapshot 返回确认时冻结的结果，未锁定时为 nil。
func (c *Cascade) Snapshot() *SelectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscribe 注册状态回调并立即推送当前状态；返回取消函数。
func (c *Cascade) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	st := c.viewLocked()
	c.mu.Unlock()

	c.emitMu.Lock()
	switch {
	case st.Version > c.lastEmitted:
		c.deliverLocked(st)
	case st.Version == c.lastEmitted:
		fn(st)
	}
	c.emitMu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Wait 阻塞至全部在途加载结束（含被丢弃的过期响应）。
func (c *Cascade) Wait() { c.wg.Wait() }

// Close 停止接受状态变更并取消在途请求；在途响应到达后被丢弃。
func (c *Cascade) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.subs = map[int]func(State){}
	c.mu.Unlock()
	c.cancel()
}

// commitLocked 重新计算聚合值并递增版本，返回新快照。
func (c *Cascade) commitLocked() State {
	c.version++
	st := c.viewLocked()
	c.total = Aggregate(st.Levels)
	st.AggregateTotal = c.total
	metrics.AggregateRecomputeTotal.Inc()
	return st
}

func (c *Cascade) viewLocked() State {
	st := State{Variant: c.variant.Name, Version: c.version, Locked: c.locked, AggregateTotal: c.total}
	for i, ls := range c.levels {
		st.Levels = append(st.Levels, LevelView{
			Level:    hierarchy.Level(i),
			Name:     ls.spec.Name,
			Measured: ls.spec.Measured,
			Options:  append([]hierarchy.Node{}, ls.options...),
			Selected: ls.selected.Sorted(),
			Loading:  ls.loading,
			Error:    ls.err,
		})
	}
	return st
}

func (c *Cascade) emit(st State) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if st.Version <= c.lastEmitted {
		return
	}
	c.deliverLocked(st)
}

// deliverLocked 在持有 emitMu 时向全部订阅者推送 st。
func (c *Cascade) deliverLocked(st State) {
	c.lastEmitted = st.Version
	c.mu.Lock()
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}
