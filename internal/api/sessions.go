// 包 api：会话接口路由，主入口将其挂载到 API_BASE 前缀下
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"geo-cascade/internal/cascade"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"
	"geo-cascade/internal/provider"
	"geo-cascade/internal/session"
)

const maxBody = 1 << 20

var errBadRequest = errors.New("bad request")

type server struct {
	mgr *session.Manager
	reg *provider.Registry
}

// BuildRoutes 构建会话接口路由；reg 为空时 /health 仅报告会话数。
func BuildRoutes(mgr *session.Manager, reg *provider.Registry) *http.ServeMux {
	s := &server{mgr: mgr, reg: reg}
	mux := http.NewServeMux()
	mux.Handle("GET /variants", instrument("variants", s.variants))
	mux.Handle("GET /sessions", instrument("list", s.list))
	mux.Handle("POST /sessions", instrument("create", s.create))
	mux.Handle("GET /sessions/{id}", instrument("get", s.get))
	mux.Handle("DELETE /sessions/{id}", instrument("delete", s.remove))
	mux.Handle("POST /sessions/{id}/select", instrument("select", s.selectLevel))
	mux.Handle("POST /sessions/{id}/confirm", instrument("confirm", s.confirm))
	mux.Handle("POST /sessions/{id}/reset", instrument("reset", s.reset))
	mux.Handle("GET /sessions/{id}/commands", instrument("commands", s.commands))
	mux.Handle("GET /health", instrument("health", s.health))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fn(w, r)
		metrics.RequestsTotal.WithLabelValues(route).Inc()
		metrics.RequestDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	})
}

func (s *server) variants(w http.ResponseWriter, r *http.Request) {
	cat := s.mgr.Catalogue()
	names := cat.Names()
	out := make([]hierarchy.Variant, 0, len(names))
	for _, n := range names {
		v, _ := cat.Lookup(n)
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.mgr.List()})
}

func (s *server) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.mgr.Create(r.Context(), req.Variant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(sess))
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		sess.Wait()
	}
	writeJSON(w, http.StatusOK, view(sess))
}

func (s *server) remove(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// selectLevel 替换某层级的选中集合；wait=true 时等待子层级选项与视图适配完成后再返回。
func (s *server) selectLevel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req selectRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	lvl, err := req.Level.resolve(sess.Variant)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Select(lvl, req.IDs); err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		sess.Wait()
	}
	writeJSON(w, http.StatusOK, view(sess))
}

func (s *server) confirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	snap, err := sess.Confirm()
	if err != nil {
		writeError(w, err)
		return
	}
	if snap != nil && r.URL.Query().Get("wait") == "true" {
		sess.Wait()
	}
	writeJSON(w, http.StatusOK, confirmResult{Confirmed: snap != nil, Snapshot: snap, State: sess.State()})
}

func (s *server) reset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Reset()
	writeJSON(w, http.StatusOK, view(sess))
}

// commands 返回序号大于 since 的地图命令，next 为下一次轮询应携带的 since。
func (s *server) commands(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var since uint64
	if q := r.URL.Query().Get("since"); q != "" {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, errBadRequest)
			return
		}
		since = n
	}
	cmds := sess.Commands(since)
	next := since
	if len(cmds) > 0 {
		next = cmds[len(cmds)-1].Seq
	}
	writeJSON(w, http.StatusOK, commandsResult{Commands: cmds, Next: next})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	res := healthResult{Healthy: true, Providers: []provider.Health{}, Sessions: len(s.mgr.List())}
	if s.reg != nil {
		res.Providers = s.reg.Status()
		res.Healthy = s.reg.Healthy()
	}
	code := http.StatusOK
	if !res.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

func view(s *session.Session) sessionView {
	ds, msg, enabled := s.Display()
	return sessionView{
		ID:       s.ID,
		Variant:  s.Variant,
		Created:  s.Created,
		State:    s.State(),
		Snapshot: s.Snapshot(),
		Overlays: s.Overlays(),
		Display:  displayView{Enabled: enabled, Rasters: ds, Error: msg},
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// statusOf 将领域错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, session.ErrUnknownVariant), errors.Is(err, cascade.ErrUnknownLevel):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cascade.ErrClosed):
		return http.StatusGone
	case errors.Is(err, cascade.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooMany):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		logger.L().Error("api_error", "status", code, "err", err)
	}
	writeJSON(w, code, errorResult{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
