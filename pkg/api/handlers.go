package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nat64io/nat64d/pkg/bib"
	"github.com/nat64io/nat64d/pkg/logging"
	"github.com/nat64io/nat64d/pkg/nat64"
)

// pageLimit caps one dump response; clients resume with the offset of
// the last entry they saw.
const pageLimit = 512

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, nat64.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, nat64.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, nat64.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, nat64.ErrForbidden):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathProto(r *http.Request) (nat64.Proto, error) {
	return nat64.ParseProto(r.PathValue("proto"))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"stats":          s.db.Stats(),
	})
}

func (s *Server) countersHandler(w http.ResponseWriter, r *http.Request) {
	type protoCounters struct {
		nat64.Counters
		Pool4TransportAddrs uint64 `json:"pool4_taddrs"`
	}
	out := map[string]protoCounters{}
	for _, proto := range nat64.Protos {
		c, err := s.db.Counters(proto)
		if err != nil {
			writeError(w, err)
			return
		}
		pc := protoCounters{Counters: c}
		if s.pool4 != nil {
			pc.Pool4TransportAddrs = s.pool4.TransportAddrCount(proto)
		}
		out[proto.String()] = pc
	}
	writeJSON(w, http.StatusOK, out)
}

// bibRecord is the dump representation of one binding.
type bibRecord struct {
	Src6   nat64.TransportAddr `json:"src6"`
	Src4   nat64.TransportAddr `json:"src4"`
	Static bool                `json:"static"`
}

func (s *Server) bibListHandler(w http.ResponseWriter, r *http.Request) {
	proto, err := pathProto(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var offset *nat64.TransportAddr
	if o := r.URL.Query().Get("offset"); o != "" {
		var ta nat64.TransportAddr
		if err := ta.UnmarshalText([]byte(o)); err != nil {
			writeError(w, err)
			return
		}
		offset = &ta
	}

	var entries []bibRecord
	errStop := errors.New("page full")
	err = s.db.ForeachBIB(proto, offset, func(e nat64.BIBEntry) error {
		entries = append(entries, bibRecord{Src6: e.Src6, Src4: e.Src4, Static: e.Static})
		if len(entries) >= pageLimit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"more":    errors.Is(err, errStop),
	})
}

func (s *Server) bibAddHandler(w http.ResponseWriter, r *http.Request) {
	proto, err := pathProto(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Src6 nat64.TransportAddr `json:"src6"`
		Src4 nat64.TransportAddr `json:"src4"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nat64.ErrInvalid)
		return
	}

	old, err := s.db.AddStatic(nat64.BIBEntry{
		Src6:  req.Src6,
		Src4:  req.Src4,
		Proto: proto,
	})
	if err != nil {
		if errors.Is(err, nat64.ErrExists) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":    err.Error(),
				"existing": bibRecord{Src6: old.Src6, Src4: old.Src4, Static: old.Static},
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) bibRemoveHandler(w http.ResponseWriter, r *http.Request) {
	proto, err := pathProto(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Src6 nat64.TransportAddr `json:"src6"`
		Src4 nat64.TransportAddr `json:"src4"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nat64.ErrInvalid)
		return
	}

	if err := s.db.Remove(nat64.BIBEntry{Src6: req.Src6, Src4: req.Src4, Proto: proto}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) sessionListHandler(w http.ResponseWriter, r *http.Request) {
	proto, err := pathProto(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var offset *bib.SessionOffset
	q := r.URL.Query()
	if src := q.Get("offset.src"); src != "" {
		var so bib.SessionOffset
		if err := so.Src4.UnmarshalText([]byte(src)); err != nil {
			writeError(w, err)
			return
		}
		if dst := q.Get("offset.dst"); dst != "" {
			if err := so.Dst4.UnmarshalText([]byte(dst)); err != nil {
				writeError(w, err)
				return
			}
		}
		offset = &so
	}

	var sessions []nat64.SessionEntry
	errStop := errors.New("page full")
	err = s.db.ForeachSession(proto, offset, func(se nat64.SessionEntry) error {
		sessions = append(sessions, se)
		if len(sessions) >= pageLimit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		writeError(w, err)
		return
	}

	type sessionView struct {
		nat64.SessionEntry
		StateName string `json:"state_name"`
		TimerName string `json:"timer_name"`
	}
	views := make([]sessionView, len(sessions))
	for i, se := range sessions {
		views[i] = sessionView{
			SessionEntry: se,
			StateName:    se.State.String(),
			TimerName:    se.Timer.String(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"more":     errors.Is(err, errStop),
	})
}

func (s *Server) flushHandler(w http.ResponseWriter, r *http.Request) {
	proto, err := pathProto(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.Flush(proto); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *Server) flushAllHandler(w http.ResponseWriter, r *http.Request) {
	s.db.FlushAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeJSON(w, http.StatusOK, []logging.EventRecord{})
		return
	}
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	filter := logging.EventFilter{
		Proto:  r.URL.Query().Get("proto"),
		Action: r.URL.Query().Get("action"),
	}
	events := s.eventBuf.LatestFiltered(n, filter)
	if events == nil {
		events = []logging.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) syncStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.sync.Stats())
}

func (s *Server) syncAdvertiseHandler(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, nat64.ErrInvalid)
		return
	}
	s.sync.Advertise()
	writeJSON(w, http.StatusOK, map[string]string{"status": "advertised"})
}
