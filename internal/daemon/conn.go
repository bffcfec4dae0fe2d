package daemon

import (
	"net"
	"time"

	"github.com/re-cinq/loom/internal/ipc"
)

// handleConn services one client connection: it reads a single Request
// frame and, for Ping/Stop, replies once and returns; for the two
// Subscribe* requests it streams responses until the client disconnects
// or shutdown begins (§6.3).
func (d *Daemon) handleConn(conn net.Conn) {
	metricsConnGauge(1)
	defer metricsConnGauge(-1)
	defer conn.Close()

	req, err := ipc.ReadRequest(conn)
	if err != nil {
		ipc.WriteFrame(conn, ipc.Error(ipc.ErrKindBadRequest, "malformed request: %s", err))
		return
	}

	switch req.Type {
	case ipc.ReqPing:
		ipc.WriteFrame(conn, ipc.Pong())

	case ipc.ReqStop:
		d.Stop(req.KillSessions)
		ipc.WriteFrame(conn, ipc.Ok())

	case ipc.ReqSubscribeStatus:
		d.streamStatus(conn)

	case ipc.ReqSubscribeLogs:
		d.streamLogs(conn)

	default:
		ipc.WriteFrame(conn, ipc.Error(ipc.ErrKindBadRequest, "unknown request type: %s", req.Type))
	}
}

// streamStatus pushes one StatusUpdate per second until the connection
// breaks or shutdown begins (§6.3: "streamed once per second per
// subscriber"). Each tick reads a single atomic graph snapshot (§5
// Ordering guarantees: "no cross-subscriber ordering guarantee" beyond
// that).
func (d *Daemon) streamStatus(conn net.Conn) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		stopping := d.stopping
		d.mu.Unlock()
		if stopping {
			return
		}

		stages, sessions, generatedAt := d.snapshot()
		if err := ipc.WriteFrame(conn, ipc.StatusUpdate(stages, sessions, generatedAt)); err != nil {
			return
		}

		<-ticker.C
	}
}

// snapshot loads the current stage/session state directly from the
// store, the same source of truth the orchestrator's own reconcile step
// reads (§9: "the state directory is the global state").
func (d *Daemon) snapshot() ([]ipc.StageInfo, []ipc.SessionInfo, time.Time) {
	now := time.Now().UTC()

	stages, err := d.Orch.Store.LoadStages()
	if err != nil {
		return nil, nil, now
	}

	stageInfos := make([]ipc.StageInfo, 0, len(stages))
	sessionInfos := make([]ipc.SessionInfo, 0, len(stages))
	for _, s := range stages {
		info := ipc.StageInfo{
			ID:          s.ID,
			Status:      string(s.Status),
			Merged:      s.Merged,
			Depth:       s.Depth,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		}
		if s.SessionID != "" {
			if sess, err := d.Orch.Store.LoadSession(s.SessionID); err == nil {
				info.PID = sess.PID
				info.ContextPercent = sess.ContextPercent
				sessionInfos = append(sessionInfos, ipc.SessionInfo{
					ID:             sess.ID,
					StageID:        sess.StageID,
					Kind:           string(sess.Kind),
					Status:         string(sess.Status),
					PID:            sess.PID,
					ContextPercent: sess.ContextPercent,
				})
			}
		}
		stageInfos = append(stageInfos, info)
	}

	return stageInfos, sessionInfos, now
}

// streamLogs replays buffered log lines and then tails new ones as they
// arrive, until the client disconnects or shutdown begins.
func (d *Daemon) streamLogs(conn net.Conn) {
	sub := d.logHub.subscribe()
	defer d.logHub.unsubscribe(sub)

	for _, line := range sub.backlog {
		if err := ipc.WriteFrame(conn, ipc.LogLine(line.Ts, line.Level, line.Text)); err != nil {
			return
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-sub.ch:
			if !ok {
				return
			}
			if err := ipc.WriteFrame(conn, ipc.LogLine(line.Ts, line.Level, line.Text)); err != nil {
				return
			}
		case <-sub.done:
			return
		case <-ticker.C:
			d.mu.Lock()
			stopping := d.stopping
			d.mu.Unlock()
			if stopping {
				return
			}
		}
	}
}
