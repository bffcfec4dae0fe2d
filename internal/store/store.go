// Package store implements the `.work` state directory (§6.1): loading
// and saving Stage, Session, Handoff, and Heartbeat entities as
// YAML-frontmatter text files (or plain JSON for heartbeats), with the
// atomic write-then-rename contract from internal/fsutil and the
// corrupt-file quarantine behavior required by §7 ("Structural" errors
// are never silently ignored).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/re-cinq/loom/internal/errs"
	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/model"
)

// Store is a handle on one repo's .work directory.
type Store struct {
	RepoDir string
}

// New returns a Store rooted at repoDir's .work directory.
func New(repoDir string) *Store {
	return &Store{RepoDir: repoDir}
}

func (s *Store) workDir() string { return fsutil.WorkDir(s.RepoDir) }

func (s *Store) stagesDir() string      { return fsutil.WorkSubdir(s.RepoDir, "stages") }
func (s *Store) sessionsDir() string    { return fsutil.WorkSubdir(s.RepoDir, "sessions") }
func (s *Store) signalsDir() string     { return fsutil.WorkSubdir(s.RepoDir, "signals") }
func (s *Store) handoffsDir() string    { return fsutil.WorkSubdir(s.RepoDir, "handoffs") }
func (s *Store) heartbeatDir() string   { return fsutil.WorkSubdir(s.RepoDir, "heartbeat") }
func (s *Store) pidsDir() string        { return fsutil.WorkSubdir(s.RepoDir, "pids") }
func (s *Store) verificationsDir() string { return fsutil.WorkSubdir(s.RepoDir, "verifications") }

// --- Stages ---------------------------------------------------------------

// stageFilename returns `<NN>-<id>.md`, the depth-prefixed filename
// convention from §6.1 that keeps `ls` output in launch order.
func stageFilename(depth int, id string) string {
	return fmt.Sprintf("%02d-%s.md", depth, id)
}

// SaveStage persists a stage, removing and replacing any previous
// file for the same id at a different depth (depth changes on reconcile,
// which would otherwise leave two files for one stage).
func (s *Store) SaveStage(stage *model.Stage) error {
	dir := s.stagesDir()
	if err := fsutil.EnsureDir(dir); err != nil {
		return fmt.Errorf("ensuring stages dir: %w", err)
	}

	if err := s.removeStaleStageFiles(stage.ID, stage.Depth); err != nil {
		return err
	}

	data, err := model.RenderFrontmatter(stage, "")
	if err != nil {
		return fmt.Errorf("rendering stage %s: %w", stage.ID, err)
	}

	path := filepath.Join(dir, stageFilename(stage.Depth, stage.ID))
	if err := fsutil.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing stage %s: %w", stage.ID, err)
	}
	return nil
}

func (s *Store) removeStaleStageFiles(id string, keepDepth int) error {
	entries, err := os.ReadDir(s.stagesDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing stages dir: %w", err)
	}
	suffix := "-" + id + ".md"
	keep := stageFilename(keepDepth, id)
	for _, e := range entries {
		name := e.Name()
		if name == keep {
			continue
		}
		if i := strings.Index(name, "-"); i >= 0 && name[i:] == suffix {
			_ = os.Remove(filepath.Join(s.stagesDir(), name))
		}
	}
	return nil
}

// LoadStages reads every stage file in the stages directory. Files that
// fail to parse are quarantined (renamed with a `.corrupt.<ts>` suffix)
// rather than dropped silently or mistaken for absence (§7).
func (s *Store) LoadStages() ([]*model.Stage, error) {
	dir := s.stagesDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing stages dir: %w", err)
	}

	var stages []*model.Stage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		stage, err := loadStageFile(path)
		if err != nil {
			if qerr := quarantine(path); qerr != nil {
				return nil, fmt.Errorf("quarantining corrupt stage file %s: %w", path, qerr)
			}
			continue
		}
		stages = append(stages, stage)
	}

	sort.Slice(stages, func(i, j int) bool { return stages[i].ID < stages[j].ID })
	return stages, nil
}

func loadStageFile(path string) (*model.Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var stage model.Stage
	if _, err := model.ParseFrontmatter(data, &stage); err != nil {
		return nil, &errs.CorruptFileError{Path: path, Cause: err}
	}
	return &stage, nil
}

// quarantine renames a corrupt file out of the directory the orchestrator
// scans, preserving it for inspection instead of deleting it.
func quarantine(path string) error {
	ts := time.Now().UTC().Unix()
	return os.Rename(path, path+".corrupt."+strconv.FormatInt(ts, 10))
}

// --- Sessions --------------------------------------------------------------

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir(), id+".md")
}

func (s *Store) SaveSession(sess *model.Session) error {
	if err := fsutil.EnsureDir(s.sessionsDir()); err != nil {
		return err
	}
	data, err := model.RenderFrontmatter(sess, "")
	if err != nil {
		return fmt.Errorf("rendering session %s: %w", sess.ID, err)
	}
	return fsutil.AtomicWriteFile(s.sessionPath(sess.ID), data, 0o644)
}

func (s *Store) LoadSession(id string) (*model.Session, error) {
	path := s.sessionPath(id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var sess model.Session
	if _, err := model.ParseFrontmatter(data, &sess); err != nil {
		if qerr := quarantine(path); qerr != nil {
			return nil, fmt.Errorf("quarantining corrupt session file %s: %w", path, qerr)
		}
		return nil, &errs.CorruptFileError{Path: path, Cause: err}
	}
	return &sess, nil
}

// --- Signals ---------------------------------------------------------------

// SaveSignal writes signals/<session-id>.md. Unlike stage/session files
// it has no frontmatter — it is pure markdown body meant to be read by
// the agent, not machine-parsed back.
func (s *Store) SaveSignal(sessionID, body string) error {
	if err := fsutil.EnsureDir(s.signalsDir()); err != nil {
		return err
	}
	path := filepath.Join(s.signalsDir(), sessionID+".md")
	return fsutil.AtomicWriteFile(path, []byte(body), 0o644)
}

func (s *Store) SignalPath(sessionID string) string {
	return filepath.Join(s.signalsDir(), sessionID+".md")
}

// --- Handoffs ----------------------------------------------------------

// NextHandoffSeq returns the next `<stage-id>-handoff-NNN.md` sequence
// number for a stage, scanning existing files for the highest used.
func (s *Store) NextHandoffSeq(stageID string) (int, error) {
	entries, err := os.ReadDir(s.handoffsDir())
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing handoffs dir: %w", err)
	}
	prefix := stageID + "-handoff-"
	max := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		rest = strings.TrimSuffix(rest, ".md")
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (s *Store) SaveHandoff(h *model.Handoff, seq int) (string, error) {
	if err := fsutil.EnsureDir(s.handoffsDir()); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-handoff-%03d.md", h.StageID, seq)
	data, err := model.RenderFrontmatter(h, h.Body)
	if err != nil {
		return "", fmt.Errorf("rendering handoff for %s: %w", h.StageID, err)
	}
	path := filepath.Join(s.handoffsDir(), name)
	if err := fsutil.AtomicWriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing handoff for %s: %w", h.StageID, err)
	}
	return name, nil
}

// --- Heartbeats ----------------------------------------------------------

func (s *Store) heartbeatPath(stageID string) string {
	return filepath.Join(s.heartbeatDir(), stageID+".json")
}

// ReadHeartbeat reads a stage's heartbeat file. A missing file is not an
// error: it returns (nil, nil), matching §8's "heartbeat file absent but
// PID alive" boundary case.
func (s *Store) ReadHeartbeat(stageID string) (*model.Heartbeat, error) {
	data, err := os.ReadFile(s.heartbeatPath(stageID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading heartbeat for %s: %w", stageID, err)
	}
	var hb model.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		// Heartbeats are written by an external hook script outside
		// loom's control; treat a malformed one as absent rather than
		// quarantining a file loom does not own.
		return nil, nil
	}
	return &hb, nil
}

// --- PIDs ----------------------------------------------------------------

func (s *Store) pidPath(stageID string) string {
	return filepath.Join(s.pidsDir(), stageID+".pid")
}

func (s *Store) WritePID(stageID string, pid int) error {
	if err := fsutil.EnsureDir(s.pidsDir()); err != nil {
		return err
	}
	return fsutil.AtomicWriteFile(s.pidPath(stageID), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (s *Store) ReadPID(stageID string) (int, error) {
	data, err := os.ReadFile(s.pidPath(stageID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading pid for %s: %w", stageID, err)
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (s *Store) RemovePID(stageID string) error {
	err := os.Remove(s.pidPath(stageID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsProcessAlive reports whether pid names a live process, using the
// signal-0 liveness probe (no actual signal delivered).
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// --- Verifications ---------------------------------------------------------

// SaveVerification persists the goal-backward verification result for a
// stage as JSON (§3, §8 property 4): which truth commands ran, exit
// codes, and the artifact/wiring check results.
func (s *Store) SaveVerification(stageID string, v interface{}) error {
	if err := fsutil.EnsureDir(s.verificationsDir()); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling verification for %s: %w", stageID, err)
	}
	path := filepath.Join(s.verificationsDir(), stageID+".json")
	return fsutil.AtomicWriteFile(path, data, 0o644)
}

// --- Completion marker -----------------------------------------------------

// MarkComplete writes the `completion` marker file (§6.1) once every
// stage in the plan is Done.
func (s *Store) MarkComplete() error {
	path := filepath.Join(s.workDir(), "completion")
	return fsutil.AtomicWriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

func (s *Store) IsComplete() bool {
	_, err := os.Stat(filepath.Join(s.workDir(), "completion"))
	return err == nil
}
