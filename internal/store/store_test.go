package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/re-cinq/loom/internal/model"
)

func TestSaveLoadStageRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	stage := &model.Stage{
		ID: "build-api", Name: "Build API", WorkingDir: ".",
		StageType: model.StageStandard, Status: model.StatusQueued,
		Depth: 1, CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	if err := s.SaveStage(stage); err != nil {
		t.Fatalf("SaveStage: %v", err)
	}

	stages, err := s.LoadStages()
	if err != nil {
		t.Fatalf("LoadStages: %v", err)
	}
	if len(stages) != 1 || stages[0].ID != "build-api" {
		t.Fatalf("LoadStages = %+v, want one stage build-api", stages)
	}
	if stages[0].Status != model.StatusQueued {
		t.Errorf("Status = %s, want queued", stages[0].Status)
	}
}

func TestSaveStageRemovesStaleDepthFile(t *testing.T) {
	s := New(t.TempDir())
	stage := &model.Stage{ID: "a", Name: "A", Depth: 0, CreatedAt: time.Now().UTC()}
	if err := s.SaveStage(stage); err != nil {
		t.Fatalf("SaveStage: %v", err)
	}

	stage.Depth = 2
	if err := s.SaveStage(stage); err != nil {
		t.Fatalf("SaveStage (new depth): %v", err)
	}

	entries, err := os.ReadDir(s.stagesDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stages dir has %d files, want 1 after depth change", len(entries))
	}
	if entries[0].Name() != "02-a.md" {
		t.Errorf("remaining file = %s, want 02-a.md", entries[0].Name())
	}
}

func TestLoadStagesQuarantinesCorruptFile(t *testing.T) {
	s := New(t.TempDir())
	if err := os.MkdirAll(s.stagesDir(), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	badPath := filepath.Join(s.stagesDir(), "00-broken.md")
	if err := os.WriteFile(badPath, []byte("not valid frontmatter at all {{{"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	stages, err := s.LoadStages()
	if err != nil {
		t.Fatalf("LoadStages: %v", err)
	}
	if len(stages) != 0 {
		t.Fatalf("LoadStages returned %d stages, want 0 for a quarantined file", len(stages))
	}
	if _, err := os.Stat(badPath); !os.IsNotExist(err) {
		t.Error("corrupt file was not moved out of the stages directory")
	}

	entries, _ := os.ReadDir(s.stagesDir())
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".md" {
			found = true
		}
	}
	if !found {
		t.Error("no quarantined file found in stages directory")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	sess := &model.Session{ID: "session-abc-1", StageID: "build-api", Kind: model.KindRegular, Status: model.SessionRunning, PID: 1234}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.LoadSession(sess.ID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.PID != 1234 || got.StageID != "build-api" {
		t.Errorf("LoadSession = %+v, want PID=1234 StageID=build-api", got)
	}
}

func TestLoadSessionNotFound(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.LoadSession("missing"); err == nil {
		t.Fatal("LoadSession succeeded for a missing session")
	}
}

func TestNextHandoffSeqIncrements(t *testing.T) {
	s := New(t.TempDir())
	h := &model.Handoff{StageID: "build-api", Body: "handoff body"}

	n1, err := s.NextHandoffSeq("build-api")
	if err != nil || n1 != 1 {
		t.Fatalf("first NextHandoffSeq = %d, %v, want 1, nil", n1, err)
	}
	if _, err := s.SaveHandoff(h, n1); err != nil {
		t.Fatalf("SaveHandoff: %v", err)
	}

	n2, err := s.NextHandoffSeq("build-api")
	if err != nil || n2 != 2 {
		t.Fatalf("second NextHandoffSeq = %d, %v, want 2, nil", n2, err)
	}
}

func TestPIDRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	if err := s.WritePID("build-api", 4242); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, err := s.ReadPID("build-api")
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPID = %d, %v, want 4242, nil", pid, err)
	}
	if err := s.RemovePID("build-api"); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	pid, err = s.ReadPID("build-api")
	if err != nil || pid != 0 {
		t.Fatalf("ReadPID after remove = %d, %v, want 0, nil", pid, err)
	}
}

func TestCompletionMarker(t *testing.T) {
	s := New(t.TempDir())
	if s.IsComplete() {
		t.Fatal("IsComplete() = true before MarkComplete")
	}
	if err := s.MarkComplete(); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if !s.IsComplete() {
		t.Fatal("IsComplete() = false after MarkComplete")
	}
}

func TestReadHeartbeatAbsentIsNotError(t *testing.T) {
	s := New(t.TempDir())
	hb, err := s.ReadHeartbeat("build-api")
	if err != nil || hb != nil {
		t.Fatalf("ReadHeartbeat for missing file = %+v, %v, want nil, nil", hb, err)
	}
}
