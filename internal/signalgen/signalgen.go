// Package signalgen produces the signal document handed to each agent
// session (§4.F): `signals/<session-id>.md`. The document has four
// sections in a fixed order — a byte-identical stable prefix per
// session kind, a semi-stable section drawn from knowledge files, a
// dynamic section describing current state, and a recitation section
// last (the "attention tail") repeating the immediate task list so it
// is the freshest thing the agent reads.
package signalgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/re-cinq/loom/internal/model"
)

// stablePrefixes holds one canned, byte-identical document per session
// kind. Each encodes isolation rules, forbidden operations, allowed
// paths, and the "the signal is the single source of truth" contract —
// the wording is non-normative per §9's open question on stable-prefix
// text, so these are written in loom's own voice rather than translated
// from any one upstream source.
var stablePrefixes = map[model.SessionKind]string{
	model.KindRegular: strings.TrimLeft(`
# Working agreement

You are operating inside an isolated git worktree dedicated to one stage
of a larger plan. This document is the single source of truth for your
task: treat instructions here as authoritative over any memory of prior
runs.

Rules:
- Make all changes inside this worktree only. Do not touch files outside
  working_dir unless a wiring rule in the dynamic section says otherwise.
- Never run "git merge", "git push", or any command that mutates trunk.
  Integration happens outside this session.
- Never delete or rewrite the signal, handoff, or heartbeat files.
- When you believe the stage is complete, run the acceptance commands
  yourself before reporting completion.
`, "\n"),

	model.KindKnowledge: strings.TrimLeft(`
# Working agreement (knowledge stage)

This session produces reference material consumed by other stages, not
a mergeable code change. There is no worktree branch to integrate: write
your output to the paths named in the dynamic section and stop.

Rules:
- Do not modify application source files.
- Do not run acceptance, truth, or setup commands from other stages.
`, "\n"),

	model.KindMerge: strings.TrimLeft(`
# Working agreement (merge resolution)

You are running in the main repository, not a worktree, with a merge
conflict currently in progress. Resolve the conflicting hunks listed in
the dynamic section, stage the resolution, and leave the merge commit
for the orchestrator to finalize. Do not abort the merge yourself.

Rules:
- Touch only the files listed as conflicted.
- Never run "git merge --abort" or "git reset --hard".
- Never push or fetch.
`, "\n"),

	model.KindBaseConflict: strings.TrimLeft(`
# Working agreement (base conflict)

A synthetic conflict was detected against the integration branch before
any individual stage merge. Resolve it the same way as an ordinary merge
conflict: edit the conflicted files in place, stage them, and stop.

Rules:
- Touch only the files listed as conflicted.
- Never run "git merge --abort" or "git reset --hard".
`, "\n"),

	model.KindRecovery: strings.TrimLeft(`
# Working agreement (recovery)

The previous session for this stage ended without completing: a crash,
a hang, or a context handoff. Read the handoff file named in the dynamic
section first — it carries the real state of the work. Do not restart
from scratch unless the handoff says to.

Rules:
- Make all changes inside this worktree only.
- Never run "git merge", "git push", or any command that mutates trunk.
`, "\n"),
}

// StablePrefix returns the canned document for kind and its SHA-256 hex
// digest, so two sessions of the same kind can be asserted to share it
// (§8 round-trip law) and so the daemon can log the digest for cache
// debugging without embedding the whole document in a log line.
func StablePrefix(kind model.SessionKind) (text string, digest string) {
	text = stablePrefixes[kind]
	sum := sha256.Sum256([]byte(text))
	return text, hex.EncodeToString(sum[:])
}

// DepStatus is one dependency's status as embedded in the dynamic
// section (§4.F: "id + status + merged").
type DepStatus struct {
	ID     string
	Status model.StageStatus
	Merged bool
}

// Input bundles everything the dynamic and recitation sections draw on.
type Input struct {
	Session      *model.Session
	Stage        *model.Stage
	Dependencies []DepStatus
	Knowledge    []KnowledgeFile
	LiveHandoff  string // filename, empty if none
	SandboxNote  string
	Tasks        []string
	MemoryTail   []string // last up-to-10 memory entries
}

// KnowledgeFile is a semi-stable document loaded from a knowledge stage
// artifact, truncated to MaxKnowledgeLines before embedding.
type KnowledgeFile struct {
	Path  string
	Lines []string
}

// MaxKnowledgeLines caps how much of a knowledge file's content the
// semi-stable section embeds.
const MaxKnowledgeLines = 200

// MaxMemoryEntries caps the recitation section's memory tail.
const MaxMemoryEntries = 10

// Render builds the full signal document. Signals carry no YAML
// frontmatter; store.SaveSignal writes this text to disk as-is.
func Render(in Input) string {
	var b strings.Builder

	prefix, digest := StablePrefix(in.Session.Kind)
	b.WriteString(prefix)
	fmt.Fprintf(&b, "\n<!-- stable-prefix-sha256: %s -->\n", digest)

	b.WriteString("\n## Reference material\n\n")
	if len(in.Knowledge) == 0 {
		b.WriteString("(none)\n")
	}
	for _, kf := range in.Knowledge {
		fmt.Fprintf(&b, "### %s\n\n```\n", kf.Path)
		lines := kf.Lines
		truncated := false
		if len(lines) > MaxKnowledgeLines {
			lines = lines[:MaxKnowledgeLines]
			truncated = true
		}
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n```\n")
		if truncated {
			b.WriteString("(truncated)\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Current state\n\n")
	if in.Stage != nil {
		fmt.Fprintf(&b, "Stage: %s (%s) — status=%s merged=%t depth=%d retry_count=%d\n\n",
			in.Stage.ID, in.Stage.Name, in.Stage.Status, in.Stage.Merged, in.Stage.Depth, in.Stage.RetryCount)
	}
	b.WriteString("Dependencies:\n")
	for _, d := range in.Dependencies {
		fmt.Fprintf(&b, "- %s: status=%s merged=%t\n", d.ID, d.Status, d.Merged)
	}
	if in.LiveHandoff != "" {
		fmt.Fprintf(&b, "\nPrior handoff: %s\n", in.LiveHandoff)
	}
	if in.SandboxNote != "" {
		fmt.Fprintf(&b, "\nSandbox: %s\n", in.SandboxNote)
	}

	b.WriteString("\n## Immediate tasks\n\n")
	for _, t := range in.Tasks {
		fmt.Fprintf(&b, "- %s\n", t)
	}

	tail := in.MemoryTail
	if len(tail) > MaxMemoryEntries {
		tail = tail[len(tail)-MaxMemoryEntries:]
	}
	if len(tail) > 0 {
		b.WriteString("\n## Recent memory\n\n")
		for _, m := range tail {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}

	return b.String()
}
