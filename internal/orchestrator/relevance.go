package orchestrator

import (
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/re-cinq/loom/internal/gitrepo"
	"github.com/re-cinq/loom/internal/model"
)

// filesRelevant implements the Files-filtered promotion rule documented on
// model.Stage.Files: a stage whose dependencies are all Done is only
// promoted to Queued if at least one of those dependencies' merge commits
// touched a path matching one of the stage's glob patterns. A stage with
// no Files patterns, or no dependencies at all, is always relevant — an
// empty dependency list is schedulable immediately regardless of Files
// (§8 boundary invariant).
//
// Patterns are compiled with the same gitignore-style matcher the teacher
// used for its own path filtering (internal/engine/ignore_test.go), here
// applied as an allow-list instead of a deny-list: MatchesPath reports
// relevance rather than exclusion.
func filesRelevant(repo *gitrepo.Repo, stage *model.Stage, deps map[string]*model.Stage) bool {
	if len(stage.Files) == 0 || len(stage.Dependencies) == 0 {
		return true
	}

	matcher := ignore.CompileIgnoreLines(stage.Files...)

	for _, depID := range stage.Dependencies {
		dep, ok := deps[depID]
		if !ok || dep.MergeCommit == "" {
			continue
		}
		changed, err := repo.FilesChangedInCommit(dep.MergeCommit)
		if err != nil {
			continue
		}
		for _, path := range changed {
			if matcher.MatchesPath(path) {
				return true
			}
		}
	}
	return false
}
