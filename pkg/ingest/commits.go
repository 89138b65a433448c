package ingest

import "fmt"

// CommitPatch is a file's patch as introduced by a single commit of a pull request.
type CommitPatch struct {
	SHA   string
	Patch string
}

// AttributeCommits assigns each ADD operation of diff to the last commit (in PR order)
// whose own patch added the same normalized content. Lines no commit claims keep the
// head commit. Commit patches that fail to parse are reported and skipped.
func AttributeCommits(diff *FileDiff, commits []CommitPatch) error {
	if diff == nil || len(commits) == 0 {
		return nil
	}

	introducedBy := make(map[string]string)

	var skipped []string

	for _, commit := range commits {
		patch, err := ParsePatch(commit.Patch)
		if err != nil {
			skipped = append(skipped, commit.SHA)

			continue
		}

		for _, hunk := range patch.Hunks {
			for _, line := range hunk.Lines {
				if line.Op == OpAdd {
					introducedBy[Normalize(line.Content)] = commit.SHA
				}
			}
		}
	}

	for i := range diff.Ops {
		if diff.Ops[i].Op != OpAdd {
			continue
		}

		if sha, ok := introducedBy[Normalize(diff.Ops[i].Content)]; ok {
			diff.Ops[i].CommitSHA = sha
		}
	}

	if len(skipped) > 0 {
		return fmt.Errorf("%w: unparsable commit patches %v", ErrParse, skipped)
	}

	return nil
}
