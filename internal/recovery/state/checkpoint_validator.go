package state

import (
	"fmt"
	"os"
	"strings"

	"framelabel/internal/core"
)

// CheckpointProblem describes a checkpoint whose artifact no longer matches
// the recorded digest.
type CheckpointProblem struct {
	ItemID string
	Reason string
}

func (p CheckpointProblem) String() string {
	return fmt.Sprintf("%s: %s", p.ItemID, p.Reason)
}

// Verify checks every checkpoint's artifact against its recorded digest.
//
// Checkpoints are never rewritten, so problems are reported, not repaired. An
// operator can rerun with a reset store to regenerate the artifacts.
func (s *Store) Verify() []CheckpointProblem {
	var out []CheckpointProblem
	for _, rec := range s.Records() {
		if p, ok := verifyRecord(rec); !ok {
			out = append(out, p)
		}
	}
	return out
}

func verifyRecord(rec CheckpointRecord) (CheckpointProblem, bool) {
	if strings.TrimSpace(rec.ArtifactPath) == "" {
		return CheckpointProblem{ItemID: rec.ItemID, Reason: "no artifact path recorded"}, false
	}
	data, err := os.ReadFile(rec.ArtifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckpointProblem{ItemID: rec.ItemID, Reason: "artifact missing: " + rec.ArtifactPath}, false
		}
		return CheckpointProblem{ItemID: rec.ItemID, Reason: err.Error()}, false
	}
	if got := core.Digest(data); got != rec.Digest {
		return CheckpointProblem{ItemID: rec.ItemID, Reason: fmt.Sprintf("digest mismatch: have %s, recorded %s", got, rec.Digest)}, false
	}
	return CheckpointProblem{}, true
}
