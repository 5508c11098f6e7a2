package engine

import (
	"fmt"

	"branchdb/src/dberrors"
	"branchdb/src/models"
)

// Entries are matched by id. A copied branch starts with its parent's ids
// and merges carry ids over, so shared history is recognised regardless of
// how sequence numbers drifted apart.

// CommonPrefix returns the number of leading entries a and b share.
func CommonPrefix(a, b []models.ChangeEntry) int {
	n := 0
	for n < len(a) && n < len(b) && a[n].ID == b[n].ID {
		n++
	}
	return n
}

// PlanMerge decides whether sourceLog can be merged into targetLog and
// which source entries would be replayed.
//
// Every entry of the target must also exist in the source; a target entry
// the source lacks means the branches diverged and the merge is refused.
// When the target log is a prefix of the source log the merge is a
// fast-forward, otherwise the missing entries are replayed in source order.
func PlanMerge(source, target string, sourceLog, targetLog []models.ChangeEntry) models.MergeCheck {
	check := models.MergeCheck{
		Source:       source,
		Target:       target,
		CommonPrefix: CommonPrefix(sourceLog, targetLog),
	}
	if check.CommonPrefix > 0 {
		check.SharedSequence = sourceLog[check.CommonPrefix-1].Sequence
	}

	inSource := idSet(sourceLog)
	for _, e := range targetLog {
		if _, ok := inSource[e.ID]; !ok {
			check.Conflicting = append(check.Conflicting, e)
		}
	}
	if len(check.Conflicting) > 0 {
		check.Reason = fmt.Sprintf("%q has %d change(s) not present in %q; reconcile manually",
			target, len(check.Conflicting), source)
		return check
	}

	inTarget := idSet(targetLog)
	for _, e := range sourceLog {
		if _, ok := inTarget[e.ID]; !ok {
			check.Unmerged = append(check.Unmerged, e)
		}
	}

	check.Mergeable = true
	check.ChangeCount = len(check.Unmerged)
	if check.CommonPrefix == len(targetLog) {
		check.MergeType = models.FastForward
	} else {
		check.MergeType = models.Replay
	}
	if check.ChangeCount == 0 {
		check.Reason = "already up to date"
	} else {
		check.Reason = fmt.Sprintf("%d change(s) to apply", check.ChangeCount)
	}
	return check
}

// ConflictError describes a refused merge with the entries that caused it.
func ConflictError(check models.MergeCheck) error {
	changes := make([]dberrors.ConflictingChange, 0, len(check.Conflicting))
	for _, e := range check.Conflicting {
		changes = append(changes, dberrors.ConflictingChange{
			ID:         e.ID,
			Sequence:   e.Sequence,
			Type:       string(e.Type),
			TargetName: e.TargetName,
		})
	}
	return &dberrors.MergeConflictError{
		Source:  check.Source,
		Target:  check.Target,
		Reason:  check.Reason,
		Changes: changes,
	}
}

// CompareLogs reports the entries unique to each side and their shared prefix.
func CompareLogs(left, right string, leftLog, rightLog []models.ChangeEntry) models.Comparison {
	cmp := models.Comparison{
		Left:         left,
		Right:        right,
		CommonPrefix: CommonPrefix(leftLog, rightLog),
		OnlyInLeft:   []models.ChangeEntry{},
		OnlyInRight:  []models.ChangeEntry{},
	}
	inLeft, inRight := idSet(leftLog), idSet(rightLog)
	for _, e := range leftLog {
		if _, ok := inRight[e.ID]; !ok {
			cmp.OnlyInLeft = append(cmp.OnlyInLeft, e)
		}
	}
	for _, e := range rightLog {
		if _, ok := inLeft[e.ID]; !ok {
			cmp.OnlyInRight = append(cmp.OnlyInRight, e)
		}
	}
	return cmp
}

func idSet(entries []models.ChangeEntry) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[e.ID] = struct{}{}
	}
	return set
}
