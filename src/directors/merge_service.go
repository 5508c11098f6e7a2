package directors

import (
	"context"
	"fmt"

	"branchdb/src/connpool"
	"branchdb/src/dberrors"
	"branchdb/src/engine"
	"branchdb/src/layout"
	"branchdb/src/models"
	"branchdb/src/settings"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

/*

A merge moves through Checking, Applying and then Done or Failed. While
Checking, both change logs are read and compared; nothing is written. While
Applying, the unmerged source entries run against every tenant of the target
inside per-tenant transactions, and the target's change log is appended to
only once all tenants committed. The target's mutation section is held
throughout, so no other schema change can interleave.

*/

type MergeService struct {
	layout   *layout.Layout
	store    engine.BranchStore
	changes  engine.ChangeLogStore
	sections *engine.MutationSection
	applier  *tenantApplier
	metrics  *MergeCollector
	clock    clock.Clock
	settings *settings.Arguments
	logger   *zap.SugaredLogger
}

func NewMergeService(l *layout.Layout, registry *connpool.Registry, store engine.BranchStore, changes engine.ChangeLogStore,
	sections *engine.MutationSection, metrics *MergeCollector, clk clock.Clock,
	settings *settings.Arguments, logger *zap.SugaredLogger) *MergeService {
	if metrics == nil {
		metrics = NewMergeCollector()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &MergeService{
		layout:   l,
		store:    store,
		changes:  changes,
		sections: sections,
		applier:  &tenantApplier{layout: l, registry: registry, logger: logger},
		metrics:  metrics,
		clock:    clk,
		settings: settings,
		logger:   logger,
	}
}

// CanMerge reports whether source can be merged into target without
// touching either branch.
func (s *MergeService) CanMerge(ctx context.Context, database, source, target string) (models.MergeCheck, error) {
	if err := ctx.Err(); err != nil {
		return models.MergeCheck{}, dberrors.FromContext(err)
	}
	sourceKey, targetKey, err := s.resolve(database, source, target)
	if err != nil {
		return models.MergeCheck{}, err
	}
	return s.check(sourceKey, targetKey)
}

func (s *MergeService) resolve(database, source, target string) (layout.BranchKey, layout.BranchKey, error) {
	sourceKey := layout.BranchKey{Database: database, Branch: source}
	targetKey := layout.BranchKey{Database: database, Branch: target}
	if err := requireBranch(s.layout, sourceKey); err != nil {
		return sourceKey, targetKey, err
	}
	if err := requireBranch(s.layout, targetKey); err != nil {
		return sourceKey, targetKey, err
	}
	if source == target {
		return sourceKey, targetKey, fmt.Errorf("cannot merge branch %q into itself: %w", source, dberrors.NotValid)
	}
	return sourceKey, targetKey, nil
}

func (s *MergeService) check(source, target layout.BranchKey) (models.MergeCheck, error) {
	sourceLog, err := s.changes.ReadAll(source)
	if err != nil {
		return models.MergeCheck{}, err
	}
	targetLog, err := s.changes.ReadAll(target)
	if err != nil {
		return models.MergeCheck{}, err
	}
	return engine.PlanMerge(source.Branch, target.Branch, sourceLog, targetLog), nil
}

// Merge replays the unmerged entries of source onto every tenant of target
// and records them in target's change log. With dryRun the statements are
// computed and returned without changing anything. A refused merge fails
// with a MergeConflictError naming the target entries source lacks.
func (s *MergeService) Merge(ctx context.Context, database, source, target string, dryRun bool) (*models.MergeResult, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	sourceKey, targetKey, err := s.resolve(database, source, target)
	if err != nil {
		return nil, err
	}
	if err := s.sections.Lock(ctx, targetKey); err != nil {
		return nil, err
	}
	defer s.sections.Unlock(targetKey)
	if _, _, err := s.resolve(database, source, target); err != nil {
		return nil, err
	}

	result := &models.MergeResult{State: models.MergeChecking, DryRun: dryRun}
	check, err := s.check(sourceKey, targetKey)
	if err != nil {
		return s.fail(result, "error", err)
	}
	result.Check = check
	if !check.Mergeable {
		return s.fail(result, "conflict", engine.ConflictError(check))
	}

	if check.MergeType == models.FastForward && check.ChangeCount > 0 {
		// The tail past the last shared entry is what gets replayed.
		tail, err := s.changes.ReadSince(sourceKey, check.SharedSequence)
		if err != nil {
			return s.fail(result, "error", err)
		}
		if len(tail) < len(check.Unmerged) {
			return s.fail(result, "conflict", fmt.Errorf("log of %q shrank while merging: %w", source, dberrors.Conflict))
		}
		for i, e := range check.Unmerged {
			if tail[i].ID != e.ID {
				return s.fail(result, "conflict", fmt.Errorf("log of %q changed while merging: %w", source, dberrors.Conflict))
			}
		}
		check.Unmerged = tail[:len(check.Unmerged)]
		result.Check = check
	}

	result.Statements = engine.StatementsFor(check.Unmerged)
	result.Tenants, err = s.layout.ListTenants(targetKey)
	if err != nil {
		return s.fail(result, "error", err)
	}
	if dryRun || check.ChangeCount == 0 {
		result.State = models.MergeDone
		if !dryRun {
			s.metrics.merges.WithLabelValues("up_to_date").Inc()
		}
		return result, nil
	}

	result.State = models.MergeApplying
	started := s.clock.Now()
	s.logger.Infof("Merging %d change(s) from %s into %s (%s) across %d tenant(s)",
		check.ChangeCount, source, target, check.MergeType, len(result.Tenants))

	if _, err := s.applier.Apply(ctx, targetKey, check.Unmerged); err != nil {
		s.logger.Warnf("Merge of %s into %s rolled back: %v", source, target, err)
		return s.fail(result, "rolled_back", err)
	}

	replayed := make([]models.ChangeEntry, 0, len(check.Unmerged))
	for _, e := range check.Unmerged {
		e.MergedFrom = source
		e.UpdatedAt = s.clock.Now().UTC()
		replayed = append(replayed, e)
	}
	applied, err := s.changes.AppendAll(targetKey, replayed)
	if err != nil {
		s.logger.Errorf("Merged %s into %s on every tenant but failed to record it: %v", source, target, err)
		return s.fail(result, "error", err)
	}

	if err := touchBranch(s.store, targetKey, s.clock.Now().UTC(), nil); err != nil {
		s.logger.Warnf("Merge into %s recorded but its metadata was not updated: %v", target, err)
	}

	result.Applied = applied
	result.State = models.MergeDone
	s.metrics.merges.WithLabelValues("merged").Inc()
	s.metrics.replayed.Add(float64(len(applied)))
	s.metrics.duration.Observe(s.clock.Now().Sub(started).Seconds())
	s.logger.Infof("Merged %s into %s", source, target)
	return result, nil
}

func (s *MergeService) fail(result *models.MergeResult, outcome string, err error) (*models.MergeResult, error) {
	result.State = models.MergeFailed
	s.metrics.merges.WithLabelValues(outcome).Inc()
	return result, err
}
