package erpsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/sirupsen/logrus"
)

// RunState is the drift resolver's per-run state machine.
// comparing -> {no_drift | drift_found} -> resolving -> resolved.
type RunState string

const (
	RunStateComparing  RunState = "comparing"
	RunStateNoDrift    RunState = "no_drift"
	RunStateDriftFound RunState = "drift_found"
	RunStateResolving  RunState = "resolving"
	RunStateResolved   RunState = "resolved"
)

// CatalogStore is the central mirror the resolver reads and corrects. The
// snapshot must be key-ordered; corrections apply atomically or not at all.
type CatalogStore interface {
	Snapshot(ctx context.Context, vendorId string) ([]EntryDigest, error)
	ApplyCorrections(ctx context.Context, vendorId string, corrections []Correction) error
}

// EventSink receives the audit events a run emits.
type EventSink interface {
	Record(ctx context.Context, vendorId string, eventType models.ReconciliationEventType, summary models.EventSummary, detail string, durationMs int64) error
}

// LeaseFunc acquires the per-vendor exclusivity lease. The returned release
// runs on every exit path; the underlying lock also expires by TTL so a
// crashed holder cannot wedge a vendor.
type LeaseFunc func(ctx context.Context, vendorId string) (release func(), err error)

// ActiveFunc reports whether the vendor is still eligible mid-walk; a false
// return aborts the run before any correction is applied.
type ActiveFunc func(ctx context.Context, vendorId string) (bool, error)

type Resolver struct {
	Store  CatalogStore
	Events EventSink
	Lease  LeaseFunc
	Active ActiveFunc
	Logger *logrus.Logger

	LeafThreshold    int
	RoundTripTimeout time.Duration
	AutoResolve      bool
}

func NewResolver(store CatalogStore, events EventSink, logger *logrus.Logger) *Resolver {
	leaseTTL := time.Duration(utils.IntFromEnv("RECONCILE_LEASE_TTL_SECONDS", 300)) * time.Second
	return &Resolver{
		Store:  store,
		Events: events,
		Lease: func(ctx context.Context, vendorId string) (func(), error) {
			lock, err := utils.ObtainVendorLock(ctx, vendorId, "reconcile", leaseTTL)
			if err != nil {
				// Contention on the vendor lease is transient: the competing
				// run finishes and the retry goes through.
				return nil, utils.Transient(err)
			}
			return func() { _ = lock.Release(context.Background()) }, nil
		},
		Active: func(ctx context.Context, vendorId string) (bool, error) {
			agent, err := models.GetAgentByVendorId(ctx, vendorId)
			if err != nil {
				return false, err
			}
			return agent.DeactivatedAt == nil, nil
		},
		Logger:           logger,
		LeafThreshold:    utils.IntFromEnv("RECONCILE_LEAF_THRESHOLD", 32),
		RoundTripTimeout: time.Duration(utils.IntFromEnv("RECONCILE_ROUND_TRIP_TIMEOUT_SECONDS", 15)) * time.Second,
		AutoResolve:      config.AutoResolveDrift(),
	}
}

// RunResult summarizes one reconciliation run.
type RunResult struct {
	State         RunState
	ItemsCompared int
	DriftsFound   int
	ItemsResolved int
	Corrections   []Correction
	Duration      time.Duration
}

// Run executes one full reconciliation for a vendor: root digest comparison,
// recursive bisection to localize drift, and (when enabled) atomic correction
// of the central mirror. The ERP side is authoritative throughout.
func (r *Resolver) Run(ctx context.Context, vendorId string, transport AgentTransport) (*RunResult, error) {
	if r.Lease != nil {
		release, err := r.Lease(ctx, vendorId)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	start := time.Now()

	snap, err := r.Store.Snapshot(ctx, vendorId)
	if err != nil {
		return nil, err
	}
	tree := newChecksumTree(snap)

	rootDigest, err := r.fetchChecksum(ctx, transport, tree.node(0).keyRange)
	if err != nil {
		return nil, err
	}
	if rootDigest == tree.digest(0) {
		durMs := time.Since(start).Milliseconds()
		if err := r.Events.Record(ctx, vendorId, models.EventTypeFullChecksum,
			models.EventSummary{}, "root digests match", durMs); err != nil {
			return nil, err
		}
		return &RunResult{State: RunStateNoDrift, Duration: time.Since(start)}, nil
	}

	corrections, itemsCompared, err := r.localize(ctx, vendorId, transport, tree)
	if err != nil {
		return nil, err
	}

	compareMs := time.Since(start).Milliseconds()
	if err := r.Events.Record(ctx, vendorId, models.EventTypeDriftDetected,
		models.EventSummary{ItemsCompared: itemsCompared, DriftsFound: len(corrections)},
		driftDetail(corrections), compareMs); err != nil {
		return nil, err
	}

	result := &RunResult{
		State:         RunStateDriftFound,
		ItemsCompared: itemsCompared,
		DriftsFound:   len(corrections),
		Corrections:   corrections,
		Duration:      time.Since(start),
	}
	if len(corrections) == 0 {
		result.State = RunStateNoDrift
		return result, nil
	}
	if !r.AutoResolve {
		return result, nil
	}

	resolved, err := r.Resolve(ctx, vendorId, corrections)
	if err != nil {
		return nil, err
	}
	result.State = RunStateResolved
	result.ItemsResolved = resolved
	result.Duration = time.Since(start)
	return result, nil
}

// Resolve applies a correction set as one atomic batch and records the
// drift_resolved event. Reapplying an already-correct value is a no-op, so a
// retried batch converges.
func (r *Resolver) Resolve(ctx context.Context, vendorId string, corrections []Correction) (int, error) {
	start := time.Now()
	if err := r.Store.ApplyCorrections(ctx, vendorId, corrections); err != nil {
		// The store rolled the whole batch back; nothing was partially applied.
		return 0, fmt.Errorf("%w: %v", utils.ErrPartialResolutionFailure, err)
	}

	durMs := time.Since(start).Milliseconds()
	if err := r.Events.Record(ctx, vendorId, models.EventTypeDriftResolved,
		models.EventSummary{ItemsResolved: len(corrections)}, "", durMs); err != nil {
		return 0, err
	}

	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":          "DriftResolver",
			"vendor_id":      vendorId,
			"items_resolved": len(corrections),
		}).Info("drift resolved")
	}
	return len(corrections), nil
}

type walkItem struct {
	node  int
	depth int
}

// localize walks the checksum tree: ranges whose digests match on both sides
// are pruned, divergent ranges are bisected until the leaf threshold, where
// entities are compared individually.
func (r *Resolver) localize(ctx context.Context, vendorId string, transport AgentTransport, tree *checksumTree) ([]Correction, int, error) {
	var corrections []Correction
	itemsCompared := 0
	lastDepthChecked := -1

	stack := []walkItem{{node: 0, depth: 0}}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := ctx.Err(); err != nil {
			return nil, 0, utils.Transient(err)
		}
		// One liveness check per tree level: a deactivated vendor aborts the
		// walk before any correction is staged.
		if r.Active != nil && item.depth != lastDepthChecked {
			lastDepthChecked = item.depth
			active, err := r.Active(ctx, vendorId)
			if err != nil {
				return nil, 0, err
			}
			if !active {
				return nil, 0, utils.ErrUnknownAgent
			}
		}

		if item.depth > 0 {
			agentDigest, err := r.fetchChecksum(ctx, transport, tree.node(item.node).keyRange)
			if err != nil {
				return nil, 0, err
			}
			if agentDigest == tree.digest(item.node) {
				continue
			}
		}

		if tree.cardinality(item.node) <= r.LeafThreshold {
			leafCorrections, compared, err := r.compareLeaf(ctx, transport, tree, item.node)
			if err != nil {
				return nil, 0, err
			}
			corrections = append(corrections, leafCorrections...)
			itemsCompared += compared
			continue
		}

		left, right, ok := tree.bisect(item.node)
		if !ok {
			leafCorrections, compared, err := r.compareLeaf(ctx, transport, tree, item.node)
			if err != nil {
				return nil, 0, err
			}
			corrections = append(corrections, leafCorrections...)
			itemsCompared += compared
			continue
		}
		stack = append(stack, walkItem{node: right, depth: item.depth + 1})
		stack = append(stack, walkItem{node: left, depth: item.depth + 1})
	}

	return corrections, itemsCompared, nil
}

// compareLeaf fetches the agent's entities for a divergent leaf range and
// classifies every mismatch against the central segment.
func (r *Resolver) compareLeaf(ctx context.Context, transport AgentTransport, tree *checksumTree, node int) ([]Correction, int, error) {
	keyRange := tree.node(node).keyRange

	fetchCtx, cancel := context.WithTimeout(ctx, r.RoundTripTimeout)
	agentEntities, err := transport.FetchEntities(fetchCtx, keyRange)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, utils.ErrComparisonTimeout
		}
		return nil, 0, err
	}
	sort.Slice(agentEntities, func(i, j int) bool {
		return agentEntities[i].Key < agentEntities[j].Key
	})

	central := tree.entries(node)
	var corrections []Correction
	compared := 0

	i, j := 0, 0
	for i < len(central) || j < len(agentEntities) {
		compared++
		switch {
		case i >= len(central):
			e := agentEntities[j]
			corrections = append(corrections, Correction{Class: models.DriftMissingInCentral, Key: e.Key, Entity: &e})
			j++
		case j >= len(agentEntities):
			corrections = append(corrections, Correction{Class: models.DriftMissingInAgent, Key: central[i].Key})
			i++
		case central[i].Key < agentEntities[j].Key:
			corrections = append(corrections, Correction{Class: models.DriftMissingInAgent, Key: central[i].Key})
			i++
		case central[i].Key > agentEntities[j].Key:
			e := agentEntities[j]
			corrections = append(corrections, Correction{Class: models.DriftMissingInCentral, Key: e.Key, Entity: &e})
			j++
		default:
			if central[i].ContentHash != agentEntities[j].ContentHash {
				e := agentEntities[j]
				corrections = append(corrections, Correction{Class: models.DriftValueMismatch, Key: e.Key, Entity: &e})
			}
			i++
			j++
		}
	}

	return corrections, compared, nil
}

func (r *Resolver) fetchChecksum(ctx context.Context, transport AgentTransport, keyRange KeyRange) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.RoundTripTimeout)
	defer cancel()

	digest, err := transport.FetchChecksum(fetchCtx, keyRange)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", utils.ErrComparisonTimeout
		}
		return "", err
	}
	return digest, nil
}

func driftDetail(corrections []Correction) string {
	if len(corrections) == 0 {
		return ""
	}
	counts := map[models.DriftClass]int{}
	for _, c := range corrections {
		counts[c.Class]++
	}
	return fmt.Sprintf("missing_in_central=%d missing_in_agent=%d value_mismatch=%d",
		counts[models.DriftMissingInCentral], counts[models.DriftMissingInAgent], counts[models.DriftValueMismatch])
}
