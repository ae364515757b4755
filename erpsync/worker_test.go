package erpsync

import (
	"context"
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

func TestResolutionFollowUpCarriesCorrections(t *testing.T) {
	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-42")
	job := &models.SyncJob{VendorId: "vendor-1", Kind: models.SyncJobKindFullChecksum, CorrelationId: "corr-42"}
	result := &RunResult{
		State:       RunStateDriftFound,
		DriftsFound: 2,
		Corrections: []Correction{
			{Class: models.DriftMissingInAgent, Key: "sku-3"},
			{Class: models.DriftValueMismatch, Key: "sku-7", Entity: &AgentEntity{Key: "sku-7", ContentHash: "h7"}},
		},
	}

	followUp, err := resolutionFollowUp(ctx, job, result)
	if err != nil {
		t.Fatalf("resolutionFollowUp: %v", err)
	}
	if followUp == nil {
		t.Fatal("drift without auto-resolve produced no follow-up job")
	}
	if followUp.Kind != models.SyncJobKindResolutionBatch {
		t.Fatalf("follow-up kind = %s, want resolution_batch", followUp.Kind)
	}
	if followUp.VendorId != "vendor-1" {
		t.Fatalf("follow-up vendor = %s, want vendor-1", followUp.VendorId)
	}
	if followUp.State != models.SyncJobStatePending {
		t.Fatalf("follow-up state = %s, want pending", followUp.State)
	}
	if followUp.CorrelationId != "corr-42" {
		t.Fatalf("follow-up correlation id = %s, want corr-42", followUp.CorrelationId)
	}

	// The payload must be admissible as a resolution_batch job.
	if err := ValidateJobPayload(models.SyncJobKindResolutionBatch, followUp.PayloadJSON); err != nil {
		t.Fatalf("follow-up payload rejected: %v", err)
	}
	var batch ResolutionBatch
	if err := json.Unmarshal(followUp.PayloadJSON, &batch); err != nil {
		t.Fatalf("follow-up payload: %v", err)
	}
	if len(batch.Corrections) != 2 {
		t.Fatalf("follow-up carries %d corrections, want 2", len(batch.Corrections))
	}
	if batch.Corrections[1].Entity == nil || batch.Corrections[1].Entity.ContentHash != "h7" {
		t.Fatalf("follow-up lost the corrected entity: %+v", batch.Corrections[1])
	}
}

func TestResolutionFollowUpNoneAfterAutoResolve(t *testing.T) {
	job := &models.SyncJob{VendorId: "vendor-1", Kind: models.SyncJobKindFullChecksum}
	result := &RunResult{
		State:         RunStateResolved,
		DriftsFound:   1,
		ItemsResolved: 1,
		Corrections:   []Correction{{Class: models.DriftMissingInAgent, Key: "sku-3"}},
	}

	followUp, err := resolutionFollowUp(context.Background(), job, result)
	if err != nil {
		t.Fatalf("resolutionFollowUp: %v", err)
	}
	if followUp != nil {
		t.Fatalf("resolved run produced a follow-up job: %+v", followUp)
	}
}

func TestResolutionFollowUpNoneOnNoDrift(t *testing.T) {
	job := &models.SyncJob{VendorId: "vendor-1", Kind: models.SyncJobKindFullChecksum}
	followUp, err := resolutionFollowUp(context.Background(), job, &RunResult{State: RunStateNoDrift})
	if err != nil {
		t.Fatalf("resolutionFollowUp: %v", err)
	}
	if followUp != nil {
		t.Fatalf("clean run produced a follow-up job: %+v", followUp)
	}
}

func TestResolutionFollowUpGeneratesCorrelationId(t *testing.T) {
	job := &models.SyncJob{VendorId: "vendor-1", Kind: models.SyncJobKindFullChecksum}
	result := &RunResult{
		State:       RunStateDriftFound,
		Corrections: []Correction{{Class: models.DriftMissingInAgent, Key: "sku-3"}},
	}

	followUp, err := resolutionFollowUp(context.Background(), job, result)
	if err != nil {
		t.Fatalf("resolutionFollowUp: %v", err)
	}
	if followUp == nil || followUp.CorrelationId == "" {
		t.Fatal("follow-up without a context correlation id must still carry one")
	}
}
