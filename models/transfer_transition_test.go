package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/branchstock_backend/models"
)

func TestValidateTransferTransition(t *testing.T) {
	allowed := []struct {
		from, to models.TransferStatus
	}{
		{models.TransferStatusDraft, models.TransferStatusPending},
		{models.TransferStatusDraft, models.TransferStatusCancelled},
		{models.TransferStatusPending, models.TransferStatusInTransit},
		{models.TransferStatusPending, models.TransferStatusCancelled},
		{models.TransferStatusInTransit, models.TransferStatusCompleted},
		{models.TransferStatusInTransit, models.TransferStatusCancelled},
	}
	for _, tc := range allowed {
		if err := models.ValidateTransferTransition(tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", tc.from, tc.to, err)
		}
	}

	rejected := []struct {
		from, to models.TransferStatus
	}{
		{models.TransferStatusDraft, models.TransferStatusInTransit},
		{models.TransferStatusDraft, models.TransferStatusCompleted},
		{models.TransferStatusPending, models.TransferStatusCompleted},
		{models.TransferStatusPending, models.TransferStatusDraft},
		{models.TransferStatusInTransit, models.TransferStatusPending},
		{models.TransferStatusInTransit, models.TransferStatusDraft},
		{models.TransferStatusCompleted, models.TransferStatusCancelled},
		{models.TransferStatusCompleted, models.TransferStatusInTransit},
		{models.TransferStatusCancelled, models.TransferStatusDraft},
		{models.TransferStatusCancelled, models.TransferStatusPending},
		{models.TransferStatusDraft, models.TransferStatusDraft},
		{models.TransferStatusPending, models.TransferStatusPending},
	}
	for _, tc := range rejected {
		err := models.ValidateTransferTransition(tc.from, tc.to)
		if err == nil {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
			continue
		}
		if !errors.Is(err, models.ErrInvalidState) {
			t.Errorf("%s -> %s: expected ErrInvalidState, got %v", tc.from, tc.to, err)
		}
		var stateErr *models.InvalidStateError
		if !errors.As(err, &stateErr) {
			t.Errorf("%s -> %s: expected *InvalidStateError, got %T", tc.from, tc.to, err)
		}
	}
}

func TestTransferStatusIsTerminal(t *testing.T) {
	terminal := map[models.TransferStatus]bool{
		models.TransferStatusDraft:     false,
		models.TransferStatusPending:   false,
		models.TransferStatusInTransit: false,
		models.TransferStatusCompleted: true,
		models.TransferStatusCancelled: true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}
