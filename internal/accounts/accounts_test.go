package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

func TestApplyPositionUpdateFastPath(t *testing.T) {
	m := broker.NewMock()
	s := New(m)
	s.Track(models.Account{ID: "A1"})

	s.ApplyPositionUpdate(models.Position{AccountID: "A1", Symbol: "MNQ", Side: models.PositionLong, Quantity: 2})
	snap, ok := s.Snapshot("A1")
	if !ok {
		t.Fatal("expected tracked account")
	}
	if snap.Positions["MNQ"].Quantity != 2 {
		t.Fatalf("expected quantity 2, got %+v", snap.Positions["MNQ"])
	}

	s.ApplyPositionUpdate(models.Position{AccountID: "A1", Symbol: "MNQ", Quantity: 0})
	snap, _ = s.Snapshot("A1")
	if _, ok := snap.Positions["MNQ"]; ok {
		t.Fatal("expected flat position to be removed")
	}
}

func TestApplyOrderUpdateDropsStaleUpdates(t *testing.T) {
	m := broker.NewMock()
	s := New(m)
	s.Track(models.Account{ID: "A1"})

	now := time.Now().UTC()
	s.ApplyOrderUpdate(models.Order{ID: "O1", AccountID: "A1", Status: models.OrderWorking, UpdatedAt: now})
	s.ApplyOrderUpdate(models.Order{ID: "O1", AccountID: "A1", Status: models.OrderCancelled, UpdatedAt: now.Add(-time.Second)})

	snap, _ := s.Snapshot("A1")
	if snap.Orders["O1"].Status != models.OrderWorking {
		t.Fatalf("expected stale order update to be dropped, got status=%s", snap.Orders["O1"].Status)
	}
}

func TestReconcileHealsPhantomAndUntrackedPositions(t *testing.T) {
	m := broker.NewMock()
	m.Positions["A1|ES"] = &models.Position{AccountID: "A1", Symbol: "ES", Side: models.PositionLong, Quantity: 1, OpenedAt: time.Now().UTC()}

	var notifications []models.Notification
	s := New(m, WithNotifier(func(n models.Notification) { notifications = append(notifications, n) }))
	s.Track(models.Account{ID: "A1"})
	// Seed a phantom local position the broker has no record of.
	s.ApplyPositionUpdate(models.Position{AccountID: "A1", Symbol: "MNQ", Side: models.PositionShort, Quantity: 3})

	if err := s.Reconcile(context.Background(), "A1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	snap, _ := s.Snapshot("A1")
	if _, ok := snap.Positions["MNQ"]; ok {
		t.Fatal("expected phantom MNQ position to be healed away")
	}
	if snap.Positions["ES"].Quantity != 1 {
		t.Fatalf("expected ES adopted from broker, got %+v", snap.Positions["ES"])
	}
	if len(notifications) != 2 {
		t.Fatalf("expected 2 healing notifications, got %d", len(notifications))
	}
}

func TestBalanceDiverges(t *testing.T) {
	if BalanceDiverges(1000, 1000.1, 0.25) {
		t.Fatal("expected sub-tick divergence to be tolerated")
	}
	if !BalanceDiverges(1000, 1002, 0.25) {
		t.Fatal("expected multi-tick divergence to be flagged")
	}
}
