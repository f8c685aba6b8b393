package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/starford/refhub/internal/apperr"
)

func TestGuardReentry(t *testing.T) {
	var g opGuard
	if err := g.enter(); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := g.enter(); !errors.Is(err, apperr.ErrSyncInProgress) {
		t.Errorf("reentry err = %v, want ErrSyncInProgress", err)
	}
	g.exit()
	if err := g.enter(); err != nil {
		t.Errorf("enter after exit: %v", err)
	}
}

func TestGuardCooldown(t *testing.T) {
	g := opGuard{cooldown: time.Hour}
	if err := g.enter(); err != nil {
		t.Fatalf("enter: %v", err)
	}
	g.exit()
	if err := g.enter(); !errors.Is(err, apperr.ErrSyncInProgress) {
		t.Errorf("within cooldown err = %v, want ErrSyncInProgress", err)
	}
}

func TestGuardZeroCooldown(t *testing.T) {
	var g opGuard
	for i := 0; i < 3; i++ {
		if err := g.enter(); err != nil {
			t.Fatalf("enter %d: %v", i, err)
		}
		g.exit()
	}
}
