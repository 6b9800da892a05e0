package actingcontext

import (
	"context"
	"time"

	"github.com/ehr/rolecontext/internal/platform/hipaa"
)

// Metrics receives engine counters. telemetry.Metrics implements it.
type Metrics interface {
	Transition(from, to string)
	Resolution(outcome string, d time.Duration)
	PermissionCheck(granted bool)
	SessionOpened()
	SessionClosed()
	ChangeEvent(op string)
}

// Auditor records activations and invalidations of acting contexts.
type Auditor interface {
	Record(ctx context.Context, rec *hipaa.ActivationRecord) error
}

type nopMetrics struct{}

func (nopMetrics) Transition(string, string) {}
func (nopMetrics) Resolution(string, time.Duration) {}
func (nopMetrics) PermissionCheck(bool) {}
func (nopMetrics) SessionOpened() {}
func (nopMetrics) SessionClosed() {}
func (nopMetrics) ChangeEvent(string) {}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, *hipaa.ActivationRecord) error { return nil }
