package actingcontext

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/domain/assignment"
)

// ListenerConfig wires a Listener to one professional's change events.
type ListenerConfig struct {
	Feed           assignment.Feed
	ProfessionalID uuid.UUID
	// Notify is called once per event and once after each (re)subscription.
	Notify        func()
	Metrics       Metrics
	Logger        zerolog.Logger
	RetryInterval time.Duration
}

// Listener forwards assignment changes of a professional to a session.
// Events carry no payload the session trusts; each one only asks for a
// fresh resolution.
type Listener struct {
	professionalID uuid.UUID
	cancel         context.CancelFunc
	done           chan struct{}
}

// StartListener subscribes in the background and keeps resubscribing until
// ctx ends or Stop is called.
func StartListener(ctx context.Context, cfg ListenerConfig) *Listener {
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		professionalID: cfg.ProfessionalID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go l.run(ctx, cfg)
	return l
}

func (l *Listener) ProfessionalID() uuid.UUID { return l.professionalID }

// Stop ends the subscription and waits for the goroutine to exit.
func (l *Listener) Stop() {
	l.cancel()
	<-l.done
}

func (l *Listener) run(ctx context.Context, cfg ListenerConfig) {
	defer close(l.done)
	logger := cfg.Logger.With().Str("component", "change_listener").Logger()

	for {
		events, err := cfg.Feed.Subscribe(ctx, cfg.ProfessionalID)
		if err != nil {
			logger.Warn().Err(err).Dur("retry_in", cfg.RetryInterval).Msg("change feed subscribe failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.RetryInterval):
				continue
			}
		}

		// Changes made between the last resolution and the subscription
		// would otherwise go unseen.
		cfg.Notify()

		for evt := range events {
			cfg.Metrics.ChangeEvent(string(evt.Op))
			logger.Debug().
				Str("op", string(evt.Op)).
				Str("assignment_id", evt.AssignmentID.String()).
				Msg("assignment changed")
			cfg.Notify()
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Msg("change feed closed; resubscribing")
	}
}
