package assignment

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/platform/db"
)

// ChangeTrigger publishes establishment_assignment row changes.
var ChangeTrigger = db.NotifyTrigger{
	Table:    "establishment_assignment",
	Name:     "establishment_assignment_notify",
	Function: "notify_assignment_change",
}

// NotifySource delivers raw notification payloads. db.NotifyListener is the
// production implementation.
type NotifySource interface {
	Run(ctx context.Context, handle func(payload string), onListen func()) error
}

// PGFeed turns pg_notify payloads from the establishment_assignment trigger
// into ChangeEvents on a Broker.
type PGFeed struct {
	*Broker
	source  NotifySource
	logger  zerolog.Logger
	observe func(ChangeEvent)
}

func NewPGFeed(source NotifySource, logger zerolog.Logger) *PGFeed {
	return &PGFeed{Broker: NewBroker(), source: source, logger: logger}
}

// OnEvent registers a hook called for every decoded event, before fan-out.
func (f *PGFeed) OnEvent(fn func(ChangeEvent)) {
	f.observe = fn
}

// Run consumes notifications until ctx ends. Every subscriber is told to
// resync whenever the source (re)connects.
func (f *PGFeed) Run(ctx context.Context) error {
	return f.source.Run(ctx, f.dispatch, f.resync)
}

func (f *PGFeed) resync() {
	f.logger.Debug().Msg("change feed connected; resyncing subscribers")
	f.Broadcast(ChangeEvent{Op: OpResync})
}

func (f *PGFeed) dispatch(payload string) {
	evt, err := DecodeChangeEvent(payload)
	if err != nil {
		f.logger.Warn().Err(err).Str("payload", payload).Msg("dropping malformed assignment notification")
		return
	}
	if f.observe != nil {
		f.observe(evt)
	}
	f.Publish(evt)
}

// DecodeChangeEvent parses the JSON payload built by notify_assignment_change().
func DecodeChangeEvent(payload string) (ChangeEvent, error) {
	var evt ChangeEvent
	err := json.Unmarshal([]byte(payload), &evt)
	return evt, err
}
