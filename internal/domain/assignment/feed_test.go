package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestBroker_PublishToSubscriber(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prof := uuid.New()
	ch, err := b.Subscribe(ctx, prof)
	if err != nil {
		t.Fatal(err)
	}

	b.Publish(ChangeEvent{Op: OpUpdate, ProfessionalID: uuid.New()})
	evt := ChangeEvent{Op: OpUpdate, ProfessionalID: prof, AssignmentID: uuid.New()}
	b.Publish(evt)

	select {
	case got := <-ch:
		if got != evt {
			t.Errorf("expected %+v, got %+v", evt, got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected event for another professional: %+v", got)
	default:
	}
}

func TestBroker_UnsubscribeOnCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	prof := uuid.New()

	ch, _ := b.Subscribe(ctx, prof)
	if b.SubscriberCount(prof) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount(prof))
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if b.SubscriberCount(prof) != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount(prof))
	}
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prof := uuid.New()
	b.Subscribe(ctx, prof)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(ChangeEvent{Op: OpInsert, ProfessionalID: prof})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestDecodeChangeEvent(t *testing.T) {
	payload := `{"op":"DELETE","assignment_id":"11111111-1111-1111-1111-111111111111",` +
		`"professional_id":"22222222-2222-2222-2222-222222222222",` +
		`"establishment_id":"33333333-3333-3333-3333-333333333333"}`

	evt, err := DecodeChangeEvent(payload)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Op != OpDelete {
		t.Errorf("expected DELETE, got %s", evt.Op)
	}
	if evt.ProfessionalID.String() != "22222222-2222-2222-2222-222222222222" {
		t.Errorf("unexpected professional id %s", evt.ProfessionalID)
	}

	if _, err := DecodeChangeEvent("not json"); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestPGFeed_Dispatch(t *testing.T) {
	f := NewPGFeed(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prof := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	ch, _ := f.Subscribe(ctx, prof)
	var observed []ChangeOp
	f.OnEvent(func(evt ChangeEvent) { observed = append(observed, evt.Op) })

	f.dispatch("{bad")
	f.dispatch(`{"op":"INSERT","professional_id":"22222222-2222-2222-2222-222222222222"}`)

	select {
	case evt := <-ch:
		if evt.Op != OpInsert {
			t.Errorf("expected INSERT, got %s", evt.Op)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	if len(observed) != 1 || observed[0] != OpInsert {
		t.Errorf("expected one observed INSERT, got %v", observed)
	}
}

// flakySource connects, delivers its payloads, drops, and reconnects once.
type flakySource struct {
	payloads []string
}

func (s *flakySource) Run(ctx context.Context, handle func(string), onListen func()) error {
	for attempt := 0; attempt < 2; attempt++ {
		onListen()
		if attempt == 0 {
			for _, p := range s.payloads {
				handle(p)
			}
		}
	}
	<-ctx.Done()
	return nil
}

func TestPGFeed_ResyncsSubscribersOnReconnect(t *testing.T) {
	src := &flakySource{payloads: []string{
		`{"op":"UPDATE","professional_id":"22222222-2222-2222-2222-222222222222"}`,
	}}
	f := NewPGFeed(src, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prof := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	other := uuid.New()
	mine, _ := f.Subscribe(ctx, prof)
	theirs, _ := f.Subscribe(ctx, other)

	go f.Run(ctx)

	want := []ChangeOp{OpResync, OpUpdate, OpResync}
	for i, op := range want {
		select {
		case evt := <-mine:
			if evt.Op != op {
				t.Fatalf("event %d: expected %s, got %s", i, op, evt.Op)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-theirs:
			if evt.Op != OpResync {
				t.Fatalf("expected only resyncs for an unrelated professional, got %s", evt.Op)
			}
		case <-time.After(time.Second):
			t.Fatal("every subscriber must be resynced on reconnect")
		}
	}
}

func TestBroker_BroadcastReachesEveryProfessional(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := b.Subscribe(ctx, uuid.New())
	c, _ := b.Subscribe(ctx, uuid.New())
	b.Broadcast(ChangeEvent{Op: OpResync})

	for _, ch := range []<-chan ChangeEvent{a, c} {
		select {
		case evt := <-ch:
			if evt.Op != OpResync {
				t.Errorf("expected RESYNC, got %s", evt.Op)
			}
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}
