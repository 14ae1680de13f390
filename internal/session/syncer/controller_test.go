package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/duoset/duoset/internal/session"
	"github.com/duoset/duoset/internal/session/syncer"
	"github.com/duoset/duoset/internal/testkit/syncfakes"
	"github.com/duoset/duoset/internal/transport"
	"github.com/duoset/duoset/internal/transport/memory"
)

func testClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
}

func newController(t *testing.T, cfg syncer.Config) *syncer.Controller {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = syncfakes.NewSessionStateStore()
	}
	if cfg.Transport == nil {
		cfg.Transport = memory.NewHub()
	}
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = "p1"
	}
	if cfg.Clock == nil {
		cfg.Clock = testClock()
	}
	ctrl, err := syncer.New(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.Close)
	return ctrl
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateRow(t *testing.T, state session.State) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal state row: %v", err)
	}
	return raw
}

// partner opens a second subscribed channel on the same session, standing in
// for the other participant's client.
func partner(t *testing.T, hub *memory.Hub, sessionID string) transport.Channel {
	t.Helper()
	ch := hub.OpenChannel(transport.SessionChannel(sessionID))
	ch.Subscribe(nil)
	t.Cleanup(func() { hub.CloseChannel(ch) })
	return ch
}

func TestNewValidatesConfig(t *testing.T) {
	hub := memory.NewHub()
	store := syncfakes.NewSessionStateStore()

	if _, err := syncer.New(syncer.Config{Transport: hub, ParticipantID: "p1"}); err == nil {
		t.Fatal("expected error for missing store")
	}
	if _, err := syncer.New(syncer.Config{Store: store, ParticipantID: "p1"}); err == nil {
		t.Fatal("expected error for missing transport")
	}
	if _, err := syncer.New(syncer.Config{Store: store, Transport: hub, ParticipantID: "  "}); err == nil {
		t.Fatal("expected error for empty participant id")
	}
}

func TestEmptySessionIDStaysUnbound(t *testing.T) {
	counting := syncfakes.NewCountingTransport(memory.NewHub())
	ctrl := newController(t, syncer.Config{Transport: counting})

	if err := ctrl.Bind(context.Background(), "  "); err != nil {
		t.Fatalf("bind empty: %v", err)
	}

	if counting.Opened() != 0 {
		t.Fatalf("expected no channel opened, got %d", counting.Opened())
	}
	if ctrl.State() != nil {
		t.Fatal("expected nil state while unbound")
	}
	if ctrl.IsConnected() {
		t.Fatal("expected not connected while unbound")
	}
}

func TestInitialSnapshotSeedsState(t *testing.T) {
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1", CurrentBlockIndex: 0, TimerSecondsRemaining: 45})
	ctrl := newController(t, syncer.Config{Store: store})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	waitFor(t, "snapshot fetch", func() bool { return ctrl.State() != nil })
	state := ctrl.State()
	if state.CurrentBlockIndex != 0 || state.TimerSecondsRemaining != 45 {
		t.Fatalf("unexpected snapshot %+v", state)
	}
	if !ctrl.IsConnected() {
		t.Fatal("expected connected after subscribe")
	}
}

func TestInitialFetchFailureLeavesStateNil(t *testing.T) {
	store := syncfakes.NewSessionStateStore()
	store.SetGetErr(errors.New("store offline"))
	ctrl := newController(t, syncer.Config{Store: store})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if ctrl.State() != nil {
		t.Fatal("expected nil state after failed fetch")
	}
	// Connectivity is independent of the snapshot fetch.
	if !ctrl.IsConnected() {
		t.Fatal("expected connected despite failed fetch")
	}
}

func TestDurableNotificationReplacesStateWholesale(t *testing.T) {
	hub := memory.NewHub()
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1", TimerSecondsRemaining: 45, PartnerAReady: true})
	ctrl := newController(t, syncer.Config{Store: store, Transport: hub})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	waitFor(t, "snapshot fetch", func() bool { return ctrl.State() != nil })

	hub.PublishDurableChange(transport.SessionChannel("s1"), "s1", stateRow(t, session.State{
		SessionID:         "s1",
		CurrentBlockIndex: 2,
		TimerRunning:      true,
		UpdatedBy:         "p2",
	}))

	state := ctrl.State()
	if state.CurrentBlockIndex != 2 || !state.TimerRunning {
		t.Fatalf("expected notification applied, got %+v", state)
	}
	// Wholesale replacement: fields absent from the new row reset too.
	if state.PartnerAReady {
		t.Fatal("expected replacement, not a merge")
	}
}

func TestTimerTickPatchesOnlyTimerField(t *testing.T) {
	hub := memory.NewHub()
	store := syncfakes.NewSessionStateStore()
	startedAt := time.Date(2026, 3, 1, 9, 55, 0, 0, time.UTC)
	store.Seed(session.State{
		SessionID:             "s1",
		CurrentBlockIndex:     1,
		BlockStartedAt:        &startedAt,
		TimerRunning:          true,
		TimerSecondsRemaining: 45,
		PartnerBReady:         true,
	})
	ctrl := newController(t, syncer.Config{Store: store, Transport: hub})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	waitFor(t, "snapshot fetch", func() bool { return ctrl.State() != nil })

	peer := partner(t, hub, "s1")
	if err := peer.Send(syncer.EventTimerTick, syncer.TimerTickPayload{Seconds: 30}); err != nil {
		t.Fatalf("send tick: %v", err)
	}

	state := ctrl.State()
	if state.TimerSecondsRemaining != 30 {
		t.Fatalf("expected timer patched to 30, got %d", state.TimerSecondsRemaining)
	}
	if state.CurrentBlockIndex != 1 || !state.TimerRunning || !state.PartnerBReady {
		t.Fatalf("tick must not touch other fields: %+v", state)
	}
	if state.BlockStartedAt == nil || !state.BlockStartedAt.Equal(startedAt) {
		t.Fatalf("tick must not touch block start: %v", state.BlockStartedAt)
	}
}

func TestTimerTickBeforeStateIsDropped(t *testing.T) {
	hub := memory.NewHub()
	store := syncfakes.NewSessionStateStore()
	gate := store.GateGets()
	defer close(gate)
	ctrl := newController(t, syncer.Config{Store: store, Transport: hub})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	peer := partner(t, hub, "s1")
	if err := peer.Send(syncer.EventTimerTick, syncer.TimerTickPayload{Seconds: 30}); err != nil {
		t.Fatalf("send tick: %v", err)
	}

	if ctrl.State() != nil {
		t.Fatal("tick with no existing state must be dropped")
	}
}

func TestUpdateStateIsOptimistic(t *testing.T) {
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1"})
	gate := store.GateUpdates()
	defer close(gate)
	ctrl := newController(t, syncer.Config{Store: store})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	waitFor(t, "snapshot fetch", func() bool { return ctrl.State() != nil })

	if err := ctrl.UpdateState(context.Background(), session.StatePatch{Paused: session.Bool(true), PausedBy: session.String("p1")}); err != nil {
		t.Fatalf("update state: %v", err)
	}

	// Persistence is still gated; the local mirror already shows the patch.
	state := ctrl.State()
	if !state.Paused || state.PausedBy != "p1" {
		t.Fatalf("expected optimistic patch visible, got %+v", state)
	}
	if state.UpdatedBy != "p1" {
		t.Fatalf("expected update stamped with participant, got %q", state.UpdatedBy)
	}
}

func TestUpdateStatePersistsStampedPatch(t *testing.T) {
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1"})
	ctrl := newController(t, syncer.Config{Store: store, ParticipantID: "p2"})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	waitFor(t, "snapshot fetch", func() bool { return ctrl.State() != nil })

	if err := ctrl.UpdateState(context.Background(), session.StatePatch{PartnerBReady: session.Bool(true)}); err != nil {
		t.Fatalf("update state: %v", err)
	}

	waitFor(t, "persist call", func() bool { return len(store.UpdateCalls()) == 1 })
	call := store.UpdateCalls()[0]
	if call.SessionID != "s1" || call.UpdatedBy != "p2" {
		t.Fatalf("unexpected persist call %+v", call)
	}
	if call.Fields.PartnerBReady == nil || !*call.Fields.PartnerBReady {
		t.Fatalf("expected partner B readiness in patch, got %+v", call.Fields)
	}
	if !call.UpdatedAt.Equal(testClock()()) {
		t.Fatalf("expected clock stamp, got %v", call.UpdatedAt)
	}
}

func TestPersistFailureReconcilesByRefetch(t *testing.T) {
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1", TimerSecondsRemaining: 45})
	ctrl := newController(t, syncer.Config{Store: store})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	waitFor(t, "snapshot fetch", func() bool { return ctrl.State() != nil })

	store.SetUpdateErr(errors.New("write conflict"))
	if err := ctrl.UpdateState(context.Background(), session.StatePatch{Paused: session.Bool(true)}); err != nil {
		t.Fatalf("update state: %v", err)
	}

	// The optimistic pause is visible, then rolled over by durable truth.
	waitFor(t, "reconcile refetch", func() bool {
		state := ctrl.State()
		return state != nil && !state.Paused && state.UpdatedBy == ""
	})
	state := ctrl.State()
	if state.TimerSecondsRemaining != 45 {
		t.Fatalf("expected durable truth restored, got %+v", state)
	}
}

func TestUpdateStateMisuse(t *testing.T) {
	ctrl := newController(t, syncer.Config{})

	err := ctrl.UpdateState(context.Background(), session.StatePatch{Paused: session.Bool(true)})
	if !errors.Is(err, syncer.ErrUnbound) {
		t.Fatalf("expected ErrUnbound, got %v", err)
	}

	ctrl.Close()
	err = ctrl.UpdateState(context.Background(), session.StatePatch{Paused: session.Bool(true)})
	if !errors.Is(err, syncer.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBroadcastTimerTickReachesPartner(t *testing.T) {
	hub := memory.NewHub()
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1"})
	ctrl := newController(t, syncer.Config{Store: store, Transport: hub})

	peer := partner(t, hub, "s1")
	var ticks []int
	peer.OnBroadcast(syncer.EventTimerTick, func(payload json.RawMessage) {
		var tick syncer.TimerTickPayload
		if err := json.Unmarshal(payload, &tick); err != nil {
			t.Errorf("decode tick: %v", err)
			return
		}
		ticks = append(ticks, tick.Seconds)
	})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctrl.BroadcastTimerTick(30)
	ctrl.BroadcastTimerTick(-1)

	if len(ticks) != 2 || ticks[0] != 30 || ticks[1] != 0 {
		t.Fatalf("unexpected ticks %v", ticks)
	}
}

func TestBroadcastsBeforeBindAreLost(t *testing.T) {
	ctrl := newController(t, syncer.Config{})

	// Not connected: nothing to send on, nothing panics, nothing queues.
	ctrl.BroadcastTimerTick(30)
	ctrl.SignalExerciseComplete(0, 8)
}

func TestPartnerExerciseCompleteHook(t *testing.T) {
	hub := memory.NewHub()
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1"})

	done := make(chan [2]int, 1)
	ctrl := newController(t, syncer.Config{
		Store:     store,
		Transport: hub,
		OnPartnerExerciseComplete: func(blockIndex, reps int) {
			done <- [2]int{blockIndex, reps}
		},
	})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	waitFor(t, "snapshot fetch", func() bool { return ctrl.State() != nil })

	peer := partner(t, hub, "s1")
	if err := peer.Send(syncer.EventExerciseComplete, syncer.ExerciseCompletePayload{BlockIndex: 1, Reps: 8, ParticipantID: "p2"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-done:
		if got != [2]int{1, 8} {
			t.Fatalf("unexpected hook args %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("hook not invoked")
	}

	// The ping is a notification only; state is untouched.
	if state := ctrl.State(); state.CurrentBlockIndex != 0 {
		t.Fatalf("exercise-complete must not touch state, got %+v", state)
	}
}

func TestRebindReleasesExactlyOneChannelPerOpen(t *testing.T) {
	counting := syncfakes.NewCountingTransport(memory.NewHub())
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1"})
	store.Seed(session.State{SessionID: "s2"})
	ctrl := newController(t, syncer.Config{Store: store, Transport: counting})

	ctx := context.Background()
	for _, id := range []string{"s1", "s2", "s1", ""} {
		if err := ctrl.Bind(ctx, id); err != nil {
			t.Fatalf("bind %q: %v", id, err)
		}
	}
	ctrl.Close()
	ctrl.Close() // idempotent

	if counting.Opened() != 3 {
		t.Fatalf("expected 3 opens, got %d", counting.Opened())
	}
	if counting.Closed() != counting.Opened() {
		t.Fatalf("expected %d releases, got %d", counting.Opened(), counting.Closed())
	}
}

func TestStaleSnapshotFromPreviousBindingIsDiscarded(t *testing.T) {
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "old", CurrentBlockIndex: 7})
	gate := store.GateGets()
	ctrl := newController(t, syncer.Config{Store: store})

	ctx := context.Background()
	if err := ctrl.Bind(ctx, "old"); err != nil {
		t.Fatalf("bind old: %v", err)
	}
	// Rebind while the first snapshot fetch is still gated.
	if err := ctrl.Bind(ctx, "new"); err != nil {
		t.Fatalf("bind new: %v", err)
	}
	store.Seed(session.State{SessionID: "new", CurrentBlockIndex: 1})
	close(gate)

	waitFor(t, "new snapshot", func() bool {
		state := ctrl.State()
		return state != nil && state.SessionID == "new"
	})
	if state := ctrl.State(); state.CurrentBlockIndex != 1 {
		t.Fatalf("stale binding leaked into state: %+v", state)
	}
}

func TestCloseDiscardsLateCompletions(t *testing.T) {
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1", CurrentBlockIndex: 3})
	gate := store.GateGets()
	ctrl := newController(t, syncer.Config{Store: store})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctrl.Close()
	close(gate)

	time.Sleep(20 * time.Millisecond)
	if ctrl.State() != nil {
		t.Fatal("late snapshot must not mutate a closed controller")
	}
}

func TestOnStateChangeObserver(t *testing.T) {
	hub := memory.NewHub()
	store := syncfakes.NewSessionStateStore()
	store.Seed(session.State{SessionID: "s1"})

	changes := make(chan session.State, 8)
	ctrl := newController(t, syncer.Config{
		Store:         store,
		Transport:     hub,
		OnStateChange: func(s session.State) { changes <- s },
	})

	if err := ctrl.Bind(context.Background(), "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	select {
	case got := <-changes:
		if got.SessionID != "s1" {
			t.Fatalf("unexpected first change %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no change observed for snapshot")
	}
}
