package state

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestMachine() *Machine {
	return NewMachine(zerolog.Nop(), nil)
}

func TestMachine_InitialState(t *testing.T) {
	m := newTestMachine()

	if got := m.Current(); got.Kind != Disconnected {
		t.Errorf("expected Disconnected, got %v", got)
	}
	if seq := m.Snapshot().Seq; seq != 0 {
		t.Errorf("expected seq 0, got %d", seq)
	}
}

func TestMachine_HappyPath(t *testing.T) {
	m := newTestMachine()

	steps := []struct {
		name  string
		apply func() error
		want  Kind
	}{
		{"init succeeded", m.InitSucceeded, Ready},
		{"begin connecting", m.BeginConnecting, Connecting},
		{"session active", m.SessionActive, Connected},
		{"ended", m.Ended, Ready},
		{"begin connecting again", m.BeginConnecting, Connecting},
		{"session active again", m.SessionActive, Connected},
	}

	for i, step := range steps {
		if err := step.apply(); err != nil {
			t.Fatalf("%s: unexpected error: %v", step.name, err)
		}
		snap := m.Snapshot()
		if snap.State.Kind != step.want {
			t.Fatalf("%s: expected %v, got %v", step.name, step.want, snap.State)
		}
		if snap.Seq != uint64(i+1) {
			t.Errorf("%s: expected seq %d, got %d", step.name, i+1, snap.Seq)
		}
	}
}

func TestMachine_IllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *Machine)
		apply func(m *Machine) error
	}{
		{"begin connecting while disconnected", func(m *Machine) {}, (*Machine).BeginConnecting},
		{"session active while disconnected", func(m *Machine) {}, (*Machine).SessionActive},
		{"ended while disconnected", func(m *Machine) {}, (*Machine).Ended},
		{"ended while ready", func(m *Machine) { m.InitSucceeded() }, (*Machine).Ended},
		{"init succeeded while ready", func(m *Machine) { m.InitSucceeded() }, (*Machine).InitSucceeded},
		{"session active while ready", func(m *Machine) { m.InitSucceeded() }, (*Machine).SessionActive},
		{"init succeeded while connected", func(m *Machine) {
			m.InitSucceeded()
			m.BeginConnecting()
			m.SessionActive()
		}, (*Machine).InitSucceeded},
		{"begin connecting while connected", func(m *Machine) {
			m.InitSucceeded()
			m.BeginConnecting()
			m.SessionActive()
		}, (*Machine).BeginConnecting},
		{"connect failed while ready", func(m *Machine) { m.InitSucceeded() }, func(m *Machine) error {
			return m.ConnectFailed("boom")
		}},
		{"init failed while connecting", func(m *Machine) {
			m.InitSucceeded()
			m.BeginConnecting()
		}, func(m *Machine) error {
			return m.InitFailed("boom")
		}},
		{"begin connecting while error", func(m *Machine) { m.Fail("boom") }, (*Machine).BeginConnecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			tt.setup(m)
			before := m.Snapshot()

			err := tt.apply(m)
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("expected ErrIllegalTransition, got %v", err)
			}

			after := m.Snapshot()
			if after.State != before.State || after.Seq != before.Seq {
				t.Errorf("state changed on illegal transition: before=%v/%d after=%v/%d",
					before.State, before.Seq, after.State, after.Seq)
			}
		})
	}
}

func TestMachine_FailFromAnyState(t *testing.T) {
	setups := map[string]func(m *Machine){
		"disconnected": func(m *Machine) {},
		"ready":        func(m *Machine) { m.InitSucceeded() },
		"connecting": func(m *Machine) {
			m.InitSucceeded()
			m.BeginConnecting()
		},
		"connected": func(m *Machine) {
			m.InitSucceeded()
			m.BeginConnecting()
			m.SessionActive()
		},
		"error": func(m *Machine) { m.Fail("first") },
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			m := newTestMachine()
			setup(m)

			if err := m.Fail("network gone"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := m.Current()
			if got.Kind != Error || got.Message != "network gone" {
				t.Errorf("expected ERROR(network gone), got %v", got)
			}
		})
	}
}

func TestMachine_RecoverFromError(t *testing.T) {
	m := newTestMachine()

	if err := m.InitFailed("no credentials"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Current(); got.Kind != Error || got.Message != "no credentials" {
		t.Fatalf("expected ERROR(no credentials), got %v", got)
	}

	// A failed retry stays in Error with the new reason
	if err := m.InitFailed("still no credentials"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Current(); got.Message != "still no credentials" {
		t.Errorf("expected updated message, got %v", got)
	}

	if err := m.InitSucceeded(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Current(); got.Kind != Ready {
		t.Errorf("expected Ready after recovery, got %v", got)
	}
}

func TestMachine_ConnectFailed(t *testing.T) {
	m := newTestMachine()
	m.InitSucceeded()
	m.BeginConnecting()

	if err := m.ConnectFailed("mic unavailable"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Current(); got.Kind != Error || got.Message != "mic unavailable" {
		t.Errorf("expected ERROR(mic unavailable), got %v", got)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{State{Kind: Disconnected}, "DISCONNECTED"},
		{State{Kind: Ready}, "READY"},
		{State{Kind: Connecting}, "CONNECTING"},
		{State{Kind: Connected}, "CONNECTED"},
		{State{Kind: Error, Message: "boom"}, "ERROR(boom)"},
		{State{Kind: Kind(42)}, "UNKNOWN(42)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestWatcher_ReceivesCurrentOnSubscribe(t *testing.T) {
	m := newTestMachine()
	m.InitSucceeded()

	w := m.Subscribe()
	defer w.Close()

	select {
	case snap := <-w.C():
		if snap.State.Kind != Ready {
			t.Errorf("expected Ready, got %v", snap.State)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}
}

func TestWatcher_KeepsOnlyLatest(t *testing.T) {
	m := newTestMachine()
	w := m.Subscribe()
	defer w.Close()

	// Nobody reads while several transitions are applied
	m.InitSucceeded()
	m.BeginConnecting()
	m.SessionActive()

	snap := <-w.C()
	if snap.State.Kind != Connected {
		t.Errorf("expected latest state Connected, got %v", snap.State)
	}
	if snap.Seq != 3 {
		t.Errorf("expected seq 3, got %d", snap.Seq)
	}

	select {
	case extra := <-w.C():
		t.Errorf("expected no backlog, got %v", extra.State)
	default:
	}
}

func TestWatcher_MonotonicSequence(t *testing.T) {
	m := newTestMachine()
	w := m.Subscribe()
	defer w.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			m.InitSucceeded()
			m.BeginConnecting()
			m.SessionActive()
			m.Ended()
			m.Fail("cycle")
		}
	}()

	var last uint64
	for {
		select {
		case snap := <-w.C():
			if snap.Seq < last {
				t.Fatalf("sequence went backwards: %d after %d", snap.Seq, last)
			}
			last = snap.Seq
		case <-done:
			if final := m.Snapshot().Seq; final != 250 {
				t.Errorf("expected 250 transitions, got %d", final)
			}
			return
		}
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	m := newTestMachine()
	w := m.Subscribe()

	w.Close()
	w.Close()

	// Transitions after close must not panic on the closed channel
	if err := m.InitSucceeded(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Drain the initial snapshot, then the channel reports closed
	for range w.C() {
	}
}
