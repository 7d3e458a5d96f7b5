package runtime

import "testing"

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateUninitialized, StateStarting, true},
		{StateUninitialized, StateReady, false},
		{StateStarting, StateReady, true},
		{StateStarting, StateIdle, false},
		{StateStarting, StateExiting, true},
		{StateReady, StateBusy, true},
		{StateIdle, StateBusy, true},
		{StateBusy, StateIdle, true},
		{StateIdle, StateIdle, false},
		{StateBusy, StateInterrupting, true},
		{StateInterrupting, StateIdle, true},
		{StateInterrupting, StateReady, false},
		{StateIdle, StateOffline, true},
		{StateOffline, StateIdle, true},
		{StateOffline, StateReady, true},
		{StateOffline, StateBusy, false},
		{StateIdle, StateExiting, true},
		{StateExiting, StateIdle, false},
		// A crash reaches Exited from any live state.
		{StateStarting, StateExited, true},
		{StateBusy, StateExited, true},
		{StateOffline, StateExited, true},
		{StateExiting, StateExited, true},
		{StateExited, StateExited, false},
		// The restart edge.
		{StateExited, StateStarting, true},
		{StateExited, StateReady, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	running := map[State]bool{StateReady: true, StateIdle: true, StateBusy: true}
	for s := StateUninitialized; s <= StateExited; s++ {
		if s.Running() != running[s] {
			t.Errorf("%s.Running() = %v", s, s.Running())
		}
		wantActive := s != StateExited
		if s.Active() != wantActive {
			t.Errorf("%s.Active() = %v", s, s.Active())
		}
	}
}

func TestExitReasonCrashed(t *testing.T) {
	crashed := map[ExitReason]bool{ExitError: true, ExitUnknown: true}
	for _, r := range []ExitReason{ExitError, ExitUnknown, ExitRestart, ExitSwitchRuntime, ExitForcedQuit, ExitShutdown} {
		if r.Crashed() != crashed[r] {
			t.Errorf("%s.Crashed() = %v", r, r.Crashed())
		}
	}
}

func TestParseStartupBehavior(t *testing.T) {
	tests := []struct {
		in      string
		want    StartupBehavior
		wantErr bool
	}{
		{"manual", StartupManual, false},
		{"", StartupManual, false},
		{"explicit", StartupExplicit, false},
		{"implicit", StartupImplicit, false},
		{"immediate", StartupImmediate, false},
		{"eager", StartupManual, true},
	}
	for _, tt := range tests {
		got, err := ParseStartupBehavior(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStartupBehavior(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStartupBehavior(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
