package session

import (
	"errors"
	"math/rand"
	"testing"
)

func TestTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    State
		trigger Trigger
		want    State
		wantErr error
	}{
		{"toggle from idle starts", Idle, Toggle, Starting, nil},
		{"toggle while starting stops", Starting, Toggle, Stopping, nil},
		{"toggle while recording stops", Recording, Toggle, Stopping, nil},
		{"toggle while stopping rejected", Stopping, Toggle, Stopping, ErrToggleInFlight},
		{"recording report settles start", Starting, ReportRecording, Recording, nil},
		{"stopped report settles stop", Stopping, ReportStopped, Idle, nil},
		{"error during start rolls back", Starting, ReportError, Idle, nil},
		{"error while recording waits for stop", Recording, ReportError, Recording, nil},
		{"unreachable worker during start", Starting, Unreachable, Idle, nil},
		{"unreachable worker during stop", Stopping, Unreachable, Idle, nil},
		{"late recording report wins", Stopping, ReportRecording, Recording, nil},
		{"unconfirmed stop keeps recording", Stopping, StopUnconfirmed, Recording, nil},
		{"unconfirmed stop after a new start", Starting, StopUnconfirmed, Starting, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Machine{state: tc.from}
			from, to, err := m.Fire(tc.trigger)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if from != tc.from || to != tc.want || m.State() != tc.want {
				t.Fatalf("expected %s -> %s, got %s -> %s (state %s)", tc.from, tc.want, from, to, m.State())
			}
		})
	}
}

// A worker answers every start with recording or error and every stop with
// stopped. Whatever order toggles arrive in, the machine settles.
func TestToggleSequencesSettle(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		m := New()
		var pending []Trigger
		for step := 0; step < 30; step++ {
			if rng.Intn(2) == 0 || len(pending) == 0 {
				_, to, err := m.Fire(Toggle)
				if err != nil {
					continue
				}
				switch to {
				case Starting:
					if rng.Intn(4) == 0 {
						pending = append(pending, ReportError)
					} else {
						pending = append(pending, ReportRecording)
					}
				case Stopping:
					pending = append(pending, ReportStopped)
				}
				continue
			}
			next := pending[0]
			pending = pending[1:]
			if _, _, err := m.Fire(next); err != nil {
				t.Fatalf("report %s rejected: %v", next, err)
			}
		}
		for _, next := range pending {
			if _, _, err := m.Fire(next); err != nil {
				t.Fatalf("report %s rejected: %v", next, err)
			}
		}
		if !m.State().Settled() {
			t.Fatalf("run %d: unsettled state %s", run, m.State())
		}
	}
}
