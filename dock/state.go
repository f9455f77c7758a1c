package dock

import (
	"fmt"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// DoorState is the operational state of a dock door.
type DoorState string

const (
	StateIdle               DoorState = "idle"
	StateLgvEnRoute         DoorState = "lgv_en_route"
	StateLgvArrived         DoorState = "lgv_arrived"
	StateLoading            DoorState = "loading"
	StateLoadingComplete    DoorState = "loading_complete"
	StateDoorOpenNoActivity DoorState = "door_open_no_activity"
	StateAnomaly            DoorState = "anomaly"
	StateOutOfService       DoorState = "out_of_service"
)

// States lists every door state in declaration order.
var States = []DoorState{
	StateIdle,
	StateLgvEnRoute,
	StateLgvArrived,
	StateLoading,
	StateLoadingComplete,
	StateDoorOpenNoActivity,
	StateAnomaly,
	StateOutOfService,
}

func (s DoorState) String() string { return string(s) }

// Valid reports whether s is a known state.
func (s DoorState) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// ParseDoorState parses a state name.
func ParseDoorState(v string) (DoorState, error) {
	s := DoorState(v)
	if !s.Valid() {
		return "", errors.WrapInvalid(fmt.Errorf("%w: door state %q", errors.ErrUnknownKind, v),
			"dock", "ParseDoorState", "parse state")
	}
	return s, nil
}

// UnmarshalText rejects unknown states.
func (s *DoorState) UnmarshalText(b []byte) error {
	parsed, err := ParseDoorState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// legalTransitions is the guard the analyzer applies to rule output.
// Rules pick transitions; this table only catches a buggy rule.
var legalTransitions = map[DoorState][]DoorState{
	StateIdle: {
		StateLgvEnRoute, StateLgvArrived, StateDoorOpenNoActivity, StateAnomaly, StateOutOfService,
	},
	StateLgvEnRoute: {
		StateIdle, StateLgvArrived, StateAnomaly, StateOutOfService,
	},
	StateLgvArrived: {
		StateIdle, StateLoading, StateDoorOpenNoActivity, StateAnomaly, StateOutOfService,
	},
	StateLoading: {
		StateLoadingComplete, StateAnomaly, StateOutOfService,
	},
	StateLoadingComplete: {
		StateIdle, StateLgvEnRoute, StateLgvArrived, StateDoorOpenNoActivity, StateAnomaly, StateOutOfService,
	},
	StateDoorOpenNoActivity: {
		StateIdle, StateLgvArrived, StateLoading, StateAnomaly, StateOutOfService,
	},
	StateAnomaly: {
		StateIdle, StateOutOfService,
	},
	StateOutOfService: {
		StateIdle,
	},
}

// CanTransition reports whether a door may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to DoorState) bool {
	if from == to {
		return from.Valid()
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
