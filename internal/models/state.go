package models

import (
	"errors"
	"fmt"
)

// Stage identifies which interactive resolution step a session is waiting on.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageChooseStore Stage = "choose_store"
	StageResolveLine Stage = "resolve_line"
)

// ChooseStoreReason explains why a session needs manual store selection.
type ChooseStoreReason string

const (
	ReasonUnknownStore ChooseStoreReason = "unknown_store"
	ReasonParseFailure ChooseStoreReason = "parse_failure"
)

// ChooseStore is the payload of StageChooseStore.
type ChooseStore struct {
	Reason   ChooseStoreReason `json:"reason"`
	Detected string            `json:"detected,omitempty"`
}

// ResolveLine is the payload of StageResolveLine.
type ResolveLine struct {
	LineID    int64 `json:"line_id"`
	Remaining int   `json:"remaining"`
}

// SessionState is the auxiliary per-session blob for multi-step resolution.
// Exactly the payload matching Stage is set.
type SessionState struct {
	Stage       Stage        `json:"stage"`
	ChooseStore *ChooseStore `json:"choose_store,omitempty"`
	ResolveLine *ResolveLine `json:"resolve_line,omitempty"`
}

// IdleState returns the state of a session with nothing left to ask.
func IdleState() SessionState {
	return SessionState{Stage: StageIdle}
}

// ChooseStoreState returns a state asking the user to pick a store.
func ChooseStoreState(reason ChooseStoreReason, detected string) SessionState {
	return SessionState{
		Stage:       StageChooseStore,
		ChooseStore: &ChooseStore{Reason: reason, Detected: detected},
	}
}

// ResolveLineState returns a state asking the user to categorize lineID.
func ResolveLineState(lineID int64, remaining int) SessionState {
	return SessionState{
		Stage:       StageResolveLine,
		ResolveLine: &ResolveLine{LineID: lineID, Remaining: remaining},
	}
}

// Validate checks that the payload matches the stage.
func (s SessionState) Validate() error {
	switch s.Stage {
	case StageIdle:
		if s.ChooseStore != nil || s.ResolveLine != nil {
			return errors.New("idle state carries a payload")
		}
	case StageChooseStore:
		if s.ChooseStore == nil || s.ResolveLine != nil {
			return errors.New("choose_store state requires only a choose_store payload")
		}
	case StageResolveLine:
		if s.ResolveLine == nil || s.ChooseStore != nil {
			return errors.New("resolve_line state requires only a resolve_line payload")
		}
	default:
		return fmt.Errorf("unknown stage %q", s.Stage)
	}
	return nil
}
