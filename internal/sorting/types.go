// Package sorting holds the waste-sorting data model shared by the bridge,
// the store and the ingress layer, plus the table that maps a classified
// waste type onto the command understood by the actuator controller.
package sorting

import (
	"errors"
	"fmt"
	"time"
)

// TypeID identifies a recognised waste type as reported by the classifier.
type TypeID int

const (
	TypeGeneral TypeID = 1
	TypePlastic TypeID = 2
	TypeCan     TypeID = 3
)

func (t TypeID) String() string {
	switch t {
	case TypeGeneral:
		return "general"
	case TypePlastic:
		return "plastic"
	case TypeCan:
		return "can"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

var (
	// ErrInput is the root of every input error. Input errors are resolved at
	// the ingress boundary and never reach the actuator.
	ErrInput = errors.New("input error")

	ErrMissingTypeID = fmt.Errorf("%w: type_id is required", ErrInput)
	ErrUnmapped      = fmt.Errorf("%w: unmapped type_id", ErrInput)
)

// ClassificationRequest is created once per ingress call and consumed once by
// the dispatcher.
type ClassificationRequest struct {
	TypeID     TypeID
	ReceivedAt time.Time
}

// ActuationCommand is the wire-level command produced by the Translator.
// TypeID is carried for provenance only; it is never sent to the controller.
type ActuationCommand struct {
	TypeID TypeID
	Code   int
}

// Status is the terminal state of a single actuation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Reason explains a failure outcome.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonTimeout         Reason = "timeout"
	ReasonNotAcknowledged Reason = "not_acknowledged"
	ReasonMalformed       Reason = "malformed"
	ReasonMissingBinID    Reason = "missing_bin_id"
	ReasonTransport       Reason = "transport"
)

// ActuationOutcome describes what the controller reported for one
// transaction. BinID is authoritative only when Status is StatusSuccess.
type ActuationOutcome struct {
	TypeID   TypeID        `json:"type_id"`
	BinID    int           `json:"bin_id,omitempty"`
	Status   Status        `json:"status"`
	Reason   Reason        `json:"reason,omitempty"`
	Reply    string        `json:"reply,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`

	// Err holds the transport error, if any, that forced a failure.
	Err error `json:"-"`
}

// Succeeded reports whether the controller confirmed the actuation.
func (o ActuationOutcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Success builds a confirmed outcome.
func Success(typeID TypeID, binID int) ActuationOutcome {
	return ActuationOutcome{TypeID: typeID, BinID: binID, Status: StatusSuccess}
}

// Failure builds a failed outcome with the given reason.
func Failure(typeID TypeID, reason Reason) ActuationOutcome {
	return ActuationOutcome{TypeID: typeID, Status: StatusFailure, Reason: reason}
}

// SortLogEntry is the durable trace of one successful actuation.
type SortLogEntry struct {
	ID               int64     `json:"id"`
	ActuationID      string    `json:"actuation_id"`
	RecognizedTypeID TypeID    `json:"recognized_type_id"`
	TargetBinID      int       `json:"target_bin_id"`
	LoggedAt         time.Time `json:"logged_at"`
}
