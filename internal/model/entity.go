package model

import (
	"fmt"
	"time"
)

// Kind names an entity class held by the local store.
type Kind string

const (
	KindChild          Kind = "child"
	KindService        Kind = "service"
	KindCheckInRecord  Kind = "check_in_record"
	KindCheckInRequest Kind = "check_in_request"
)

// Kinds lists every entity class in migration order.
var Kinds = []Kind{KindChild, KindService, KindCheckInRecord, KindCheckInRequest}

// Entity is anything the local store can hold, keyed by kind and id.
type Entity interface {
	EntityKind() Kind
	EntityID() string
	// CloneEntity returns a deep copy so stored values never alias caller values.
	CloneEntity() Entity
}

// NewEntity returns a pointer to a zero value of the given kind, ready to be decoded into.
func NewEntity(kind Kind) (Entity, error) {
	switch kind {
	case KindChild:
		return &Child{}, nil
	case KindService:
		return &Service{}, nil
	case KindCheckInRecord:
		return &CheckInRecord{}, nil
	case KindCheckInRequest:
		return &CheckInRequest{}, nil
	}
	return nil, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidArgument, kind)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
