package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the type of row change carried by an event.
type Kind int

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ParseKind accepts the operation names used by the change-feed wire formats.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "INSERT":
		return KindInsert, nil
	case "UPDATE":
		return KindUpdate, nil
	case "DELETE":
		return KindDelete, nil
	}
	return 0, fmt.Errorf("unknown change type %q", s)
}

// RawEvent is a row change as delivered by a transport, before it is typed.
type RawEvent struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema,omitempty"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// Key identifies a deleted row. Delete events carry nothing else.
type Key struct {
	ID string `json:"id"`
}

// ChangeEvent is one of Insert[T], Update[T] or Delete.
type ChangeEvent interface {
	Kind() Kind
}

type Insert[T any] struct {
	Row T
}

func (Insert[T]) Kind() Kind { return KindInsert }

type Update[T any] struct {
	Row T
}

func (Update[T]) Kind() Kind { return KindUpdate }

type Delete struct {
	Key Key
}

func (Delete) Kind() Kind { return KindDelete }

// Decode types a raw event. Inserts and updates decode the new record into T;
// deletes decode only the key of the old record.
func Decode[T any](raw RawEvent) (ChangeEvent, error) {
	kind, err := ParseKind(raw.Type)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindInsert, KindUpdate:
		if len(raw.Record) == 0 {
			return nil, fmt.Errorf("%s event on %s has no record", kind, raw.Table)
		}
		var row T
		if err := json.Unmarshal(raw.Record, &row); err != nil {
			return nil, fmt.Errorf("decode %s record on %s: %w", kind, raw.Table, err)
		}
		if kind == KindInsert {
			return Insert[T]{Row: row}, nil
		}
		return Update[T]{Row: row}, nil
	default:
		var key Key
		if len(raw.OldRecord) > 0 {
			if err := json.Unmarshal(raw.OldRecord, &key); err != nil {
				return nil, fmt.Errorf("decode DELETE key on %s: %w", raw.Table, err)
			}
		}
		if key.ID == "" {
			return nil, fmt.Errorf("DELETE event on %s has no id", raw.Table)
		}
		return Delete{Key: key}, nil
	}
}
