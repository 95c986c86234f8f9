package sorting

import (
	"fmt"
	"sort"
)

// CommandTable maps a waste type onto the command code sent to the
// controller. It is the single source of truth for hardware semantics.
type CommandTable map[TypeID]int

// DefaultStructuredTable is the table for controllers speaking the structured
// protocol: the controller owns the command-to-bin mapping
// (0 -> bin 101, 1 -> bin 102, 2 -> bin 103).
func DefaultStructuredTable() CommandTable {
	return CommandTable{
		TypeGeneral: 0,
		TypePlastic: 1,
		TypeCan:     2,
	}
}

// DefaultAckTable is the table for controllers speaking the ack protocol,
// where the command is the target bin identifier itself.
func DefaultAckTable() CommandTable {
	return CommandTable{
		TypeGeneral: 101,
		TypePlastic: 102,
		TypeCan:     103,
	}
}

// Domain lists the type ids the classifier can report. A command table must
// map exactly these.
var Domain = []TypeID{TypeGeneral, TypePlastic, TypeCan}

// Validate checks the table maps exactly Domain, uses non-negative codes and
// is injective.
func (t CommandTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("command table is empty")
	}
	for _, id := range Domain {
		if _, ok := t[id]; !ok {
			return fmt.Errorf("type_id %d (%s) has no command code", id, id)
		}
	}
	seen := make(map[int]TypeID, len(t))
	for _, id := range t.TypeIDs() {
		code := t[id]
		if !inDomain(id) {
			return fmt.Errorf("type_id %d is outside the recognised types %v", id, Domain)
		}
		if code < 0 {
			return fmt.Errorf("invalid command code %d for type_id %d: must not be negative", code, id)
		}
		if other, ok := seen[code]; ok {
			return fmt.Errorf("command code %d is mapped by both type_id %d and %d", code, other, id)
		}
		seen[code] = id
	}
	return nil
}

func inDomain(id TypeID) bool {
	for _, d := range Domain {
		if d == id {
			return true
		}
	}
	return false
}

// TypeIDs returns the mapped type ids in ascending order.
func (t CommandTable) TypeIDs() []TypeID {
	ids := make([]TypeID, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Translator converts type ids to commands. It is safe for concurrent use:
// the table is copied on construction and never mutated.
type Translator struct {
	table CommandTable
}

// NewTranslator validates and copies the table.
func NewTranslator(table CommandTable) (*Translator, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command table: %w", err)
	}
	cp := make(CommandTable, len(table))
	for id, code := range table {
		cp[id] = code
	}
	return &Translator{table: cp}, nil
}

// Translate returns the command for typeID, or ErrUnmapped.
func (t *Translator) Translate(typeID TypeID) (ActuationCommand, error) {
	code, ok := t.table[typeID]
	if !ok {
		return ActuationCommand{}, fmt.Errorf("%w: %d", ErrUnmapped, typeID)
	}
	return ActuationCommand{TypeID: typeID, Code: code}, nil
}

// Mapped reports whether typeID has a command.
func (t *Translator) Mapped(typeID TypeID) bool {
	_, ok := t.table[typeID]
	return ok
}

// Table returns a copy of the translation table.
func (t *Translator) Table() CommandTable {
	cp := make(CommandTable, len(t.table))
	for id, code := range t.table {
		cp[id] = code
	}
	return cp
}
