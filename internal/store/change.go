package store

import "github.com/matheus3301/swoon/internal/bus"

// Change types, named the way database change feeds name them.
const (
	Insert = "INSERT"
	Update = "UPDATE"
	Delete = "DELETE"
)

// ChangeNamespace prefixes every change event topic: db.<table>.<type>.
const ChangeNamespace = "db."

// Change describes one row-level write.
type Change struct {
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	Type      string         `json:"type"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// ChangeKind returns the bus event kind for a change.
func ChangeKind(table, typ string) string {
	return ChangeNamespace + table + "." + typ
}

func (db *DB) publish(c Change) {
	if db.bus == nil {
		return
	}
	c.Schema = "public"
	db.bus.Publish(bus.NewEvent(ChangeKind(c.Table, c.Type), c))
}
