// Package sym defines the glyphs blocksync attaches to log lines and CLI
// output. Each subsystem owns one glyph so logs can be filtered by the
// structured "symbol" field instead of by message text.
package sym

// Subsystem glyphs.
const (
	AM     = "≡" // am — configuration
	Block  = "▤" // local block store
	Outbox = "꩜" // transaction queue and sync loop
	Open   = "✿" // sync loop startup with orphan recovery
	Close  = "❀" // sync loop graceful shutdown
	Leader = "⍟" // coordination and leader election
	Remote = "⟶" // remote client calls
	Merge  = "⋈" // reconciliation of remote changes
	DB     = "⊔" // sqlite storage layer
)

// SymbolToCommand maps each glyph that fronts a CLI command to that command.
var SymbolToCommand = map[string]string{
	AM:     "am",
	Outbox: "queue",
	Leader: "serve",
	DB:     "db",
}

// CommandToSymbol is the inverse of SymbolToCommand.
var CommandToSymbol = map[string]string{
	"am":    AM,
	"queue": Outbox,
	"serve": Leader,
	"db":    DB,
}

// Describe returns a one-line description of a subsystem glyph, or "" when
// the glyph is unknown.
func Describe(glyph string) string {
	switch glyph {
	case AM:
		return "configuration"
	case Block:
		return "local block store"
	case Outbox:
		return "transaction queue"
	case Open:
		return "sync loop startup"
	case Close:
		return "sync loop shutdown"
	case Leader:
		return "leader election"
	case Remote:
		return "remote client"
	case Merge:
		return "reconciler"
	case DB:
		return "database"
	}
	return ""
}
