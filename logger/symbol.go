package logger

import (
	"github.com/teranos/blocksync/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The glyph goes into the structured "symbol" field, never the message, so
// logs stay queryable by subsystem:
//
//	log := logger.AddOutboxSymbol(baseLogger)
//	log.Infow("Transaction completed", logger.FieldTxID, tx.ID)

// WithSymbol returns the global logger with the given symbol as a field.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

// AddOutboxSymbol wraps a logger with the Outbox symbol (꩜)
func AddOutboxSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Outbox)
}

// AddOpenSymbol wraps a logger with the Open symbol (✿)
func AddOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Open)
}

// AddCloseSymbol wraps a logger with the Close symbol (❀)
func AddCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Close)
}

// AddLeaderSymbol wraps a logger with the Leader symbol (⍟)
func AddLeaderSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Leader)
}

// AddMergeSymbol wraps a logger with the Merge symbol (⋈)
func AddMergeSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Merge)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}
