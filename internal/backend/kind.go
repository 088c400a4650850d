package backend

import (
	"fmt"
	"strings"
)

// Kind identifies a backend family. It is the stable key for registrations,
// configuration entries and status reports.
type Kind string

const (
	// KindQdrant is the Qdrant vector search service (gRPC).
	KindQdrant Kind = "qdrant"
	// KindChroma is the Chroma vector search service.
	KindChroma Kind = "chroma"
	// KindChromem is the embedded chromem-go index persisted on local disk.
	KindChromem Kind = "chromem"
	// KindSQLite is a relational store holding vectors in SQLite tables.
	KindSQLite Kind = "sqlite"
	// KindPgvector is PostgreSQL with the pgvector extension.
	KindPgvector Kind = "pgvector"
	// KindMock is the in-memory no-op backend used for tests and as last resort.
	KindMock Kind = "mock"
)

// allKinds is the closed enumeration, in display order.
var allKinds = []Kind{KindQdrant, KindChroma, KindChromem, KindSQLite, KindPgvector, KindMock}

// kindAliases maps names used by older configuration files to kinds.
var kindAliases = map[string]Kind{
	"chromadb":    KindChroma,
	"local":       KindChromem,
	"local_index": KindChromem,
	"noop":        KindMock,
	"none":        KindMock,
	"postgres":    KindPgvector,
	"postgresql":  KindPgvector,
	"sqlite3":     KindSQLite,
}

// AllKinds returns every enumerated kind.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// CloudKinds returns the kinds backed by a network service. The default
// configuration lists them as fallbacks so they show up in status output even
// when unconfigured.
func CloudKinds() []Kind {
	return []Kind{KindQdrant, KindChroma}
}

// ParseKind converts a configuration string to a Kind. Matching is case
// insensitive and accepts a few legacy aliases.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, k := range allKinds {
		if string(k) == name {
			return k, nil
		}
	}
	if k, ok := kindAliases[name]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Valid reports whether k is part of the enumeration.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}
