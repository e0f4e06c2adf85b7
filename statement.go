package sqlexec

import (
	"math"
	"strings"

	"sqlexec/cache"
)

// Kind tells queries from mutations.
type Kind int

const (
	KindSelect Kind = iota
	KindInsert
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// IsQuery reports whether statements of this kind return rows.
func (k Kind) IsQuery() bool { return k == KindSelect }

// MappedStatement is a named, already-resolved SQL statement. It is built
// once by the mapping layer and only read by executors.
type MappedStatement struct {
	ID        string
	Namespace string
	SQL       string
	Kind      Kind
	// Resource names where the statement was declared. It only shows up in
	// diagnostics.
	Resource string
	// UseCache lets query results go to the namespace cache.
	UseCache bool
	// FlushCache clears the local cache before the statement runs and
	// invalidates the namespace cache at the next commit.
	FlushCache bool
	// Cache is the namespace cache; nil disables second-level caching.
	Cache cache.Cache
}

// NewStatement returns a statement with mapping-layer defaults: selects use
// the namespace cache and do not flush it, mutations flush it. The namespace
// is the part of id before its last dot.
func NewStatement(id, sql string, kind Kind) *MappedStatement {
	ns := ""
	if i := strings.LastIndexByte(id, '.'); i > 0 {
		ns = id[:i]
	}
	return &MappedStatement{
		ID:         id,
		Namespace:  ns,
		SQL:        sql,
		Kind:       kind,
		UseCache:   kind.IsQuery(),
		FlushCache: !kind.IsQuery(),
	}
}

// WithCache sets the namespace cache and returns ms.
func (ms *MappedStatement) WithCache(c cache.Cache) *MappedStatement {
	ms.Cache = c
	return ms
}

// NoLimit means "all rows".
const NoLimit = math.MaxInt

// RowBounds selects a window of the result: Offset rows are skipped, then at
// most Limit rows are returned.
type RowBounds struct {
	Offset int
	Limit  int
}

var DefaultRowBounds = RowBounds{Offset: 0, Limit: NoLimit}

// ResultHandler receives query rows one at a time instead of a slice.
// Returning an error stops the query.
type ResultHandler func(row Row) error

// BatchUpdatePending is the affected-row count a batch executor returns for
// an update that has been queued but not executed yet.
const BatchUpdatePending int64 = -2

// BatchResult is the outcome of one pending batch entry.
type BatchResult struct {
	Statement    string
	SQL          string
	Params       [][]any
	UpdateCounts []int64
}
