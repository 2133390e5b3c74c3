// Package domain normalises DB domain inputs — the triple of database name,
// schema, and table prefix that forms the unit of logical data-space
// isolation a connection handle can be switched between.
package domain

import (
	"fmt"
	"strings"
	"sync"
)

// Local is the sentinel meaning "use the balancer's configured local domain".
// Passing Local to Resolve and passing the local domain's own canonical id
// are equivalent.
const Local = ""

// Domain is an immutable (database, schema, table prefix) triple. Equality
// is triple equality.
type Domain struct {
	Database *string
	Schema   *string
	Prefix   string
}

// New constructs a Domain from optional database/schema and a required prefix.
func New(database, schema *string, prefix string) Domain {
	return Domain{Database: database, Schema: schema, Prefix: prefix}
}

// Equal reports whether two domains are the same triple.
func (d Domain) Equal(other Domain) bool {
	return strPtrEqual(d.Database, other.Database) &&
		strPtrEqual(d.Schema, other.Schema) &&
		d.Prefix == other.Prefix
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CanonicalID renders the domain as "database[-schema]-prefix", the string
// form accepted back by Resolve.
func (d Domain) CanonicalID() string {
	var b strings.Builder
	if d.Database != nil {
		b.WriteString(*d.Database)
	}
	if d.Schema != nil {
		b.WriteByte('-')
		b.WriteString(*d.Schema)
	}
	b.WriteByte('-')
	b.WriteString(d.Prefix)
	return b.String()
}

// String implements fmt.Stringer for logging.
func (d Domain) String() string {
	return d.CanonicalID()
}

// Resolver normalises domain inputs into canonical Domain instances. It is
// pure and idempotent: an already-resolved Domain is returned as-is, and the
// Local sentinel and a canonical id equal to the local domain's id both
// return the same local Domain value.
//
// The alias table is lazily materialised on first hit, and the resolver
// memoises the single most-recently-seen non-local domain — the common case
// of a request repeatedly touching the same non-local tenant avoids
// re-parsing the canonical string on every call.
type Resolver struct {
	local Domain

	mu      sync.Mutex
	aliases map[string]Domain

	lastID     string
	lastDomain Domain
	haveLast   bool
}

// NewResolver constructs a Resolver whose local domain is parsed from
// localDomainID (typically configuration's `localDomain` key).
func NewResolver(localDomainID string) *Resolver {
	return &Resolver{
		local: parseCanonical(localDomainID),
	}
}

// SetAlias registers alias as another spelling for target. Aliases are
// resolved before falling back to canonical-string parsing.
func (r *Resolver) SetAlias(alias string, target Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aliases == nil {
		r.aliases = make(map[string]Domain)
	}
	r.aliases[alias] = target
}

// Resolve normalises input, which may be:
//   - a *Domain (already resolved; returned as-is)
//   - the empty string / Local sentinel (returns the local domain)
//   - an alias string registered via SetAlias
//   - a canonical "database[-schema]-prefix" string
func (r *Resolver) Resolve(input interface{}) Domain {
	switch v := input.(type) {
	case Domain:
		return v
	case *Domain:
		if v == nil {
			return r.local
		}
		return *v
	case nil:
		return r.local
	case string:
		return r.resolveString(v)
	default:
		return r.local
	}
}

func (r *Resolver) resolveString(s string) Domain {
	if s == Local || s == r.local.CanonicalID() {
		return r.local
	}

	r.mu.Lock()
	if aliased, ok := r.aliases[s]; ok {
		r.mu.Unlock()
		return aliased
	}
	if r.haveLast && r.lastID == s {
		d := r.lastDomain
		r.mu.Unlock()
		return d
	}
	r.mu.Unlock()

	d := parseCanonical(s)

	r.mu.Lock()
	r.lastID = s
	r.lastDomain = d
	r.haveLast = true
	r.mu.Unlock()

	return d
}

// Local returns the resolver's canonical local domain.
func (r *Resolver) Local() Domain {
	return r.local
}

// parseCanonical parses "database-schema-prefix" or "database-prefix" (no
// schema component) into a Domain. The table prefix is whatever remains
// after the last separator is consumed by schema; ambiguity is resolved by
// treating a two-component string as database+prefix (no schema), matching
// the common case where schemas are rare.
func parseCanonical(s string) Domain {
	if s == "" {
		return Domain{Prefix: ""}
	}

	parts := strings.SplitN(s, "-", 3)
	switch len(parts) {
	case 1:
		return Domain{Prefix: parts[0]}
	case 2:
		db := parts[0]
		return Domain{Database: &db, Prefix: parts[1]}
	default:
		db := parts[0]
		schema := parts[1]
		return Domain{Database: &db, Schema: &schema, Prefix: parts[2]}
	}
}

// Validate checks that a Domain is structurally usable (non-nil prefix is
// implicit since Prefix is a plain string; this mainly guards against a
// Database pointer to an empty string, which canonicalises ambiguously).
func Validate(d Domain) error {
	if d.Database != nil && *d.Database == "" {
		return fmt.Errorf("domain: database component, if present, must not be empty")
	}
	if d.Schema != nil && *d.Schema == "" {
		return fmt.Errorf("domain: schema component, if present, must not be empty")
	}
	return nil
}
