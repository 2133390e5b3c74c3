package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestResolve_LocalSentinelAndLocalCanonicalAgree(t *testing.T) {
	r := NewResolver("app-public-tbl")

	local := r.Resolve(Local)
	assert.Equal(t, r.Local(), local)

	byCanonical := r.Resolve("app-public-tbl")
	assert.Equal(t, r.Local(), byCanonical)
}

func TestResolve_AlreadyResolvedPassesThrough(t *testing.T) {
	r := NewResolver("app-public-tbl")
	d := New(strp("other"), nil, "prefix")

	assert.Equal(t, d, r.Resolve(d))
	assert.Equal(t, d, r.Resolve(&d))
}

func TestResolve_CanonicalParsing(t *testing.T) {
	r := NewResolver("local-tbl")

	t.Run("one component is just a prefix", func(t *testing.T) {
		d := r.Resolve("tbl_only")
		assert.Nil(t, d.Database)
		assert.Nil(t, d.Schema)
		assert.Equal(t, "tbl_only", d.Prefix)
	})

	t.Run("two components are database-prefix", func(t *testing.T) {
		d := r.Resolve("app-tbl")
		require.NotNil(t, d.Database)
		assert.Equal(t, "app", *d.Database)
		assert.Nil(t, d.Schema)
		assert.Equal(t, "tbl", d.Prefix)
	})

	t.Run("three components are database-schema-prefix", func(t *testing.T) {
		d := r.Resolve("app-public-tbl")
		require.NotNil(t, d.Database)
		require.NotNil(t, d.Schema)
		assert.Equal(t, "app", *d.Database)
		assert.Equal(t, "public", *d.Schema)
		assert.Equal(t, "tbl", d.Prefix)
	})
}

func TestResolve_MemoisesLastNonLocalDomain(t *testing.T) {
	r := NewResolver("local-tbl")

	first := r.Resolve("tenant-public-events")
	second := r.Resolve("tenant-public-events")

	assert.True(t, first.Equal(second))
}

func TestResolve_Alias(t *testing.T) {
	r := NewResolver("local-tbl")
	target := New(strp("tenant"), strp("public"), "events")
	r.SetAlias("events-alias", target)

	resolved := r.Resolve("events-alias")
	assert.True(t, resolved.Equal(target))
}

func TestDomain_Equal(t *testing.T) {
	a := New(strp("db"), strp("schema"), "prefix")
	b := New(strp("db"), strp("schema"), "prefix")
	c := New(strp("db"), nil, "prefix")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestCanonicalID_RoundTrips(t *testing.T) {
	r := NewResolver("local-tbl")
	d := r.Resolve("app-public-tbl")
	again := r.Resolve(d.CanonicalID())
	assert.True(t, d.Equal(again))
}

func TestValidate_RejectsEmptyComponents(t *testing.T) {
	empty := ""
	assert.Error(t, Validate(Domain{Database: &empty, Prefix: "p"}))
	assert.Error(t, Validate(Domain{Schema: &empty, Prefix: "p"}))
	assert.NoError(t, Validate(Domain{Prefix: "p"}))
}
