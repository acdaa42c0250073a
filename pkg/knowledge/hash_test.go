package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash(t *testing.T) {
	base := func() *Item {
		return &Item{
			ID:      "adr-001",
			Title:   "Use Postgres",
			Summary: "Postgres for relational data",
			Content: "We standardize on Postgres.",
			Status:  StatusActive,
			Constraints: []Constraint{
				{Text: "no MySQL", Severity: SeverityBlocking},
			},
		}
	}

	t.Run("deterministic", func(t *testing.T) {
		a, b := base(), base()
		assert.Equal(t, ContentHash(a), ContentHash(b))
	})

	t.Run("content changes the hash", func(t *testing.T) {
		changed := base()
		changed.Content = "We standardize on CockroachDB."
		assert.NotEqual(t, ContentHash(base()), ContentHash(changed))
	})

	t.Run("constraint changes the hash", func(t *testing.T) {
		changed := base()
		changed.Constraints = append(changed.Constraints, Constraint{Text: "extra", Severity: SeverityInfo})
		assert.NotEqual(t, ContentHash(base()), ContentHash(changed))

		severity := base()
		severity.Constraints[0].Severity = SeverityWarning
		assert.NotEqual(t, ContentHash(base()), ContentHash(severity))
	})

	t.Run("status changes the hash", func(t *testing.T) {
		changed := base()
		changed.Status = StatusDeprecated
		assert.NotEqual(t, ContentHash(base()), ContentHash(changed))
	})

	t.Run("cosmetic fields do not change the hash", func(t *testing.T) {
		changed := base()
		changed.Title = "Renamed"
		changed.Summary = "Reworded"
		changed.Tags = []string{"db"}
		assert.Equal(t, ContentHash(base()), ContentHash(changed))
	})

	t.Run("field boundaries are unambiguous", func(t *testing.T) {
		a := &Item{Content: "ab", Status: StatusActive}
		b := &Item{Content: "a", Status: Status("bactive")}
		assert.NotEqual(t, ContentHash(a), ContentHash(b))
	})
}

func TestHashRevision(t *testing.T) {
	t.Run("order independent", func(t *testing.T) {
		a := map[string]string{"x": "1", "y": "2", "z": "3"}
		b := map[string]string{"z": "3", "x": "1", "y": "2"}
		assert.Equal(t, HashRevision(a), HashRevision(b))
	})

	t.Run("sensitive to content", func(t *testing.T) {
		a := map[string]string{"x": "1"}
		b := map[string]string{"x": "2"}
		c := map[string]string{"y": "1"}
		assert.NotEqual(t, HashRevision(a), HashRevision(b))
		assert.NotEqual(t, HashRevision(a), HashRevision(c))
	})

	t.Run("stable length", func(t *testing.T) {
		assert.Len(t, HashRevision(nil), 24)
		assert.Len(t, HashRevision(map[string]string{"x": "1"}), 24)
	})
}
