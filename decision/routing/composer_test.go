package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slugger-infra/decision/widget"
	rerrors "slugger-infra/pkg/errors"
)

func specs(names ...string) []widget.Spec {
	out := make([]widget.Spec, 0, len(names))
	for _, n := range names {
		out = append(out, widget.Spec{Name: n})
	}
	return out
}

func TestComposeAssignsBandInRegistrationOrder(t *testing.T) {
	table, err := Compose(specs("clubhouse", "flashcard", "foo"), DefaultBand(), "arn:listener")
	require.NoError(t, err)

	want := map[string]int{"clubhouse": 100, "flashcard": 200, "foo": 300}
	for _, a := range table.Assignments {
		assert.Equal(t, want[a.WidgetName], a.Priority, a.WidgetName)
		assert.Equal(t, []string{"/widgets/" + a.WidgetName, "/widgets/" + a.WidgetName + "/*"}, a.PathPatterns)
	}
}

func TestComposeSkipsExplicitPriorities(t *testing.T) {
	registry := specs("clubhouse", "flashcard", "foo")
	p := 100
	registry[1].Priority = &p

	table, err := Compose(registry, DefaultBand(), "")
	require.NoError(t, err)

	club, _ := table.Lookup("clubhouse")
	flash, _ := table.Lookup("flashcard")
	foo, _ := table.Lookup("foo")
	assert.Equal(t, 200, club.Priority)
	assert.Equal(t, 100, flash.Priority)
	assert.True(t, flash.Explicit)
	assert.Equal(t, 300, foo.Priority)
}

func TestComposeIsDeterministic(t *testing.T) {
	registry := specs("a", "b", "c", "d")
	first, err := Compose(registry, DefaultBand(), "")
	require.NoError(t, err)
	second, err := Compose(registry, DefaultBand(), "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestComposeExhaustsBand(t *testing.T) {
	_, err := Compose(specs("a", "b", "c"), Band{Start: 100, Step: 100, Ceiling: 200}, "")
	var exhausted *rerrors.PriorityExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "c", exhausted.WidgetName)
	assert.Equal(t, 200, exhausted.Ceiling)
}

func TestBandFromDefaults(t *testing.T) {
	assert.Equal(t, DefaultBand(), BandFrom(widget.PriorityBand{}))
	assert.Equal(t, Band{Start: 1000, Step: 10, Ceiling: DefaultBandCeiling}, BandFrom(widget.PriorityBand{Start: 1000, Step: 10}))
}
