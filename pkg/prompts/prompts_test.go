package prompts

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/vivarium/pkg/identity"
)

func TestPickMoodAffinityBias(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	counts := make(map[string]int)
	for i := 0; i < 2000; i++ {
		m := PickMood("playful and adventurous", rng)
		counts[m.Label]++
	}

	// Two affinity matches give explorer weight 5, beating every mood except
	// builder's base 3, so it should dominate the draw.
	assert.Greater(t, counts["explorer"], counts["writer"])
	assert.Greater(t, counts["explorer"], counts["research"])
	assert.Greater(t, counts["explorer"], counts["deep-dive"])
}

func TestPickMoodCoversTableWithoutTemperament(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	counts := make(map[string]int)
	for i := 0; i < 2000; i++ {
		counts[PickMood("", rng).Label]++
	}
	assert.Len(t, counts, len(Moods))
}

func TestSystemPromptIncludesMoodAndFocus(t *testing.T) {
	id := &identity.Identity{Name: "Vega"}
	mood := &Moods[0]

	withMood := System(id, "", mood)
	assert.Contains(t, withMood, "Vega")
	assert.Contains(t, withMood, mood.Nudge)

	withFocus := System(id, "finish the parser", mood)
	assert.Contains(t, withFocus, "finish the parser")
}

func TestMoodTableSane(t *testing.T) {
	require.NotEmpty(t, Moods)
	seen := make(map[string]bool)
	for _, m := range Moods {
		assert.NotEmpty(t, m.Label)
		assert.NotEmpty(t, m.Nudge)
		assert.False(t, seen[m.Label], "duplicate mood label %s", m.Label)
		seen[m.Label] = true
	}
}
