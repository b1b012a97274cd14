package humastar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignals(t *testing.T) {
	s, err := ParseSignals([]byte(`{"x": 300, "y": 400.5, "landcover": true, "session": "abc"}`))
	require.NoError(t, err)
	assert.Equal(t, 300, s.Int("x"))
	assert.Equal(t, 400.5, s.Float("y"))
	assert.True(t, s.Bool("landcover"))
	assert.Equal(t, "abc", s.String("session"))
	assert.True(t, s.Has("x"))
	assert.False(t, s.Has("zoom"))
	assert.Zero(t, s.Float("zoom"))

	s, err = ParseSignals(nil)
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = (&SignalsInput{RawBody: []byte("{")}).MustParse()
	assert.Error(t, err)
}

func TestPaginationLinks(t *testing.T) {
	p := PageBody[string]{Total: 25, Offset: 10, Limit: 10}
	assert.Equal(t, []string{
		`</api/v1/parcels?offset=0&limit=10>; rel="first"`,
		`</api/v1/parcels?offset=0&limit=10>; rel="prev"`,
		`</api/v1/parcels?offset=20&limit=10>; rel="next"`,
		`</api/v1/parcels?offset=20&limit=10>; rel="last"`,
	}, p.PaginationLinks("/api/v1/parcels"))

	empty := PageBody[string]{Limit: 10}
	assert.Equal(t, []string{
		`</p?offset=0&limit=10>; rel="first"`,
		`</p?offset=0&limit=10>; rel="last"`,
	}, empty.PaginationLinks("/p"))

	assert.Nil(t, PageBody[string]{}.PaginationLinks("/p"))
}

func TestActionsFor(t *testing.T) {
	actions := ActionsFor("abc", []ActionDef{
		{Rel: "click", Pattern: "/api/v1/viewer/%s/click", Method: "POST", Title: "Click the map"},
		{Rel: "events", Pattern: "/api/v1/viewer/%s/events"},
	})
	require.Len(t, actions, 2)
	assert.Equal(t, `</api/v1/viewer/abc/click>; rel="click"; method="POST"; title="Click the map"`, actions[0].LinkHeader())
	assert.Equal(t, `</api/v1/viewer/abc/events>; rel="events"`, actions[1].LinkHeader())
}
