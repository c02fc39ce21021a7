package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventsAreReadableNextFrame(t *testing.T) {
	b := NewBus()
	var got []TopologyChanged
	Subscribe(b, func(ev TopologyChanged) { got = append(got, ev) })

	Emit(b, TopologyChanged{Pass: 1, Resolved: 3})
	b.DispatchAll()
	assert.Empty(t, got, "events emitted this frame are not visible yet")

	b.SwapBuffers()
	b.DispatchAll()
	assert.Equal(t, []TopologyChanged{{Pass: 1, Resolved: 3}}, got)

	b.SwapBuffers()
	b.DispatchAll()
	assert.Len(t, got, 1, "front buffer is cleared after the next swap")
}

func TestDispatchByType(t *testing.T) {
	b := NewBus()
	var topo, errs int
	Subscribe(b, func(TopologyChanged) { topo++ })
	Subscribe(b, func(ConfigErrorRaised) { errs++ })
	Subscribe(b, func(ConfigErrorRaised) { errs++ })

	Emit(b, ConfigErrorRaised{})
	b.SwapBuffers()
	b.DispatchAll()

	assert.Equal(t, 0, topo)
	assert.Equal(t, 2, errs)
}
