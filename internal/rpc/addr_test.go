package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	a, err := ParseAddr("tcp://localhost:5555/3")
	require.NoError(t, err)
	assert.Equal(t, Addr{Host: "localhost", Port: 5555, ID: 3}, a)
	assert.Equal(t, "tcp://localhost:5555/3", a.String())
	assert.Equal(t, "tcp://localhost:5555/0", a.Manager().String())
	assert.False(t, a.IsManager())

	m, err := ParseAddr("tcp://10.0.0.1:7000")
	require.NoError(t, err)
	assert.True(t, m.IsManager())

	for _, bad := range []string{"udp://h:1/1", "tcp://h/1", "tcp://h:x/1", "tcp://h:1/abc", "tcp://h:1/-2"} {
		_, err := ParseAddr(bad)
		assert.Error(t, err, bad)
	}
}

func TestSortSplitManagers(t *testing.T) {
	addrs := []Addr{
		MustParseAddr("tcp://b:2/1"),
		MustParseAddr("tcp://a:9/4"),
		MustParseAddr("tcp://a:9/2"),
		MustParseAddr("tcp://a:3/1"),
	}
	assert.Equal(t, []string{"tcp://a:3/1", "tcp://a:9/2", "tcp://a:9/4", "tcp://b:2/1"}, Strings(SortAddrs(addrs)))

	split := SplitAddrs(addrs)
	assert.Len(t, split["a"], 2)
	assert.Len(t, split["a"][9], 2)
	assert.Len(t, split["b"][2], 1)

	assert.Equal(t, []string{"tcp://b:2/0", "tcp://a:9/0", "tcp://a:3/0"}, Strings(AddrsToManagers(addrs)))
}
