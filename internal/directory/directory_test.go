package directory

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatic(t *testing.T) {
	tests := []struct {
		name    string
		table   map[string]string
		wantErr string
	}{
		{
			name:  "valid",
			table: map[string]string{"1": "127.0.0.1", "2": "127.0.0.2"},
		},
		{
			name:    "bad number",
			table:   map[string]string{"x": "127.0.0.1"},
			wantErr: "invalid node number",
		},
		{
			name:    "bad address",
			table:   map[string]string{"1": "nope"},
			wantErr: "node 1",
		},
		{
			name:    "ipv6",
			table:   map[string]string{"1": "::1"},
			wantErr: "not IPv4",
		},
		{
			name:    "duplicate address",
			table:   map[string]string{"1": "127.0.0.1", "2": "127.0.0.1"},
			wantErr: "share address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, err := ParseStatic(tt.table)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, dir)
				return
			}
			require.NoError(t, err)
			assert.Len(t, dir.Nodes(), len(tt.table))
		})
	}
}

func TestStatic_Lookups(t *testing.T) {
	dir, err := ParseStatic(map[string]string{"3": "10.0.0.3", "1": "10.0.0.1"})
	require.NoError(t, err)

	addr, err := dir.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), addr)

	num, err := dir.ReverseLookup(netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), num)

	_, err = dir.Resolve(9)
	assert.ErrorIs(t, err, ErrUnknownNode)

	_, err = dir.ReverseLookup(netip.MustParseAddr("10.0.0.9"))
	assert.ErrorIs(t, err, ErrUnknownAddress)

	nodes := dir.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, uint32(1), nodes[0].Num)
	assert.Equal(t, uint32(3), nodes[1].Num)
}
