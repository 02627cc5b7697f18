package cmd

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedFleet(t *testing.T) {
	devices, err := simulatedFleet(3, "10.20.0.0/24")
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, "10.20.0.1", devices[0].ip)
	assert.Equal(t, "10.20.0.3", devices[2].ip)

	seen := map[string]bool{}
	for _, d := range devices {
		mac, err := net.ParseMAC(d.mac)
		require.NoError(t, err)
		assert.Equal(t, byte(0x02), mac[0]&0x03, "locally administered unicast")
		assert.False(t, seen[d.mac])
		seen[d.mac] = true
	}
}

func TestSimulatedFleetRejectsSmallSubnet(t *testing.T) {
	_, err := simulatedFleet(10, "10.20.0.0/29")
	assert.Error(t, err)

	_, err = simulatedFleet(1, "not-a-cidr")
	assert.Error(t, err)
}
