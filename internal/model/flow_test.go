package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/watergridgo/internal/nwk"
	"github.com/vk/watergridgo/internal/rakey"
)

// inflow -> reservoir -> demand
func chainNetwork() *nwk.Network {
	return &nwk.Network{
		ID:   1,
		Name: "Chain",
		Nodes: []nwk.Node{
			{ID: 1, Name: "Headwater"},
			{ID: 2, Name: "Reservoir"},
			{ID: 3, Name: "City"},
		},
		Links: []nwk.Link{
			{ID: 11, Name: "Upper Reach", Node1ID: 1, Node2ID: 2},
			{ID: 12, Name: "Lower Reach", Node1ID: 2, Node2ID: 3},
		},
	}
}

func constructChain(t *testing.T) *FlowNetwork {
	t.Helper()
	m := NewFlowNetwork()
	require.NoError(t, m.Construct(context.Background(), chainNetwork(), nil, nil))
	require.NoError(t, m.UpdateParam(rakey.Node, 1, "Inflow Node", AttrRunoff, 10))
	require.NoError(t, m.UpdateParam(rakey.Node, 2, "Reservoir", AttrInitialStorage, 0))
	require.NoError(t, m.UpdateParam(rakey.Node, 2, "Reservoir", AttrStorageCapacity, 100))
	require.NoError(t, m.UpdateParam(rakey.Node, 3, "Demand Site", AttrDemand, 8))
	return m
}

func TestFlowNetworkMassBalance(t *testing.T) {
	m := constructChain(t)
	ctx := context.Background()

	prevStorage := 0.0
	for step := 0; step < 5; step++ {
		res, err := m.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusOptimal, res.Status)

		out := m.CollectOutputs()
		storage := out[OutputKey{rakey.Node, 2, AttrStorage}]
		inflow := out[OutputKey{rakey.Node, 2, AttrInflow}]
		outflow := out[OutputKey{rakey.Node, 2, AttrOutflow}]
		delivery := out[OutputKey{rakey.Node, 3, AttrDelivery}]

		assert.InDelta(t, inflow-outflow, storage-prevStorage, 1e-9, "mass balance at step %d", step)
		assert.LessOrEqual(t, delivery, 8.0)
		assert.Equal(t, 8.0, delivery, "demand is fully met while water is available")
		prevStorage = storage
	}

	// 10 in, 8 out, for 5 days
	assert.InDelta(t, 10.0, prevStorage, 1e-9)
}

func TestFlowNetworkSpillsAboveCapacity(t *testing.T) {
	m := NewFlowNetwork()
	require.NoError(t, m.Construct(context.Background(), chainNetwork(), nil, nil))
	require.NoError(t, m.UpdateParam(rakey.Node, 1, "", AttrRunoff, 10))
	require.NoError(t, m.UpdateParam(rakey.Node, 2, "", AttrInitialStorage, 4))
	require.NoError(t, m.UpdateParam(rakey.Node, 2, "", AttrStorageCapacity, 5))
	require.NoError(t, m.UpdateParam(rakey.Node, 3, "", AttrDemand, 2))

	_, err := m.Step(context.Background())
	require.NoError(t, err)

	out := m.CollectOutputs()
	// 4 stored + 10 in, 2 released for demand, capacity 5 -> 7 spilled
	assert.InDelta(t, 5.0, out[OutputKey{rakey.Node, 2, AttrStorage}], 1e-9)
	assert.InDelta(t, 9.0, out[OutputKey{rakey.Node, 2, AttrOutflow}], 1e-9)
	assert.InDelta(t, 2.0, out[OutputKey{rakey.Node, 3, AttrDelivery}], 1e-9)
}

func TestFlowNetworkRejectsCycles(t *testing.T) {
	network := chainNetwork()
	network.Links = append(network.Links, nwk.Link{ID: 13, Node1ID: 3, Node2ID: 1})

	m := NewFlowNetwork()
	err := m.Construct(context.Background(), network, nil, nil)
	require.Error(t, err)
}

func TestFlowNetworkLinkFlows(t *testing.T) {
	m := constructChain(t)
	_, err := m.Step(context.Background())
	require.NoError(t, err)

	out := m.CollectOutputs()
	assert.InDelta(t, 10.0, out[OutputKey{rakey.Link, 11, AttrFlow}], 1e-9)
	assert.InDelta(t, 8.0, out[OutputKey{rakey.Link, 12, AttrFlow}], 1e-9)
}
