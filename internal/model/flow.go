package model

import (
	"context"
	"fmt"
	"math"

	"github.com/vk/watergridgo/internal/nwk"
	"github.com/vk/watergridgo/internal/rakey"
)

// Attribute names the flow model understands. Anything else pushed through
// UpdateParam is held but ignored by the routing.
const (
	AttrRunoff          = "Runoff"
	AttrInflow          = "Inflow"
	AttrDemand          = "Demand"
	AttrInitialStorage  = "Initial Storage"
	AttrStorageCapacity = "Storage Capacity"
	AttrFlowCapacity    = "Flow Capacity"

	AttrStorage  = "Storage"
	AttrDelivery = "Delivery"
	AttrOutflow  = "Outflow"
	AttrFlow     = "Flow"
)

type paramKey struct {
	resourceType rakey.ResourceType
	resourceID   int
	attr         string
}

// FlowNetwork is the built-in solver: a single-pass routing model that moves
// water from sources through reservoirs to demands each step. Reservoirs
// carry storage forward between steps; demands take what arrives up to their
// requested amount. It trades optimality for a strict mass balance.
type FlowNetwork struct {
	network *nwk.Network

	params  map[paramKey]float64
	storage map[int]float64 // reservoir node id -> current storage

	order    []int           // node ids in flow order
	incoming map[int][]int   // node id -> upstream link ids
	outgoing map[int][]int   // node id -> downstream link ids
	links    map[int]nwk.Link

	stepped bool
	outputs map[OutputKey]float64
}

// NewFlowNetwork creates an unconstructed flow model.
func NewFlowNetwork() *FlowNetwork {
	return &FlowNetwork{
		params:   map[paramKey]float64{},
		storage:  map[int]float64{},
		incoming: map[int][]int{},
		outgoing: map[int][]int{},
		links:    map[int]nwk.Link{},
		outputs:  map[OutputKey]float64{},
	}
}

// Construct wires the model to a network topology. The template and constants
// are accepted for interface compatibility; topology is all this model needs.
func (m *FlowNetwork) Construct(_ context.Context, network *nwk.Network, _ *nwk.Template, _ map[string]float64) error {
	if network == nil {
		return fmt.Errorf("flow model needs a network")
	}
	m.network = network

	for _, link := range network.Links {
		m.links[link.ID] = link
		m.outgoing[link.Node1ID] = append(m.outgoing[link.Node1ID], link.ID)
		m.incoming[link.Node2ID] = append(m.incoming[link.Node2ID], link.ID)
	}

	order, err := m.flowOrder()
	if err != nil {
		return err
	}
	m.order = order
	return nil
}

// flowOrder sorts nodes so every upstream node precedes its downstream ones.
func (m *FlowNetwork) flowOrder() ([]int, error) {
	indegree := map[int]int{}
	for _, n := range m.network.Nodes {
		indegree[n.ID] = len(m.incoming[n.ID])
	}

	var queue []int
	for _, n := range m.network.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	var order []int
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, linkID := range m.outgoing[id] {
			to := m.links[linkID].Node2ID
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(order) != len(m.network.Nodes) {
		return nil, fmt.Errorf("network topology contains a cycle")
	}
	return order, nil
}

// UpdateParam pushes one boundary value into the model.
func (m *FlowNetwork) UpdateParam(resourceType rakey.ResourceType, resourceID int, _ string, attrName string, value float64) error {
	if m.network == nil {
		return fmt.Errorf("model not constructed")
	}
	m.params[paramKey{resourceType, resourceID, attrName}] = value
	return nil
}

func (m *FlowNetwork) param(resourceType rakey.ResourceType, id int, attr string, fallback float64) float64 {
	if v, ok := m.params[paramKey{resourceType, id, attr}]; ok {
		return v
	}
	return fallback
}

func (m *FlowNetwork) isReservoir(id int) bool {
	_, hasInit := m.params[paramKey{rakey.Node, id, AttrInitialStorage}]
	_, hasCap := m.params[paramKey{rakey.Node, id, AttrStorageCapacity}]
	return hasInit || hasCap
}

// Step routes one time step of water through the network.
func (m *FlowNetwork) Step(_ context.Context) (StepResult, error) {
	if m.network == nil {
		return StepResult{}, fmt.Errorf("model not constructed")
	}

	// lazily seed reservoir storage from the pushed initial values
	if !m.stepped {
		for _, id := range m.order {
			if m.isReservoir(id) {
				m.storage[id] = m.param(rakey.Node, id, AttrInitialStorage, 0)
			}
		}
		m.stepped = true
	}

	requests := m.downstreamRequests()
	m.outputs = map[OutputKey]float64{}
	linkFlow := map[int]float64{}

	objective := 0.0
	for _, id := range m.order {
		arriving := 0.0
		for _, linkID := range m.incoming[id] {
			arriving += linkFlow[linkID]
		}
		local := m.param(rakey.Node, id, AttrRunoff, 0) + m.param(rakey.Node, id, AttrInflow, 0)
		available := arriving + local

		demand := m.param(rakey.Node, id, AttrDemand, 0)
		delivery := math.Min(demand, available)
		available -= delivery
		objective += delivery

		outflow := available
		if m.isReservoir(id) {
			want := 0.0
			for _, linkID := range m.outgoing[id] {
				want += requests[m.links[linkID].Node2ID]
			}
			release := math.Min(want, m.storage[id]+available)
			stored := m.storage[id] + available - release

			spill := 0.0
			if cap, ok := m.params[paramKey{rakey.Node, id, AttrStorageCapacity}]; ok && stored > cap {
				spill = stored - cap
				stored = cap
			}
			m.storage[id] = stored
			outflow = release + spill
			m.outputs[OutputKey{rakey.Node, id, AttrStorage}] = stored
		}

		m.distribute(id, outflow, requests, linkFlow)

		m.outputs[OutputKey{rakey.Node, id, AttrInflow}] = arriving + local
		m.outputs[OutputKey{rakey.Node, id, AttrOutflow}] = outflow
		if demand > 0 {
			m.outputs[OutputKey{rakey.Node, id, AttrDelivery}] = delivery
		}
	}

	for linkID, flow := range linkFlow {
		m.outputs[OutputKey{rakey.Link, linkID, AttrFlow}] = flow
	}

	return StepResult{Status: StatusOptimal, Objective: objective}, nil
}

// downstreamRequests computes, per node, how much water everything at or
// below it wants this step.
func (m *FlowNetwork) downstreamRequests() map[int]float64 {
	requests := map[int]float64{}
	for i := len(m.order) - 1; i >= 0; i-- {
		id := m.order[i]
		req := m.param(rakey.Node, id, AttrDemand, 0)
		for _, linkID := range m.outgoing[id] {
			downstream := requests[m.links[linkID].Node2ID]
			if cap, ok := m.params[paramKey{rakey.Link, linkID, AttrFlowCapacity}]; ok {
				downstream = math.Min(downstream, cap)
			}
			req += downstream
		}
		requests[id] = req
	}
	return requests
}

// distribute splits a node's outflow across its outgoing links, proportional
// to downstream requests, respecting link capacities. Leftover water follows
// the first uncapped link.
func (m *FlowNetwork) distribute(id int, outflow float64, requests map[int]float64, linkFlow map[int]float64) {
	out := m.outgoing[id]
	if len(out) == 0 || outflow <= 0 {
		return
	}

	totalReq := 0.0
	for _, linkID := range out {
		totalReq += requests[m.links[linkID].Node2ID]
	}

	remaining := outflow
	for i, linkID := range out {
		var share float64
		if totalReq > 0 {
			share = outflow * requests[m.links[linkID].Node2ID] / totalReq
		} else {
			share = outflow / float64(len(out))
		}
		if cap, ok := m.params[paramKey{rakey.Link, linkID, AttrFlowCapacity}]; ok {
			share = math.Min(share, cap)
		}
		if i == len(out)-1 {
			share = math.Min(remaining, share)
		}
		linkFlow[linkID] += share
		remaining -= share
	}
}

// CollectOutputs returns the last step's results.
func (m *FlowNetwork) CollectOutputs() map[OutputKey]float64 {
	out := make(map[OutputKey]float64, len(m.outputs))
	for k, v := range m.outputs {
		out[k] = v
	}
	return out
}
