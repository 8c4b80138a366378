package engine

import (
	"fmt"

	"github.com/praxisline/agentd/common/models"
)

// graph is the validated execution plan built once per execution.
// Construction rejects cycles, dangling edges, and duplicate node ids.
type graph struct {
	nodes map[string]*models.WorkflowNode
	// outgoing edges per source, in canvas order
	outgoing map[string][]models.WorkflowEdge
	// number of incoming edges per node, used as the wait count
	incoming map[string]int
	// nodes with no incoming edges
	startNodes []string
	// deterministic node order for iteration
	order []string
}

func buildGraph(data *models.WorkflowData) (*graph, error) {
	g := &graph{
		nodes:    make(map[string]*models.WorkflowNode, len(data.Nodes)),
		outgoing: make(map[string][]models.WorkflowEdge),
		incoming: make(map[string]int),
	}

	for i := range data.Nodes {
		node := &data.Nodes[i]
		if node.ID == "" {
			return nil, fmt.Errorf("node at index %d has no id", i)
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		switch node.Type {
		case models.NodeTrigger, models.NodeTool, models.NodeAgent, models.NodeConditional:
		default:
			return nil, fmt.Errorf("node %q has unknown type %q", node.ID, node.Type)
		}
		g.nodes[node.ID] = node
		g.order = append(g.order, node.ID)
	}

	for _, edge := range data.Edges {
		if _, ok := g.nodes[edge.FromNodeID]; !ok {
			return nil, fmt.Errorf("edge references unknown source node %q", edge.FromNodeID)
		}
		if _, ok := g.nodes[edge.ToNodeID]; !ok {
			return nil, fmt.Errorf("edge references unknown target node %q", edge.ToNodeID)
		}
		g.outgoing[edge.FromNodeID] = append(g.outgoing[edge.FromNodeID], edge)
		g.incoming[edge.ToNodeID]++
	}

	for _, id := range g.order {
		if g.incoming[id] == 0 {
			g.startNodes = append(g.startNodes, id)
		}
	}

	if err := g.rejectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// rejectCycles runs Kahn's algorithm; leftover nodes mean a cycle
func (g *graph) rejectCycles() error {
	if len(g.nodes) == 0 {
		return nil
	}

	degree := make(map[string]int, len(g.nodes))
	for id, n := range g.incoming {
		degree[id] = n
	}

	queue := append([]string(nil), g.startNodes...)
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, edge := range g.outgoing[id] {
			degree[edge.ToNodeID]--
			if degree[edge.ToNodeID] == 0 {
				queue = append(queue, edge.ToNodeID)
			}
		}
	}

	if visited != len(g.nodes) {
		return fmt.Errorf("workflow contains a cycle")
	}
	return nil
}

// routeConditional picks the outgoing edge matching the branch taken by a
// conditional node. A missing or unmatched branch routes to END, i.e.
// every outgoing edge is skipped.
func (g *graph) routeConditional(nodeID, branch string) (taken *models.WorkflowEdge) {
	for i := range g.outgoing[nodeID] {
		edge := &g.outgoing[nodeID][i]
		if edge.Branch() == branch {
			return edge
		}
	}
	return nil
}
