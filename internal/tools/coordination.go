package tools

import (
	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/graph"
	"github.com/nextlevelbuilder/loom/internal/keeper"
	"github.com/nextlevelbuilder/loom/internal/queries"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/internal/tasks"
)

// Coordination bundles the collaborators behind the built-in tools.
// Nil fields leave the corresponding tools unregistered.
type Coordination struct {
	Graph     *graph.Graph
	Keepers   *keeper.Manager
	Queries   *queries.Router
	Tasks     *tasks.Manager
	Bus       *bus.Bus
	Registry  *registry.Registry
	Spawner   Spawner
	Roles     RoleChanger
	SubAgents SubAgentRunner
}

// RegisterCoordination adds every built-in coordination tool whose
// collaborator is wired.
func RegisterCoordination(reg *Registry, c Coordination) {
	if c.Graph != nil {
		reg.Register(NewDecisionLogTool(c.Graph))
		reg.Register(NewDecisionQueryTool(c.Graph))
	}
	if c.Keepers != nil {
		reg.Register(NewContextOffloadTool(c.Keepers))
		reg.Register(NewContextRetrieveTool(c.Keepers))
	}
	if c.Queries != nil {
		reg.Register(NewPeerAskTool(c.Queries))
		reg.Register(NewPeerAnswerTool(c.Queries))
		reg.Register(NewPeerForwardTool(c.Queries))
	}
	if c.Bus != nil && c.Registry != nil {
		reg.Register(NewPeerMessageTool(c.Bus, c.Registry))
	}
	if c.Registry != nil {
		reg.Register(NewPeerDiscoveryTool(c.Registry))
	}
	if c.Tasks != nil {
		reg.Register(NewTeamAssignTool(c.Tasks))
		reg.Register(NewTeamProgressTool(c.Tasks))
		reg.Register(NewPeerCreateTaskTool(c.Tasks))
	}
	if c.Spawner != nil {
		reg.Register(NewTeamSpawnTool(c.Spawner))
	}
	if c.Roles != nil {
		reg.Register(NewPeerChangeRoleTool(c.Roles))
	}
	if c.SubAgents != nil {
		reg.Register(NewSubAgentTool(c.SubAgents))
	}
}
