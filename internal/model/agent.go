package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Role is a caller's RBAC role.
type Role string

const (
	// RoleOperator can configure rules and limits, toggle the emergency
	// stop, and decide proposals manually.
	RoleOperator Role = "operator"
	// RoleAgent can start/complete runs and create proposals.
	RoleAgent Role = "agent"
	// RoleReader can query runs, proposals, limits, and health.
	RoleReader Role = "reader"
)

// roleRank orders roles for RoleAtLeast. Higher rank implies all
// capabilities of lower ranks.
var roleRank = map[Role]int{
	RoleReader:   1,
	RoleAgent:    2,
	RoleOperator: 3,
}

// RoleAtLeast reports whether role has at least the capabilities of min.
func RoleAtLeast(role, min Role) bool {
	return roleRank[role] >= roleRank[min]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Agent is an authenticated caller: an automated agent, an operator, or a
// read-only dashboard. Agents exchange their API key for a JWT.
type Agent struct {
	ID         uuid.UUID `json:"id"`
	AgentID    string    `json:"agent_id"`
	Role       Role      `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ValidateAgentID checks the agent identifier format.
func ValidateAgentID(agentID string) error {
	if !agentIDPattern.MatchString(agentID) {
		return fmt.Errorf("agent_id must be 1-128 characters of [a-zA-Z0-9._-], starting alphanumeric")
	}
	return nil
}
