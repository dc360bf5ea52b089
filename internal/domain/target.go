package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PrimaryTargetID is the identifier of the primary database target.
const PrimaryTargetID = "primary"

// TargetRole distinguishes the primary from read replicas.
type TargetRole string

const (
	RolePrimary TargetRole = "primary"
	RoleReplica TargetRole = "replica"
)

// DatabaseTarget identifies either the primary or one named replica.
type DatabaseTarget struct {
	ID   string     `json:"id"`
	Role TargetRole `json:"role"`
	Host string     `json:"host"`
	Port int        `json:"port"`
}

// IsPrimary reports whether the target is the primary.
func (t DatabaseTarget) IsPrimary() bool {
	return t.Role == RolePrimary
}

// Addr returns host:port.
func (t DatabaseTarget) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ReplicaInfo describes one configured replica as last seen by the health monitor.
type ReplicaInfo struct {
	ID             string         `json:"id"`
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	Weight         float64        `json:"weight"`
	IsHealthy      bool           `json:"is_healthy"`
	CPUUtilization float64        `json:"cpu_utilization"`
	ReplicationLag *time.Duration `json:"replication_lag,omitempty"`
}

// Target returns the routing target for the replica.
func (r ReplicaInfo) Target() DatabaseTarget {
	return DatabaseTarget{ID: r.ID, Role: RoleReplica, Host: r.Host, Port: r.Port}
}

// OperationKind classifies a database operation.
type OperationKind int

const (
	OperationRead OperationKind = iota
	OperationWrite
)

func (k OperationKind) String() string {
	switch k {
	case OperationRead:
		return "READ"
	case OperationWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// ParseOperationKind parses READ or WRITE, case-insensitively.
func ParseOperationKind(s string) (OperationKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "READ":
		return OperationRead, nil
	case "WRITE":
		return OperationWrite, nil
	default:
		return OperationRead, fmt.Errorf("unknown operation kind %q", s)
	}
}

// Query is the unit the router classifies. It lives for one database call.
type Query struct {
	Kind                      OperationKind
	RequiresStrongConsistency bool
}

// RequiresPrimary reports whether the query may only run on the primary.
func (q Query) RequiresPrimary() bool {
	return q.Kind == OperationWrite || q.RequiresStrongConsistency
}

// Router selects a target for a query.
type Router interface {
	Route(ctx context.Context, query Query) (DatabaseTarget, error)
}
