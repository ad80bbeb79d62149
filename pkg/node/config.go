package node

import (
	"fmt"
	"time"
)

// Config holds the presence node's identity and tunables.
type Config struct {
	// NodeID is this instance's unique identifier. Required to start a
	// node; checked by Validate rather than struct tags so coordinator
	// deployments can leave the node section empty.
	NodeID string `mapstructure:"node_id" yaml:"node_id"`

	// AssignedVNodes lists the vnode ids this node owns. Required; every
	// id must fall in [0, VNodeCount).
	AssignedVNodes []int `mapstructure:"assigned_vnodes" yaml:"assigned_vnodes"`

	// VNodeCount is the fixed ring size V. Must match the coordinator's.
	VNodeCount int `mapstructure:"vnode_count" validate:"omitempty,gt=0" yaml:"vnode_count"`

	// Port is the WebSocket listen port. Default: 8081.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// HeartbeatInterval is how often ownership and load are refreshed in
	// the directory. Default: 30s.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// PingInterval is the per-connection liveness ping period. Default: 30s.
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`

	// OwnerTTL is the directory lease applied on each heartbeat. Must
	// exceed HeartbeatInterval or ownership flickers between beats.
	// Default: 60s.
	OwnerTTL time.Duration `mapstructure:"owner_ttl" yaml:"owner_ttl"`

	// StaleAfter is the age at which a remote presence entry with no
	// refreshing event is evicted. Default: 3x HeartbeatInterval.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`

	// ShutdownTimeout bounds graceful shutdown. Default: 5s.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ApplyDefaults fills unset tunables.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8081
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.OwnerTTL == 0 {
		c.OwnerTTL = 60 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 3 * c.HeartbeatInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks the configuration, failing fast on anything that would
// make the node misroute users.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.VNodeCount <= 0 {
		return fmt.Errorf("vnode count must be positive, got %d", c.VNodeCount)
	}
	if len(c.AssignedVNodes) == 0 {
		return fmt.Errorf("at least one assigned vnode is required")
	}
	for _, id := range c.AssignedVNodes {
		if id < 0 || id >= c.VNodeCount {
			return fmt.Errorf("assigned vnode %d out of range [0, %d)", id, c.VNodeCount)
		}
	}
	if c.OwnerTTL <= c.HeartbeatInterval {
		return fmt.Errorf("owner ttl %s must exceed heartbeat interval %s", c.OwnerTTL, c.HeartbeatInterval)
	}
	return nil
}
