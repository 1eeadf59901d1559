package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	nodesSuffix = "_nodes"
	nodeTTL     = 60 * time.Second
)

// NodeInfo is one process's heartbeat.
type NodeInfo struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// Nodes lists the processes sharing the relay.
type Nodes interface {
	Start(ctx context.Context)
	Active(ctx context.Context) ([]NodeInfo, error)
}

// NodeRegistry tracks relay processes in a Redis hash. Each process writes
// a heartbeat; entries older than 60s are ignored.
type NodeRegistry struct {
	rdb       *goredis.Client
	key       string
	nodeID    string
	version   string
	heartbeat time.Duration
	clock     clockwork.Clock
}

func NewNodeRegistry(rdb *goredis.Client, prefix, nodeID, version string, heartbeat time.Duration, clock clockwork.Clock) *NodeRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NodeRegistry{
		rdb:       rdb,
		key:       prefix + nodesSuffix,
		nodeID:    nodeID,
		version:   version,
		heartbeat: heartbeat,
		clock:     clock,
	}
}

// Start registers immediately, then on every heartbeat. Blocks until ctx is
// cancelled and unregisters on the way out.
func (r *NodeRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *NodeRegistry) register(ctx context.Context) {
	data, err := json.Marshal(NodeInfo{
		NodeID:    r.nodeID,
		Timestamp: r.clock.Now().Unix(),
		Version:   r.version,
	})
	if err != nil {
		return
	}

	if err := r.rdb.HSet(ctx, r.key, r.nodeID, data).Err(); err != nil {
		slog.WarnContext(ctx, "Node heartbeat failed", "node_id", r.nodeID, "error", err, "error_kind", "relay")
	}
}

func (r *NodeRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.rdb.HDel(ctx, r.key, r.nodeID)
}

// Active returns nodes with a heartbeat in the last 60 seconds, sorted by id.
func (r *NodeRegistry) Active(ctx context.Context) ([]NodeInfo, error) {
	entries, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().Unix()
	infos := []NodeInfo{}
	for _, data := range entries {
		var info NodeInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(nodeTTL/time.Second) {
			infos = append(infos, info)
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].NodeID < infos[j].NodeID })
	return infos, nil
}

// LocalNodes is the Nodes view of a process with an in-memory backend: it
// is the whole fleet.
type LocalNodes struct {
	info  NodeInfo
	clock clockwork.Clock
}

func NewLocalNodes(nodeID, version string, clock clockwork.Clock) *LocalNodes {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalNodes{info: NodeInfo{NodeID: nodeID, Version: version}, clock: clock}
}

func (n *LocalNodes) Start(ctx context.Context) {
	<-ctx.Done()
}

func (n *LocalNodes) Active(context.Context) ([]NodeInfo, error) {
	info := n.info
	info.Timestamp = n.clock.Now().Unix()
	return []NodeInfo{info}, nil
}

// NewNodes picks the Nodes implementation matching backend.
func NewNodes(backend Backend, prefix, nodeID, version string, heartbeat time.Duration, clock clockwork.Clock) Nodes {
	if rb, ok := backend.(*RedisBackend); ok {
		return NewNodeRegistry(rb.Client(), prefix, nodeID, version, heartbeat, clock)
	}
	return NewLocalNodes(nodeID, version, clock)
}
