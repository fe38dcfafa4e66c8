package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/metrics"
	"github.com/devrev/scaledb/internal/model"
)

// GossipService discovers peer shard nodes and shares each node's shard
// index, RPC address and health over memberlist.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.RWMutex
	local NodeInfo
	peers map[string]NodeInfo
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NodeInfo is the metadata a node gossips about itself.
type NodeInfo struct {
	NodeID     string           `json:"node_id"`
	ShardIndex int              `json:"shard_index"`
	RPCAddr    string           `json:"rpc_addr"`
	Status     model.NodeStatus `json:"status"`
	Keys       int              `json:"keys"`
	Timestamp  int64            `json:"timestamp"`
}

// NewGossipService starts memberlist and joins the seed nodes. m may be nil.
func NewGossipService(cfg *GossipConfig, local NodeInfo, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := newGossipState(cfg, local, m, logger)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = local.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(gs.logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			gs.logger.Warn("Failed to join some seed nodes",
				zap.Int("joined", n),
				zap.Error(err))
		}
	}

	return gs, nil
}

func newGossipState(cfg *GossipConfig, local NodeInfo, m *metrics.Metrics, logger *zap.Logger) *GossipService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if local.Status == "" {
		local.Status = model.NodeStatusHealthy
	}
	local.Timestamp = time.Now().Unix()
	return &GossipService{
		config:  cfg,
		metrics: m,
		logger:  logger,
		local:   local,
		peers:   make(map[string]NodeInfo),
	}
}

// LocalPort returns the port memberlist is bound to.
func (s *GossipService) LocalPort() int {
	return int(s.memberlist.LocalNode().Port)
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, err := json.Marshal(s.local)
	s.mu.RUnlock()
	if err != nil || len(data) > limit {
		s.logger.Warn("Node metadata does not fit gossip limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit),
			zap.Error(err))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var info NodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	s.recordPeer(info, "message")
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s.local)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	var info NodeInfo
	if err := json.Unmarshal(buf, &info); err != nil {
		s.logger.Warn("Failed to unmarshal remote state", zap.Error(err))
		return
	}
	s.recordPeer(info, "push_pull")
}

// UpdateHealthStatus refreshes the advertised status and pushes it to peers.
func (s *GossipService) UpdateHealthStatus(status model.HealthStatus) {
	s.mu.Lock()
	s.local.Status = status.Status
	s.local.Keys = status.Keys
	s.local.Timestamp = time.Now().Unix()
	s.mu.Unlock()

	if s.memberlist != nil {
		if err := s.memberlist.UpdateNode(time.Second); err != nil {
			s.logger.Warn("Failed to propagate node metadata", zap.Error(err))
		}
	}
}

// Members returns the IDs of all known nodes, this one included, sorted.
func (s *GossipService) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []string{s.local.NodeID}
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Peers returns every known node, this one included, ordered by shard index.
func (s *GossipService) Peers() []NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []NodeInfo{s.local}
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShardIndex != out[j].ShardIndex {
			return out[i].ShardIndex < out[j].ShardIndex
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// ShardAddrs returns the RPC addresses of shards 0..count-1 in partition
// order. ok is false until every index is served by a known, healthy node
// with an RPC address. Nodes that only route, advertised with a negative
// index, are ignored.
func (s *GossipService) ShardAddrs(count int) (addrs []string, ok bool) {
	addrs = make([]string, count)
	for _, p := range s.Peers() {
		if p.ShardIndex < 0 || p.ShardIndex >= count || p.RPCAddr == "" {
			continue
		}
		if p.Status == model.NodeStatusUnhealthy {
			continue
		}
		if addrs[p.ShardIndex] == "" {
			addrs[p.ShardIndex] = p.RPCAddr
		}
	}
	for _, a := range addrs {
		if a == "" {
			return nil, false
		}
	}
	return addrs, true
}

// WaitForShards polls until ShardAddrs(count) is complete or ctx ends.
func (s *GossipService) WaitForShards(ctx context.Context, count int, poll time.Duration) ([]string, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if addrs, ok := s.ShardAddrs(count); ok {
			return addrs, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d shards: %w", count, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Shutdown leaves the cluster and stops memberlist.
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *GossipService) recordPeer(info NodeInfo, source string) {
	if info.NodeID == "" {
		return
	}
	s.mu.Lock()
	if info.NodeID == s.local.NodeID {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.peers[info.NodeID]; ok && prev.Timestamp > info.Timestamp {
		s.mu.Unlock()
		return
	}
	s.peers[info.NodeID] = info
	members := len(s.peers) + 1
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordGossipMessage(source)
		s.metrics.UpdateGossipStats(members)
	}
}

func (s *GossipService) removePeer(nodeID string) {
	s.mu.Lock()
	delete(s.peers, nodeID)
	members := len(s.peers) + 1
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordGossipMessage("leave")
		s.metrics.UpdateGossipStats(members)
	}
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

func (d *GossipEventDelegate) decode(node *memberlist.Node) (NodeInfo, bool) {
	var info NodeInfo
	if len(node.Meta) == 0 {
		return info, false
	}
	if err := json.Unmarshal(node.Meta, &info); err != nil {
		d.service.logger.Warn("Failed to decode node metadata",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return info, false
	}
	info.NodeID = node.Name
	return info, true
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	if info, ok := d.decode(node); ok {
		d.service.recordPeer(info, "join")
	}
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.removePeer(node.Name)
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
	if info, ok := d.decode(node); ok {
		d.service.recordPeer(info, "update")
	}
}
