package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

var ErrNotLeader = errors.New("replica leader required")

type ApplyFunc func(cmd PublishBatchCommand)
type AckFunc func(token string)

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Storage             *raft.MemoryStorage
	Apply               ApplyFunc
	Ack                 AckFunc
	BootstrapNewCluster bool
}

// Engine replicates the board log through a single raft group. The
// leader proposes publish batches; every node applies committed batches
// to its local board in commit order.
type Engine struct {
	cfg       Config
	transport *tcpTransport
	node      raft.Node
	storage   *raft.MemoryStorage
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		cfg.Storage = raft.NewMemoryStorage()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}

	e := &Engine{cfg: cfg, storage: cfg.Storage, stopCh: make(chan struct{})}
	t, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, func(msg raftpb.Message) {
		if e.node == nil {
			return
		}
		_ = e.node.Step(context.Background(), msg)
	})
	if err != nil {
		return nil, err
	}
	e.transport = t

	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}

	rc := &raft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTicks,
		HeartbeatTick:   cfg.HeartbeatTicks,
		Storage:         cfg.Storage,
		MaxSizePerMsg:   cfg.MaxMessageSize,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
	}
	if cfg.BootstrapNewCluster {
		e.node = raft.StartNode(rc, peers)
	} else {
		e.node = raft.RestartNode(rc)
	}
	return e, nil
}

func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

func (e *Engine) Stop() error {
	close(e.stopCh)
	e.node.Stop()
	e.wg.Wait()
	return e.transport.close()
}

func (e *Engine) Leader() uint64 { return e.node.Status().Lead }

func (e *Engine) IsLeader() bool { return e.node.Status().RaftState == raft.StateLeader }

func (e *Engine) Propose(ctx context.Context, cmd PublishBatchCommand) error {
	cmd.FillTimestamp()
	if st := e.node.Status(); st.RaftState != raft.StateLeader {
		return fmt.Errorf("%w: leader=%d", ErrNotLeader, st.Lead)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return e.node.Propose(ctx, b)
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.node.Tick()
		case rd := <-e.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = e.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = e.storage.SetHardState(rd.HardState)
			}
			_ = e.storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				_ = e.transport.send(m.To, m)
			}
			for _, ent := range rd.CommittedEntries {
				if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 {
					continue
				}
				var cmd PublishBatchCommand
				if err := json.Unmarshal(ent.Data, &cmd); err != nil {
					continue
				}
				if e.cfg.Apply != nil {
					e.cfg.Apply(cmd)
				}
				if e.cfg.Ack != nil {
					for _, entry := range cmd.Entries {
						if entry.AckToken != "" {
							e.cfg.Ack(entry.AckToken)
						}
					}
				}
			}
			e.node.Advance()
		}
	}
}
