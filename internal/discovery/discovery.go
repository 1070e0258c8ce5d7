// Package discovery implements the bus's slot-based collision-avoidance
// scan: wake every node, run several randomized-slot polling rounds to
// harvest UIDs without a storm of simultaneous responses (silencing each
// node as soon as its UID is seen), then unsilence every node and query
// each discovered one for its identity.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"bootbus/internal/logging"
	"bootbus/internal/metrics"
	"bootbus/internal/proto"
	"bootbus/internal/transport"
)

// NodeInfo is one discovered node's identity, or the error that prevented
// reading it.
type NodeInfo struct {
	NodeID byte
	FwID   byte
	Err    error
}

// Result maps a discovered UID (as returned by proto.Address.UID) to its
// node info.
type Result map[string]NodeInfo

// slotFloor is subtracted from the requested slot count before it's sent
// as BOOT_GET_ID's budget hint; per the open question in the protocol
// notes this is an empirical constant, not a derived one.
const slotFloor = 32

// pollInterval is how often a round polls Bus.Recv while its window is
// open.
const pollInterval = 20 * time.Millisecond

// unsilenceSettle is how long the engine waits after the final
// BOOT_UNSILENCE before issuing BOOT_GET_NODE_INFO queries.
const unsilenceSettle = 50 * time.Millisecond

// nodeInfoTimeout bounds how long a single BOOT_GET_NODE_INFO query waits
// for a response.
const nodeInfoTimeout = 100 * time.Millisecond

// sleepFn is overridable in tests so a simulated scan doesn't actually
// wait out real slot windows.
var sleepFn = time.Sleep

// Run executes the full scan: unsilence, `retries` rounds of BOOT_GET_ID
// with a `slots`-wide window, a final unsilence, then a BOOT_GET_NODE_INFO
// pass over every UID discovered along the way.
func Run(ctx context.Context, bus *transport.Bus, slots, retries int) (Result, error) {
	log := logging.L()
	broadcast := proto.Broadcast()

	if err := bus.Send(broadcast, proto.CmdUnsilence, nil); err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	budget := slotBudget(slots)
	window := time.Duration(slots)*50*time.Millisecond + 200*time.Millisecond

	for round := 0; round < retries; round++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.IncDiscoveryRound()

		if err := bus.Send(broadcast, proto.CmdGetID, []byte{budget}); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(window)
		for time.Now().Before(deadline) {
			rec, ok := bus.Recv(pollInterval)
			if !ok {
				continue
			}
			if rec.Cmd != proto.CmdGetID || rec.UID == nil {
				continue
			}
			uid := *rec.UID
			if _, already := seen[uid]; already {
				continue
			}
			seen[uid] = struct{}{}
			log.Debug("discovery_uid_seen", "uid", uid, "round", round)

			addr, err := proto.ParseUID(uid)
			if err != nil {
				log.Warn("discovery_bad_uid", "uid", uid, "error", err)
				continue
			}
			if err := bus.Send(addr, proto.CmdSilence, nil); err != nil {
				log.Warn("discovery_silence_failed", "uid", uid, "error", err)
			}
		}
	}

	if err := bus.Send(broadcast, proto.CmdUnsilence, nil); err != nil {
		return nil, err
	}
	sleepFn(unsilenceSettle)

	result := make(Result, len(seen))
	for uid := range seen {
		result[uid] = queryNodeInfo(bus, uid, log)
	}
	metrics.SetNodesDiscovered(len(result))
	return result, nil
}

// slotBudget computes the BOOT_GET_ID payload byte: max(0, slots-32).
func slotBudget(slots int) byte {
	b := slots - slotFloor
	if b < 0 {
		b = 0
	}
	if b > 255 {
		b = 255
	}
	return byte(b)
}

func queryNodeInfo(bus *transport.Bus, uid string, log *slog.Logger) NodeInfo {
	addr, err := proto.ParseUID(uid)
	if err != nil {
		return NodeInfo{Err: err}
	}
	if err := bus.Send(addr, proto.CmdGetNodeInfo, nil); err != nil {
		return NodeInfo{Err: err}
	}
	rec, ok := bus.Recv(nodeInfoTimeout)
	if !ok {
		log.Warn("discovery_node_info_timeout", "uid", uid)
		return NodeInfo{Err: errTimeout}
	}
	if rec.Cmd != proto.CmdGetNodeInfo || len(rec.Payload) < 2 {
		return NodeInfo{Err: errShortNodeInfo}
	}
	return NodeInfo{NodeID: rec.Payload[0], FwID: rec.Payload[1]}
}
