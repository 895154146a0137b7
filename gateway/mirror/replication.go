package mirror

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/rs/zerolog/log"
)

// ReplicationTopic is where workers publish core blocks for the mirror.
// Registration responses carry it so workers need no prior configuration.
const ReplicationTopic = "hypertuna/replication/v1"

// replicationFrame is one replicated block on the topic. Block content is
// opaque to the mirror.
type replicationFrame struct {
	WriterKey string `json:"writerKey"`
	CoreKey   string `json:"coreKey"`
	Seq       uint64 `json:"seq"`
	Block     []byte `json:"block"`
}

// AttachReplication subscribes the mirror to the replication topic and
// pulls blocks until ctx is cancelled. Untrusted writers are dropped by
// Append; nothing on this path can fail the gateway.
func (mr *Mirror) AttachReplication(ctx context.Context, ps *pubsub.PubSub) error {
	topic, err := ps.Join(ReplicationTopic)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}

	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			var frame replicationFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				continue
			}
			res := mr.Append(frame.WriterKey, frame.CoreKey, frame.Seq, frame.Block)
			if res.Status == StatusUntrusted {
				log.Debug().
					Str("writer", frame.WriterKey).
					Str("core", frame.CoreKey).
					Msg("[mirror] dropped block from untrusted writer")
			}
		}
	}()
	return nil
}
