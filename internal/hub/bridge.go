// ABOUTME: Event bridge pushing bus-published task assignments to node connections.
// ABOUTME: At-most-once, best-effort delivery; failures are logged, never re-thrown into the bus.

package hub

import (
	"context"
	"log/slog"

	"github.com/roostlabs/roost-hub/internal/bus"
	"github.com/roostlabs/roost-hub/internal/protocol"
)

// EventBridge subscribes once to the task-assigned topic and forwards each
// assignment to the target node's connection. There is no retry and no
// queue: a node without a live connection drops the task, by design.
type EventBridge struct {
	nodes  *NodeExtension
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventBridge subscribes to the task-assigned topic and starts the
// delivery loop. Call Close to drop the subscription.
func NewEventBridge(b *bus.Bus, nodes *NodeExtension, logger *slog.Logger) *EventBridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	br := &EventBridge{
		nodes:  nodes,
		logger: logger.With("component", "event-bridge"),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	ch, _ := b.Subscribe(ctx, bus.TopicTaskAssigned)
	go br.run(ch)
	return br
}

func (br *EventBridge) run(ch <-chan bus.Event) {
	defer close(br.done)
	for ev := range ch {
		task, ok := ev.Payload.(bus.TaskAssignedEvent)
		if !ok {
			br.logger.Warn("unexpected payload on task topic", "topic", ev.Topic)
			continue
		}
		br.dispatch(task)
	}
}

// dispatch delivers one assignment. A send failure must not affect other
// subscribers of the topic, so nothing here panics or returns an error.
func (br *EventBridge) dispatch(task bus.TaskAssignedEvent) {
	msg := protocol.TaskAssign{
		Type:       protocol.TypeTaskAssign,
		TaskID:     task.TaskID,
		NodeID:     task.NodeID,
		ToolName:   task.ToolName,
		Capability: task.Capability,
		ToolArgs:   task.ToolArgs,
		TimeoutMS:  task.TimeoutMS,
		Metadata:   task.Metadata,
	}

	found, err := br.nodes.SendToNode(task.NodeID, msg)
	if !found {
		br.logger.Warn("task dispatch failed: node has no live connection",
			"task_id", task.TaskID, "node_id", task.NodeID)
		return
	}
	if err != nil {
		br.logger.Error("task dispatch send failed",
			"task_id", task.TaskID, "node_id", task.NodeID, "error", err)
		return
	}

	br.logger.Debug("task dispatched", "task_id", task.TaskID, "node_id", task.NodeID)
}

// Close drops the subscription and waits for the delivery loop to exit.
func (br *EventBridge) Close() {
	br.cancel()
	<-br.done
}

// MirrorToBus republishes connection lifecycle and tool-change events on the
// bus, so observers outside the dispatch layer can subscribe by topic instead
// of registering hub listeners.
func MirrorToBus(d *Dispatcher, b *bus.Bus) {
	d.Notify(func(ev Event) {
		switch e := ev.(type) {
		case ConnectedEvent:
			b.Publish(bus.TopicNodeConnected, bus.NodeLifecycleEvent{
				ConnectionID: e.ConnectionID,
			})
		case DisconnectedEvent:
			b.Publish(bus.TopicNodeDisconnected, bus.NodeLifecycleEvent{
				ConnectionID: e.ConnectionID,
				NodeID:       e.NodeID,
			})
		case ToolsRegisteredEvent:
			b.Publish(bus.TopicToolsChanged, bus.ToolsChangedEvent{
				ConnectionID: e.ConnectionID,
				Tools:        e.Tools,
				Registered:   true,
			})
		case ToolsUnregisteredEvent:
			b.Publish(bus.TopicToolsChanged, bus.ToolsChangedEvent{
				ConnectionID: e.ConnectionID,
				Tools:        e.Tools,
				Registered:   false,
			})
		}
	})
}
