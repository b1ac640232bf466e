/*
Package events provides an in-memory event broker that broadcasts
control-plane events to subscribers.

The topology engine (pkg/topology) publishes an event after each mutation:
rooms added, dropped or moved, instances added, dropped or updated, and
instance state changes, including the migrate flag. The cluster wiring
(pkg/cluster) creates and starts one broker and hands it to the topology
engine. The balancing.* event types are defined but no package publishes
them.

# Architecture

	Publisher → event channel (buffer: 100) → broadcast loop
	          → subscriber channels (buffer: 50 each)

# Core Components

Broker:
  - NewBroker creates it, Start launches the broadcast loop, Stop ends it
  - Every event goes to every subscriber (no topic filtering)

Event:
  - ID, Type, Timestamp, Message, and Metadata (string key/value pairs)
  - Publish sets Timestamp to the current time when it is zero

Subscriber:
  - Channel of *Event, buffered to 50 events
  - Created by Subscribe, removed and closed by Unsubscribe

Event Types:
  - logical_room.added, logical_room.dropped
  - physical_room.added, physical_room.dropped, physical_room.moved
  - instance.added, instance.dropped, instance.updated, instance.state_changed
  - balancing.plan_issued, balancing.suppressed (not published)

# Delivery

  - Publish puts the event on the broker's queue. While the queue is full it
    waits until there is room; once the broker is stopped it no longer waits.
  - The broadcast loop sends each event to every subscriber. A subscriber
    whose buffer is full does not receive that event; there is no retry.
  - Stop ends the broadcast loop, so events still queued are not delivered.
    Subscriber channels stay open until Unsubscribe closes them.
  - Delivery is in memory only: no persistence, replay or acknowledgement.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventInstanceAdded,
		Message:  "instance added",
		Metadata: map[string]string{"address": "10.0.0.1:8110"},
	})
*/
package events
