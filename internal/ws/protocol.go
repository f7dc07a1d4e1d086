package ws

import (
	"sort"

	"github.com/nsfeed/nsfeed/internal/feed"
	"github.com/nsfeed/nsfeed/internal/state"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgFact     MessageType = "fact"
	MsgStatus   MessageType = "status"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// Fact is one state record as sent to observers.
type Fact struct {
	Key string `json:"key"`
	TS  int64  `json:"ts"`
	Ack bool   `json:"ack"`
	Val any    `json:"val"`
}

func newFact(key string, rec state.Record) Fact {
	return Fact{Key: key, TS: rec.TS, Ack: rec.Ack, Val: rec.Val}
}

func sortFacts(facts []Fact) {
	sort.Slice(facts, func(i, j int) bool { return facts[i].Key < facts[j].Key })
}

type SnapshotPayload struct {
	Facts  []Fact              `json:"facts"`
	Health feed.HealthSnapshot `json:"health"`
}

type FactPayload struct {
	Facts []Fact `json:"facts"`
}

type StatusPayload struct {
	Connected bool                `json:"connected"`
	Health    feed.HealthSnapshot `json:"health"`
}
