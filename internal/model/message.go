package model

import "time"

// MessageKind classifies network messages carried by the transport.
type MessageKind string

const (
	MsgPing            MessageKind = "ping"
	MsgPong            MessageKind = "pong"
	MsgNodeDiscovery   MessageKind = "node_discovery"
	MsgContentStore    MessageKind = "content_store"
	MsgContentRetrieve MessageKind = "content_retrieve"
	MsgContentLocate   MessageKind = "content_locate"
	MsgGossip          MessageKind = "gossip"
	MsgSyncRequest     MessageKind = "sync_request"
)

// NetworkMessage is the transport envelope. Wire encoding is owned by the
// peer-to-peer layer; the fabric only relies on these fields. TTL is
// decremented on every hop and the message is dropped at zero.
type NetworkMessage struct {
	ID        string
	Sender    Hash
	Recipient *Hash
	Kind      MessageKind
	Payload   []byte
	Timestamp time.Time
	TTL       int
}

// IsBroadcast reports whether the message has no designated recipient.
func (m *NetworkMessage) IsBroadcast() bool {
	return m.Recipient == nil
}

// Expired reports whether the TTL has been exhausted.
func (m *NetworkMessage) Expired() bool {
	return m.TTL <= 0
}
