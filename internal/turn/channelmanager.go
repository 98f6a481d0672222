package turn

import (
	"github.com/golang/groupcache/lru"
)

// ChannelTable allocates TURN channel numbers to peer addresses, bounded to
// the usable 16383-slot range, per [RFC5766 §11]. When the table is full
// the least-recently-used binding is evicted and its peer reverts to
// Send/Data indications until it is rebound — implemented with
// groupcache's LRU cache rather than a hand-rolled ring buffer.
type ChannelTable struct {
	byPeer   *lru.Cache
	byNumber map[uint16]string
	free     []uint16
	next     uint16
}

// NewChannelTable builds a table over the full [MinChannelNumber,
// MaxChannelNumber] range.
func NewChannelTable() *ChannelTable {
	t := &ChannelTable{next: MinChannelNumber, byNumber: make(map[uint16]string)}
	t.byPeer = &lru.Cache{
		MaxEntries: MaxChannelNumber - MinChannelNumber + 1,
		OnEvicted: func(key lru.Key, value interface{}) {
			ch := value.(uint16)
			t.free = append(t.free, ch)
			delete(t.byNumber, ch)
		},
	}
	return t
}

// Bind returns the channel number for peer, allocating a fresh one (or
// reusing a freed one) if this is the first binding.
func (t *ChannelTable) Bind(peer string) uint16 {
	if v, ok := t.byPeer.Get(peer); ok {
		return v.(uint16)
	}

	var ch uint16
	if n := len(t.free); n > 0 {
		ch = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		ch = t.next
		t.next++
	}
	t.byPeer.Add(peer, ch)
	t.byNumber[ch] = peer
	return ch
}

// PeerFor reverses a channel number back to its bound peer address,
// resolving the peer an inbound ChannelData frame actually came from.
func (t *ChannelTable) PeerFor(ch uint16) (string, bool) {
	peer, ok := t.byNumber[ch]
	return peer, ok
}

// Lookup returns the channel number already bound to peer, if any, without
// allocating.
func (t *ChannelTable) Lookup(peer string) (uint16, bool) {
	v, ok := t.byPeer.Get(peer)
	if !ok {
		return 0, false
	}
	return v.(uint16), true
}

// Unbind releases peer's channel number back to the free list.
func (t *ChannelTable) Unbind(peer string) {
	t.byPeer.Remove(peer)
}

// Len returns the number of active bindings.
func (t *ChannelTable) Len() int {
	return t.byPeer.Len()
}
