package handshake

import "sync"

// inflight counts negotiations in progress per peer.
type inflight struct {
	mu    sync.Mutex
	peers map[string]int
}

func (f *inflight) add(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peers == nil {
		f.peers = make(map[string]int)
	}
	f.peers[peerID]++
}

func (f *inflight) done(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peers[peerID] <= 1 {
		delete(f.peers, peerID)
		return
	}
	f.peers[peerID]--
}

func (f *inflight) has(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[peerID] > 0
}
