package exchange

import (
	"sort"
	"sync"
)

// Store holds the active exchange requests in memory for the matcher. It
// mirrors the persistent Exchange_Match_Reqs rows that are still open and
// also carries requests that are not yet persistent. It is rebuilt from the
// persistent tables at startup.
type Store struct {
	mu sync.Mutex

	bySeqnum map[int64]*Xreq
	byObjID  map[string]*Xreq

	nextSeqnum int64
}

// NewStore returns an empty request store.
func NewStore() *Store {
	return &Store{
		bySeqnum:   make(map[int64]*Xreq),
		byObjID:    make(map[string]*Xreq),
		nextSeqnum: 1,
	}
}

// NextSeqnum allocates the next request ordering id.
func (s *Store) NextSeqnum() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqnum := s.nextSeqnum
	s.nextSeqnum++
	return seqnum
}

// objKey builds the objid index key. The two halves of a split trade
// share an object id, so the side is part of the key.
func objKey(objID []byte, seller bool) string {
	if seller {
		return string(objID) + "/s"
	}
	return string(objID) + "/b"
}

// Add inserts a request. An existing request with the same ObjID on the
// same side is replaced, so a request arriving first as pending and later
// in a block is stored once.
func (s *Store) Add(x *Xreq) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := objKey(x.ObjID, x.IsSeller())
	if old, ok := s.byObjID[key]; ok {
		delete(s.bySeqnum, old.Seqnum)
	}

	s.byObjID[key] = x
	s.bySeqnum[x.Seqnum] = x
}

// Delete removes a request.
func (s *Store) Delete(x *Xreq) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bySeqnum, x.Seqnum)
	key := objKey(x.ObjID, x.IsSeller())
	if cur, ok := s.byObjID[key]; ok && cur.Seqnum == x.Seqnum {
		delete(s.byObjID, key)
	}
}

// SelectSeqnum returns the request with the given seqnum.
func (s *Store) SelectSeqnum(seqnum int64) (*Xreq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.bySeqnum[seqnum]
	return x, ok
}

// SelectObjID returns the request with the given object id, preferring the
// buy half of a split trade.
func (s *Store) SelectObjID(objID []byte) (*Xreq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if x, ok := s.byObjID[objKey(objID, false)]; ok {
		return x, true
	}
	x, ok := s.byObjID[objKey(objID, true)]
	return x, ok
}

// SelectExpire returns the request with the earliest expire time at or
// before blocktime.
func (s *Store) SelectExpire(blocktime uint64) (*Xreq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Xreq
	for _, x := range s.bySeqnum {
		if x.ExpireTime > blocktime {
			continue
		}
		if best == nil || x.ExpireTime < best.ExpireTime ||
			(x.ExpireTime == best.ExpireTime && x.Seqnum < best.Seqnum) {
			best = x
		}
	}
	return best, best != nil
}

// SelectXreqnum returns the persistent request with the smallest xreqnum
// >= minXreqnum, optionally restricted to one type (0 matches any).
func (s *Store) SelectXreqnum(minXreqnum uint64, typeFilter uint32) (*Xreq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Xreq
	for _, x := range s.bySeqnum {
		if x.Xreqnum < minXreqnum || x.Xreqnum == 0 {
			continue
		}
		if typeFilter != 0 && uint32(x.Type) != typeFilter {
			continue
		}
		if best == nil || x.Xreqnum < best.Xreqnum {
			best = x
		}
	}
	return best, best != nil
}

// SelectNextPending returns the pending (non-persistent) request with the
// smallest seqnum.
func (s *Store) SelectNextPending() (*Xreq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Xreq
	for _, x := range s.bySeqnum {
		if x.Xreqnum != 0 {
			continue
		}
		if best == nil || x.Seqnum < best.Seqnum {
			best = x
		}
	}
	return best, best != nil
}

// CountPersistent returns the number of requests that have an xreqnum.
func (s *Store) CountPersistent() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, x := range s.bySeqnum {
		if x.Xreqnum != 0 {
			n++
		}
	}
	return n
}

// CountPending returns the number of requests without an xreqnum.
func (s *Store) CountPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, x := range s.bySeqnum {
		if x.Xreqnum == 0 {
			n++
		}
	}
	return n
}

// PairKey identifies one tradable pair.
type PairKey struct {
	BaseAsset    uint64
	QuoteAsset   uint64
	ForeignAsset string
}

// Pairs returns the sorted pair keys that have matchable requests on both
// sides within the xreqnum window.
func (s *Store) Pairs(maxXreqnum uint64) []PairKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	type sides struct{ buy, sell bool }
	seen := make(map[PairKey]*sides)

	for _, x := range s.bySeqnum {
		if !s.matchable(x, maxXreqnum) {
			continue
		}
		key := PairKey{x.BaseAsset, x.QuoteAsset, x.ForeignAsset}
		side := seen[key]
		if side == nil {
			side = &sides{}
			seen[key] = side
		}
		if x.IsBuyer() {
			side.buy = true
		} else {
			side.sell = true
		}
	}

	var keys []PairKey
	for key, side := range seen {
		if side.buy && side.sell {
			keys = append(keys, key)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.BaseAsset != b.BaseAsset {
			return a.BaseAsset < b.BaseAsset
		}
		if a.QuoteAsset != b.QuoteAsset {
			return a.QuoteAsset < b.QuoteAsset
		}
		return a.ForeignAsset < b.ForeignAsset
	})

	return keys
}

// matchable reports whether a request can participate in the current round.
// Must be called with the lock held.
func (s *Store) matchable(x *Xreq, maxXreqnum uint64) bool {
	if x.Xreqnum == 0 || x.Xreqnum > maxXreqnum {
		return false
	}
	return !bigZero(x.MatchingAmount)
}

// Majors returns the buy requests of a pair ordered most-attractive first:
// descending open rate, then xreqnum, then seqnum. A buyer is skipped when
// its matchable amount cannot cover its own base costs.
func (s *Store) Majors(pair PairKey, maxXreqnum uint64) []*Xreq {
	s.mu.Lock()
	defer s.mu.Unlock()

	var majors []*Xreq
	for _, x := range s.bySeqnum {
		if !x.IsBuyer() || !s.matchable(x, maxXreqnum) {
			continue
		}
		if (PairKey{x.BaseAsset, x.QuoteAsset, x.ForeignAsset}) != pair {
			continue
		}
		if x.BaseAmountFloat(x.MatchingAmount) < x.BaseCosts {
			continue
		}
		majors = append(majors, x)
	}

	sort.Slice(majors, func(i, j int) bool {
		a, b := majors[i], majors[j]
		if a.OpenRateRequired != b.OpenRateRequired {
			return a.OpenRateRequired > b.OpenRateRequired
		}
		if a.Xreqnum != b.Xreqnum {
			return a.Xreqnum < b.Xreqnum
		}
		return a.Seqnum < b.Seqnum
	})

	return majors
}

// Minors returns the sell requests of a pair that a major could clear,
// ordered most-attractive first: ascending open rate, then xreqnum, then
// seqnum. Pairs where neither side needs a recalc are skipped — nothing
// relevant has changed since they were last evaluated.
func (s *Store) Minors(pair PairKey, major *Xreq, maxXreqnum uint64) []*Xreq {
	s.mu.Lock()
	defer s.mu.Unlock()

	var minors []*Xreq
	for _, x := range s.bySeqnum {
		if !x.IsSeller() || !s.matchable(x, maxXreqnum) {
			continue
		}
		if (PairKey{x.BaseAsset, x.QuoteAsset, x.ForeignAsset}) != pair {
			continue
		}
		if !major.Recalc && !x.Recalc {
			continue
		}
		if x.MatchingRateRequired > major.MatchingRateRequired {
			continue
		}
		if x.BaseAmountFloat(x.MatchingAmount) == 0 {
			continue
		}
		minors = append(minors, x)
	}

	sort.Slice(minors, func(i, j int) bool {
		a, b := minors[i], minors[j]
		if a.OpenRateRequired != b.OpenRateRequired {
			return a.OpenRateRequired < b.OpenRateRequired
		}
		if a.Xreqnum != b.Xreqnum {
			return a.Xreqnum < b.Xreqnum
		}
		return a.Seqnum < b.Seqnum
	})

	return minors
}

// BestCandidates returns the buy requests with a best potential match set,
// ordered by xreqnum then seqnum, for the mutual-match sweep.
func (s *Store) BestCandidates(maxXreqnum uint64) []*Xreq {
	s.mu.Lock()
	defer s.mu.Unlock()

	var majors []*Xreq
	for _, x := range s.bySeqnum {
		if !x.IsBuyer() || x.Xreqnum == 0 || x.Xreqnum > maxXreqnum {
			continue
		}
		if bigZero(x.BestAmount) {
			continue
		}
		majors = append(majors, x)
	}

	sort.Slice(majors, func(i, j int) bool {
		a, b := majors[i], majors[j]
		if a.Xreqnum != b.Xreqnum {
			return a.Xreqnum < b.Xreqnum
		}
		return a.Seqnum < b.Seqnum
	})

	return majors
}

// PendingMatches returns the sell requests carrying a pending actual match,
// in pending-match order.
func (s *Store) PendingMatches() []*Xreq {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sells []*Xreq
	for _, x := range s.bySeqnum {
		if x.PendingMatchOrder > 0 {
			sells = append(sells, x)
		}
	}

	sort.Slice(sells, func(i, j int) bool {
		return sells[i].PendingMatchOrder < sells[j].PendingMatchOrder
	})

	return sells
}

// ClearOldPendingMatches drops pending on-hold match fields recorded in an
// earlier epoch so the wallet-facing state doesn't show stale holds.
func (s *Store) ClearOldPendingMatches(epoch, maxXreqnum uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, x := range s.bySeqnum {
		if x.Xreqnum == 0 || x.Xreqnum > maxXreqnum {
			continue
		}
		if x.PendingMatchRate > 0 && x.PendingMatchHoldTime > 0 && x.PendingMatchEpoch != epoch {
			x.PendingMatchEpoch = 0
			x.PendingMatchAmount = nil
			x.PendingMatchRate = 0
			x.PendingMatchHoldTime = 0
		}
	}
}

// ForEach visits every request in seqnum order. Used by the query surface.
func (s *Store) ForEach(fn func(*Xreq)) {
	s.mu.Lock()
	seqnums := make([]int64, 0, len(s.bySeqnum))
	for seqnum := range s.bySeqnum {
		seqnums = append(seqnums, seqnum)
	}
	sort.Slice(seqnums, func(i, j int) bool { return seqnums[i] < seqnums[j] })
	reqs := make([]*Xreq, 0, len(seqnums))
	for _, seqnum := range seqnums {
		reqs = append(reqs, s.bySeqnum[seqnum])
	}
	s.mu.Unlock()

	for _, x := range reqs {
		fn(x)
	}
}
