package walog

// Region is a contiguous physical frame-slot range, inclusive. A Region
// with Lo==0 is empty.
type Region struct {
	Lo, Hi uint32
}

func (r Region) Empty() bool { return r.Lo == 0 }
func (r Region) Len() int {
	if r.Empty() {
		return 0
	}
	return int(r.Hi-r.Lo) + 1
}
func (r Region) Contains(frame uint32) bool {
	return !r.Empty() && frame >= r.Lo && frame <= r.Hi
}

// Topology is the three-region physical/logical log layout of spec.md
// §4.3: aLog[0..1]=A (oldest), aLog[2..3]=B, aLog[4..5]=C (newest, the
// region the writer is actively extending).
type Topology struct {
	A, B, C Region
}

// NWrapLog is BT_NWRAPLOG (spec.md §8): region (c) must exceed this many
// frames before a wrap is considered worthwhile.
const NWrapLog = 100

// InOrder returns [A, B, C], the logical oldest-to-newest order used to
// compute frameToIdx and to decide ReadPage's c,b,a scan order (reversed
// by the caller).
func (t Topology) InOrder() [3]Region { return [3]Region{t.A, t.B, t.C} }

// Idx returns frame's logical position (frameToIdx in spec.md §4.3),
// monotonically increasing with writer progress regardless of physical
// slot reuse across a wrap.
func (t Topology) Idx(frame uint32) (int, bool) {
	pos := 0
	for _, r := range t.InOrder() {
		if r.Contains(frame) {
			return pos + int(frame-r.Lo), true
		}
		pos += r.Len()
	}
	return 0, false
}

// Extend grows region C to include frame, starting it if empty.
func (t *Topology) Extend(frame uint32) {
	if t.C.Empty() {
		t.C = Region{Lo: frame, Hi: frame}
		return
	}
	t.C.Hi = frame
}

// CanWrap reports whether the writer should retire region C into A for
// the next frame: region C must be long enough to be worth retiring and
// A,B must be empty so nothing still-pinned is displaced (spec.md §4.3
// step 2, §8 wrap boundary test).
//
// This engine never reuses a physical WAL byte offset — see DESIGN.md for
// why the literal "reuse slot 1" wrap is replaced by a pure relabeling of
// C into A; physical space is reclaimed only by WAL truncation at
// checkpoint. The bookkeeping vocabulary (regions, wrap, jump) and the
// externally testable boundary (spec.md §8 "writing frame 1 after a
// region (c) of length > BT_NWRAPLOG must succeed") are preserved: a wrap
// always succeeds once C is long enough and A,B are clear, and a writer
// facing a non-empty A/B simply keeps extending C — which is exactly
// "jumping past" the pinned region, since it never touches those bytes.
func (t Topology) CanWrap() bool {
	return t.C.Len() > NWrapLog && t.A.Empty() && t.B.Empty()
}

// Wrap promotes region C to A and starts a fresh, empty C. The caller
// then adds the next physical frame slot with Extend (monotonically
// increasing; see WAL.nextFrame) and is responsible for flipping the hash
// side.
func (t *Topology) Wrap() {
	t.A = t.C
	t.B = Region{}
	t.C = Region{}
}

// Reset clears all regions, e.g. after the WAL file is (re)created.
func (t *Topology) Reset() { *t = Topology{} }

// TrimThrough drops any frames <= safe from region A (the checkpointer has
// persisted them to the database file and they are no longer needed),
// collapsing A into B/C as appropriate (spec.md §4.3 checkpoint step v
// "publish iFirstRead").
func (t *Topology) TrimThrough(safe uint32) {
	if t.A.Empty() || safe < t.A.Lo {
		return
	}
	if safe >= t.A.Hi {
		t.A = t.B
		t.B = Region{}
	} else {
		t.A.Lo = safe + 1
	}
}
