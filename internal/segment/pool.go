package segment

// Pool names the subset of segment kinds a cap redistribution may touch.
type Pool string

const (
	PoolAll         Pool = "all"
	PoolWork        Pool = "work"
	PoolRest        Pool = "rest"
	PoolTransitions Pool = "transitions"
)

// Valid reports whether p is a known pool name.
func (p Pool) Valid() bool {
	switch p {
	case PoolAll, PoolWork, PoolRest, PoolTransitions:
		return true
	}
	return false
}

// PoolAllows reports whether segments of kind are eligible in pool.
// Unknown pools allow nothing.
func PoolAllows(pool Pool, kind Kind) bool {
	switch pool {
	case PoolAll:
		return true
	case PoolWork:
		return kind == KindWork
	case PoolRest:
		return kind == KindRest
	case PoolTransitions:
		return kind.IsTransition()
	}
	return false
}

// Eligible returns the indices of segments allowed by pool, in sequence order.
func Eligible(segments []Segment, pool Pool) []int {
	var idx []int
	for i, s := range segments {
		if PoolAllows(pool, s.Kind) {
			idx = append(idx, i)
		}
	}
	return idx
}
