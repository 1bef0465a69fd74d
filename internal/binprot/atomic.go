package binprot

import "sync/atomic"

// AtomicInt64 reads an int into an atomic cell, for values shared with
// concurrent readers after decoding.
func AtomicInt64(in []byte, l *Limit) ([]byte, *atomic.Int64, error) {
	rest, v, err := Int(in, l)
	if err != nil {
		return in, nil, err
	}
	a := new(atomic.Int64)
	a.Store(v)
	return rest, a, nil
}

// AtomicUint64 reads a nat0 into an atomic cell.
func AtomicUint64(in []byte, l *Limit) ([]byte, *atomic.Uint64, error) {
	rest, v, err := Nat0(in, l)
	if err != nil {
		return in, nil, err
	}
	a := new(atomic.Uint64)
	a.Store(v)
	return rest, a, nil
}

// AtomicBool reads a bool into an atomic cell.
func AtomicBool(in []byte, l *Limit) ([]byte, *atomic.Bool, error) {
	rest, v, err := Bool(in, l)
	if err != nil {
		return in, nil, err
	}
	a := new(atomic.Bool)
	a.Store(v)
	return rest, a, nil
}
