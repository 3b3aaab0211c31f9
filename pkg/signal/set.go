package signal

import (
	"math/bits"
	"strings"

	"kproc/pkg/abi"
)

// Set is a signal bitmask. Bit n-1 represents signal n.
type Set uint64

// Unblockable holds the signals that can never be blocked.
const Unblockable = Set(1<<(abi.SIGKILL-1) | 1<<(abi.SIGSTOP-1))

// SetOf returns the set containing sigs. Invalid numbers are skipped.
func SetOf(sigs ...abi.Signal) Set {
	var s Set
	for _, sig := range sigs {
		s.Add(sig)
	}
	return s
}

func bit(sig abi.Signal) Set {
	if !sig.Valid() {
		return 0
	}
	return 1 << uint(sig-1)
}

// Has reports whether sig is in the set.
func (s Set) Has(sig abi.Signal) bool {
	return s&bit(sig) != 0
}

func (s *Set) Add(sig abi.Signal)    { *s |= bit(sig) }
func (s *Set) Remove(sig abi.Signal) { *s &^= bit(sig) }

func (s Set) Empty() bool { return s == 0 }

// Lowest returns the lowest-numbered signal in the set.
func (s Set) Lowest() (abi.Signal, bool) {
	if s == 0 {
		return 0, false
	}
	return abi.Signal(bits.TrailingZeros64(uint64(s)) + 1), true
}

// Signals returns the members in ascending order.
func (s Set) Signals() []abi.Signal {
	var out []abi.Signal
	for s != 0 {
		sig, _ := s.Lowest()
		out = append(out, sig)
		s.Remove(sig)
	}
	return out
}

func (s Set) String() string {
	sigs := s.Signals()
	names := make([]string, len(sigs))
	for i, sig := range sigs {
		names[i] = sig.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}
