// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package trace

// PredicateKind is one bit of the set a compare/test instruction fires;
// §3 allows more than one kind to fire for a single conditional (e.g. an
// equal comparison also satisfies "not less than").
type PredicateKind uint8

const (
	Equal PredicateKind = 1 << iota
	Greater
	Lesser
)

// PredicateKinds computes the set that fires for a given (lhs, rhs) pair,
// used by architectures whose cmp decode path doesn't already know the
// condition codes that will later consume the comparison.
func PredicateKinds(lhs, rhs Value) PredicateKind {
	var p PredicateKind
	if lhs.Equal(rhs) {
		p |= Equal
	}
	if lhs.Greater(rhs) {
		p |= Greater
	}
	if lhs.Lesser(rhs) {
		p |= Lesser
	}
	return p
}

// EventKind tags an Event as an edge or a comparison.
type EventKind uint8

const (
	EdgeEvent EventKind = iota
	CmpEvent
)

// Event is the tagged value C1 emits per retired instruction (§3's
// TraceEvent). Edge events set only PC; Cmp events set all fields.
type Event struct {
	Kind EventKind
	PC   uint64

	Predicate PredicateKind
	LHS, RHS  Value
}