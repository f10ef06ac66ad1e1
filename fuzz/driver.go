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

// Package fuzz implements the iteration state machine (C7): it couples a
// sim.Machine, an arch.Tracer, snapshot.Controller, placement.Spec and a
// Mutator into the per-iteration cycle §4.7 describes (Idle ->
// WaitingStart -> Running -> {Stopping|Crashing|TimingOut} -> Restoring
// -> WaitingStart), owning the coverage/comparand maps for the duration
// of exactly one iteration (invariant 2).
//
// The per-iteration shape is grounded on mitthu-syzkaller/syz-fuzzer/proc.go's
// Proc.loop/execute/executeRaw, but the host drives it one callback at a
// time rather than through a loop owned by the Driver: a start event
// (StartFromMagic/StartFromSymbol) asks the mutator for bytes and places
// them, OnInstruction traces until a terminating event, Seal classifies
// the outcome and hands the observation back to the mutator, and Restore
// returns to WaitingStart. Failures are not retried: a placement failure
// is recorded as InternalError and returned, and a restore failure stops
// the session.
package fuzz

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gmofishsauce/simfuzz/arch"
	"github.com/gmofishsauce/simfuzz/classify"
	"github.com/gmofishsauce/simfuzz/placement"
	"github.com/gmofishsauce/simfuzz/sim"
	"github.com/gmofishsauce/simfuzz/snapshot"
	"github.com/gmofishsauce/simfuzz/trace"

	. "github.com/gmofishsauce/simfuzz/internal/slog"
)

// State is one node of §4.7's state machine.
type State int

const (
	Idle State = iota
	WaitingStart
	Running
	Stopping
	Crashing
	TimingOut
	Restoring
	Stopped
)

func (s State) String() string {
	names := [...]string{"Idle", "WaitingStart", "Running", "Stopping", "Crashing", "TimingOut", "Restoring", "Stopped"}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// Mutator is the external-collaborator contract named in §1 ("the
// evolutionary mutator library"): generate bytes from a fingerprinted
// corpus, and observe the edge/comparand maps plus outcome after each
// iteration.
type Mutator interface {
	Generate(rng *rand.Rand) []byte
	PostExec(input []byte, cov, cmp []byte, outcome Outcome)
}

// Outcome seals one iteration's verdict (§3 Iteration.outcome) together
// with the observation the mutator consumes.
type Outcome struct {
	Kind        classify.OutcomeKind
	ExceptionID uint32
	Input       []byte
	Coverage    []byte
}

// Config collects the session-wide, configuration-surface-settable
// knobs (§6) the driver needs beyond the classifier's own Config.
type Config struct {
	Classify          classify.Config
	TimeoutCycles     uint64
	SinkWidth         placement.SinkWidth
	TruncateToCap     bool
	CoverageMapSize   int
	ComparandSlots    int
	SnapshotName      string
	StopOnMagic       bool
	CrashDir          string
	MaxIterations     int // 0 = unbounded
}

// DefaultConfig returns §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		Classify:        classify.DefaultX86_64(),
		TimeoutCycles:   1_000_000,
		SinkWidth:       placement.Sink8,
		TruncateToCap:   true,
		CoverageMapSize: 65536,
		ComparandSlots:  4096,
		StopOnMagic:     true,
	}
}

// Driver owns one fuzzing session against one sim.Machine. It is not
// goroutine-safe; the host simulator re-enters it synchronously between
// instruction callbacks (§5).
type Driver struct {
	machine sim.Machine
	tracer  arch.Tracer
	snap    *snapshot.Controller
	mutator Mutator
	rng     *rand.Rand
	cfg     Config

	cov *trace.CoverageMap
	cmp *trace.ComparandMap

	state      State
	startCycle uint64
	iterations int

	curSpec  placement.Spec
	curInput []byte
	lastOut  Outcome

	// pendingEdge is set when the last traced instruction was a branch
	// whose actual destination only becomes observable as the next
	// callback's pc (conditional, indirect, and return forms; §4.1: the
	// tracer does not resolve those targets itself).
	pendingEdge bool

	pendingInput []byte
	pendingSet   bool
}

// SetNextInput overrides the mutator for exactly the next iteration's
// start event, supplying bytes directly (C10's set_input_channel entry
// point) — used to deterministically replay an archived crash input
// rather than asking the mutator to generate one.
func (d *Driver) SetNextInput(data []byte) {
	d.pendingInput = append([]byte(nil), data...)
	d.pendingSet = true
}

func (d *Driver) nextInput() []byte {
	if d.pendingSet {
		in := d.pendingInput
		d.pendingInput = nil
		d.pendingSet = false
		return in
	}
	return d.mutator.Generate(d.rng)
}

// New builds a Driver against machine, selecting a Tracer for the
// machine's reported architecture (§9 "Dynamic dispatch across
// architectures").
func New(machine sim.Machine, mutator Mutator, cfg Config) (*Driver, error) {
	tr, err := arch.ForName(machine)
	if err != nil {
		return nil, fmt.Errorf("fuzz: %w", err)
	}
	return &Driver{
		machine: machine,
		tracer:  tr,
		snap:    snapshot.New(machine),
		mutator: mutator,
		rng:     rand.New(rand.NewSource(1)),
		cfg:     cfg,
		cov:     trace.NewCoverageMap(cfg.CoverageMapSize),
		cmp:     trace.NewComparandMap(cfg.ComparandSlots),
		state:   Idle,
	}, nil
}

// State reports the current node of the state machine, for tests and the
// console.
func (d *Driver) State() State { return d.state }

// Mutator returns the driver's collaborator, so a caller that needs to
// rebuild the driver around a new Config (control.Surface.Configure) can
// carry the same mutator instance forward.
func (d *Driver) Mutator() Mutator { return d.mutator }

// Configure moves Idle -> WaitingStart (§4.7: "on configuration commit").
func (d *Driver) Configure() {
	d.state = WaitingStart
}

// beginIteration resets the per-iteration maps (invariant 2) and, on the
// very first start event, takes the authoritative snapshot (§4.5: exactly
// once, at the "start harness" event).
func (d *Driver) beginIteration(spec placement.Spec) error {
	d.cov.Reset()
	d.cmp.Reset()
	d.pendingEdge = false
	d.curSpec = spec
	d.startCycle = d.machine.SimCycles()
	d.state = Running
	if !d.snap.Taken() {
		name := d.cfg.SnapshotName
		if name == "" {
			name = "start"
		}
		if err := d.snap.Take(name); err != nil {
			return err
		}
	}
	return nil
}

// StartFromMagic moves WaitingStart -> Running on a magic start event
// (selector 1 or 3), after C6 places the mutated input (§4.7).
func (d *Driver) StartFromMagic(ctx context.Context, selector, arg0, arg1, arg2 uint64) error {
	if d.state != WaitingStart && d.state != Idle {
		return fmt.Errorf("fuzz: start event while in state %v", d.state)
	}
	spec, err := placement.FromMagic(ctx, d.machine, selector, arg0, arg1, arg2, d.cfg.SinkWidth, d.cfg.TruncateToCap)
	if err != nil {
		return err
	}
	input := d.nextInput()
	d.curInput = input
	if _, err := placement.Place(ctx, d.machine, spec, input); err != nil {
		d.lastOut = Outcome{Kind: classify.InternalError, Input: input}
		return fmt.Errorf("fuzz: place input: %w", err)
	}
	return d.beginIteration(spec)
}

// StartFromSymbol moves WaitingStart -> Running at a resolved symbol
// entry (§4.6 "Symbol mode").
func (d *Driver) StartFromSymbol(ctx context.Context, bufferVA, maxCapacity, lengthSinkVA uint64) error {
	if d.state != WaitingStart && d.state != Idle {
		return fmt.Errorf("fuzz: start event while in state %v", d.state)
	}
	spec := placement.FromSymbolEntry(bufferVA, maxCapacity, lengthSinkVA, d.cfg.SinkWidth, d.cfg.TruncateToCap)
	input := d.nextInput()
	d.curInput = input
	if _, err := placement.Place(ctx, d.machine, spec, input); err != nil {
		d.lastOut = Outcome{Kind: classify.InternalError, Input: input}
		return fmt.Errorf("fuzz: place input: %w", err)
	}
	return d.beginIteration(spec)
}

// OnInstruction is the hot-path callback (C10's on_instruction_before,
// delegated here): it fast-rejects outside Running (§4.10), decodes the
// instruction with the selected Tracer, and updates the coverage and
// comparand maps per C9's rules when the decode classifies as a branch
// or comparison.
func (d *Driver) OnInstruction(pc uint64, raw []byte) error {
	if d.state != Running {
		return nil
	}
	if d.machine.SimCycles()-d.startCycle > d.cfg.TimeoutCycles {
		d.state = TimingOut
		d.machine.StopCPU()
		return nil
	}
	if d.pendingEdge {
		// The previous instruction was a branch whose destination is
		// only now observable: it is this instruction's pc.
		d.emit(trace.Event{Kind: trace.EdgeEvent, PC: pc})
		d.pendingEdge = false
	}
	if err := d.tracer.Disassemble(raw, pc); err != nil {
		// Decode errors are recoverable (§7): drop this instruction's
		// observation and keep tracing.
		Logf(3, "fuzz: decode error at pc=0x%x: %v", pc, err)
		return nil
	}
	if d.tracer.LastWasBranch() || d.tracer.LastWasCall() || d.tracer.LastWasReturn() {
		// A call's static target is its actual destination (calls are
		// unconditional on both supported ISAs), so its edge can be
		// emitted immediately. A conditional branch's static target is
		// only the taken side, and returns and indirect forms have no
		// static target at all: for those the real destination is the
		// next callback's pc.
		if target, ok := d.tracer.BranchTarget(); ok && d.tracer.LastWasCall() {
			d.emit(trace.Event{Kind: trace.EdgeEvent, PC: target})
		} else {
			d.pendingEdge = true
		}
	}
	if d.tracer.LastWasCmp() {
		ops := d.tracer.OperandsOfCmp()
		if len(ops) >= 2 {
			lhs, rhs, ok := evaluatePair(d.machine, ops[0], ops[1])
			if ok {
				d.emit(trace.Event{
					Kind:      trace.CmpEvent,
					PC:        pc,
					Predicate: trace.PredicateKinds(lhs, rhs),
					LHS:       lhs,
					RHS:       rhs,
				})
			}
		}
	}
	return nil
}

// emit applies one trace event to the per-iteration maps (C9).
func (d *Driver) emit(ev trace.Event) {
	switch ev.Kind {
	case trace.EdgeEvent:
		d.cov.Edge(ev.PC)
	case trace.CmpEvent:
		d.cmp.Observe(ev.PC, ev.Predicate, ev.LHS, ev.RHS)
	}
}

// OnException handles a CPU exception callback (§4.10), classifying it
// against the session's crash/ignore sets.
func (d *Driver) OnException(exceptionID uint32) {
	if d.state != Running {
		return
	}
	out := classify.Classify(&exceptionID, nil, d.machine.SimCycles()-d.startCycle, d.cfg.TimeoutCycles, d.cfg.Classify)
	switch out.Kind {
	case classify.Crash:
		d.state = Crashing
		d.lastOut = Outcome{Kind: classify.Crash, ExceptionID: out.ExceptionID}
	case classify.Timeout:
		d.state = TimingOut
		d.machine.StopCPU()
	}
}

// OnMagicStop handles a magic-instruction stop event (selector 2),
// remapping a nonzero code to Crash(Abort) when configured (§4.8). With
// stop_on_magic disabled (§6) the event is ignored and the run
// continues until an exception or the cycle budget ends it.
func (d *Driver) OnMagicStop(code uint32) {
	if d.state != Running || !d.cfg.StopOnMagic {
		return
	}
	out := classify.Classify(nil, &code, d.machine.SimCycles()-d.startCycle, d.cfg.TimeoutCycles, d.cfg.Classify)
	if out.Kind == classify.Crash {
		d.state = Crashing
		d.lastOut = Outcome{Kind: classify.Crash, ExceptionID: out.ExceptionID}
	} else {
		d.state = Stopping
	}
}

// Seal transitions {Stopping|Crashing|TimingOut} -> Restoring, handing
// the observation to the mutator before requesting the restore, exactly
// as §4.7's "always; observation is handed to the mutator first"
// transition requires. It archives a crash artifact by input fingerprint
// when the outcome is a crash (§6 "Crash artifact layout").
func (d *Driver) Seal() (Outcome, error) {
	var out Outcome
	switch d.state {
	case Stopping:
		out = Outcome{Kind: classify.NormalStop, Input: d.curInput}
	case Crashing:
		out = d.lastOut
		out.Input = d.curInput
		if d.cfg.CrashDir != "" {
			if err := archiveCrash(d.cfg.CrashDir, d.curInput); err != nil {
				Logf(0, "fuzz: failed to archive crash: %v", err)
			}
		}
	case TimingOut:
		out = Outcome{Kind: classify.Timeout, Input: d.curInput}
	default:
		return Outcome{}, fmt.Errorf("fuzz: Seal called in state %v", d.state)
	}
	out.Coverage = append([]byte(nil), d.cov.Bytes()...)

	d.mutator.PostExec(d.curInput, d.cov.Bytes(), comparandBytes(d.cmp), out)
	d.lastOut = out
	d.state = Restoring
	d.iterations++
	return out, nil
}

// Restore completes Restoring -> WaitingStart (§4.7), or leaves the
// driver Stopped on a fatal snapshot failure (§4.5, §7).
func (d *Driver) Restore() error {
	if d.state != Restoring {
		return fmt.Errorf("fuzz: Restore called in state %v", d.state)
	}
	if err := d.snap.Restore(); err != nil {
		d.state = Stopped
		return err
	}
	if d.cfg.MaxIterations > 0 && d.iterations >= d.cfg.MaxIterations {
		d.state = Stopped
		return nil
	}
	d.state = WaitingStart
	return nil
}

// Done reports whether the session has reached its iteration budget or
// hit an unrecoverable error (§4.7's terminal Stopped state).
func (d *Driver) Done() bool { return d.state == Stopped }

// TakeSnapshot exposes the snapshot controller directly to the control
// surface (§4.10), for a host that wants to force the one authoritative
// snapshot ahead of the first start event rather than waiting for
// beginIteration to take it lazily.
func (d *Driver) TakeSnapshot(name string) error {
	return d.snap.Take(name)
}

// RestoreSnapshot exposes a manual restore to the control surface,
// independent of the iteration state machine's own Restore transition.
func (d *Driver) RestoreSnapshot() error {
	return d.snap.Restore()
}

// Iterations reports how many iterations have been sealed.
func (d *Driver) Iterations() int { return d.iterations }

// LastOutcome reports the most recently sealed outcome, including an
// InternalError recorded for an iteration that failed before it began
// (§7: a failed input placement fails the iteration, surfaced to the
// user rather than silently retried).
func (d *Driver) LastOutcome() Outcome { return d.lastOut }

// evaluatePair evaluates both sides of a comparison through the live
// machine (C2); a translation or read fault drops the observation
// without failing the iteration (§4.2, §7).
func evaluatePair(m sim.Machine, lhsExpr, rhsExpr trace.Operand) (lhs, rhs trace.Value, ok bool) {
	ev := trace.Evaluator{Machine: m, Ctx: context.Background()}
	l, err := ev.Eval(lhsExpr)
	if err != nil {
		return trace.Value{}, trace.Value{}, false
	}
	r, err := ev.Eval(rhsExpr)
	if err != nil {
		return trace.Value{}, trace.Value{}, false
	}
	return l, r, true
}

// comparandBytes flattens, as (predicate bits, width) byte pairs, the
// records in the slots that pc values 0 through 255 hash to; slots reached
// only by other pcs are not included. The mutator's own observer consults
// ring contents directly (§4.9), but tests and the demo binary want a
// simple snapshot.
func comparandBytes(m *trace.ComparandMap) []byte {
	var out []byte
	for pc := uint64(0); pc < 256; pc++ {
		for _, rec := range m.Slot(pc) {
			out = append(out, byte(rec.PredicateBits), byte(rec.Width))
		}
	}
	return out
}

func archiveCrash(dir string, input []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archiveCrash: mkdir %s: %w", dir, err)
	}
	sum := sha256.Sum256(input)
	name := filepath.Join(dir, fmt.Sprintf("%x", sum))
	return os.WriteFile(name, input, 0o644)
}
