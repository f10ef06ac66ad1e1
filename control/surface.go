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

// Package control implements the control surface (C10): the process-wide
// entry points a host simulator calls into, and the attribute-keyed
// configuration surface (§6) that drives fuzz.Driver. It mirrors the
// teacher's own single global CPU instance wired up once by main() and
// driven by one call path per event (emul/main.go's cpu := NewCPU();
// cpu.Reset(); cpu.Run()), generalized to init/configure/reset/teardown
// since simfuzz's host calls in from outside rather than owning main().
package control

import (
	"context"
	"fmt"

	"github.com/gmofishsauce/simfuzz/attr"
	"github.com/gmofishsauce/simfuzz/classify"
	"github.com/gmofishsauce/simfuzz/fuzz"
	"github.com/gmofishsauce/simfuzz/introspect"
	"github.com/gmofishsauce/simfuzz/placement"
	"github.com/gmofishsauce/simfuzz/sim"

	. "github.com/gmofishsauce/simfuzz/internal/slog"
)

// Surface is the process-wide singleton (§9 "Global state"): one per
// loaded session, init at load, configured at run start, reset between
// sessions, torn down at unload.
type Surface struct {
	machine sim.Machine
	driver  *fuzz.Driver
	config  map[string]attr.Value

	// base carries settings Configure starts from that §6's key set
	// doesn't cover (crash artifact directory, iteration budget) — the
	// host sets these directly rather than through the attribute bridge.
	base fuzz.Config

	startOnSymbol string
	resolvedStart bool

	// fuzzedCPU is the CPU the session is bound to, set at the first
	// start event; callbacks arriving from any other CPU are ignored
	// (§5: multi-CPU hosts may deliver callbacks from every CPU, but
	// the core fuzzes exactly one).
	fuzzedCPU int
	cpuBound  bool
}

// New initializes the control surface against machine and mutator,
// before any configuration is committed (§9 "init at load").
func New(machine sim.Machine, mutator fuzz.Mutator) (*Surface, error) {
	base := fuzz.DefaultConfig()
	base.Classify = defaultClassifyFor(machine.Architecture())
	d, err := fuzz.New(machine, mutator, base)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	return &Surface{
		machine: machine,
		driver:  d,
		config:  map[string]attr.Value{},
		base:    base,
	}, nil
}

// SetCrashDir sets the directory archived crash inputs are written to
// (§6 "Crash artifact layout"); it is outside the attribute-keyed
// configuration set because it names a host filesystem path rather than
// a fuzzing parameter.
func (s *Surface) SetCrashDir(dir string) { s.base.CrashDir = dir }

// SetMaxIterations bounds the session to n sealed iterations (0 = unbounded).
func (s *Surface) SetMaxIterations(n int) { s.base.MaxIterations = n }

// knownKeys is the fixed key set §6 recognizes; SetConfig rejects
// anything else rather than silently accepting a typo'd key.
var knownKeys = map[string]bool{
	"start_on_symbol":         true,
	"stop_on_magic":           true,
	"timeout_cycles":          true,
	"crash_exceptions":        true,
	"ignore_exceptions":       true,
	"coverage_map_size":       true,
	"length_sink_width_bytes": true,
	"truncate_to_capacity":    true,
	"snapshot_name":           true,
}

// SetConfig assigns one configuration key (§6). The underlying
// fuzz.Config is rebuilt from the accumulated map so keys may be set in
// any order before Configure is called.
func (s *Surface) SetConfig(key string, v attr.Value) error {
	if !knownKeys[key] {
		return fmt.Errorf("control: unrecognized config key %q", key)
	}
	s.config[key] = v
	return nil
}

// GetConfig returns a previously set key, or KindNil if unset.
func (s *Surface) GetConfig(key string) attr.Value {
	if v, ok := s.config[key]; ok {
		return v
	}
	return attr.Nil
}

// Configure commits the accumulated configuration map into a
// fuzz.Config, rebuilds the driver's classifier config, and moves the
// driver Idle -> WaitingStart (§4.10's "configure at run start").
func (s *Surface) Configure() error {
	cfg := s.base

	if v, ok := s.config["stop_on_magic"]; ok {
		b, err := v.AsBool()
		if err != nil {
			return fmt.Errorf("control: stop_on_magic: %w", err)
		}
		cfg.StopOnMagic = b
	}
	if v, ok := s.config["timeout_cycles"]; ok {
		u, err := attr.ToUint(v, 64)
		if err != nil {
			return fmt.Errorf("control: timeout_cycles: %w", err)
		}
		cfg.TimeoutCycles = u
	}
	if v, ok := s.config["coverage_map_size"]; ok {
		u, err := attr.ToUint(v, 64)
		if err != nil {
			return fmt.Errorf("control: coverage_map_size: %w", err)
		}
		cfg.CoverageMapSize = int(u)
	}
	if v, ok := s.config["length_sink_width_bytes"]; ok {
		u, err := attr.ToUint(v, 8)
		if err != nil {
			return fmt.Errorf("control: length_sink_width_bytes: %w", err)
		}
		switch u {
		case 1, 2, 4, 8:
			cfg.SinkWidth = placement.SinkWidth(u)
		default:
			return fmt.Errorf("control: length_sink_width_bytes must be 1, 2, 4, or 8, got %d", u)
		}
	}
	if v, ok := s.config["truncate_to_capacity"]; ok {
		b, err := v.AsBool()
		if err != nil {
			return fmt.Errorf("control: truncate_to_capacity: %w", err)
		}
		cfg.TruncateToCap = b
	}
	if v, ok := s.config["snapshot_name"]; ok {
		name, err := v.AsString()
		if err != nil {
			return fmt.Errorf("control: snapshot_name: %w", err)
		}
		cfg.SnapshotName = name
	}
	if v, ok := s.config["crash_exceptions"]; ok {
		set, err := exceptionSet(v)
		if err != nil {
			return fmt.Errorf("control: crash_exceptions: %w", err)
		}
		cfg.Classify.CrashExceptions = set
	}
	if v, ok := s.config["ignore_exceptions"]; ok {
		set, err := exceptionSet(v)
		if err != nil {
			return fmt.Errorf("control: ignore_exceptions: %w", err)
		}
		cfg.Classify.IgnoreExceptions = set
	}
	if v, ok := s.config["start_on_symbol"]; ok {
		sym, err := v.AsString()
		if err != nil {
			return fmt.Errorf("control: start_on_symbol: %w", err)
		}
		s.startOnSymbol = sym
	}

	d, err := fuzz.New(s.machine, s.driver.Mutator(), cfg)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	s.driver = d
	s.driver.Configure()
	return nil
}

func defaultClassifyFor(arch string) classify.Config {
	if arch == "aarch64" {
		return classify.DefaultAArch64()
	}
	return classify.DefaultX86_64()
}

func exceptionSet(v attr.Value) (map[uint32]bool, error) {
	items, err := v.AsList()
	if err != nil {
		return nil, err
	}
	set := map[uint32]bool{}
	for _, item := range items {
		u, err := attr.ToUint(item, 32)
		if err != nil {
			return nil, err
		}
		set[uint32(u)] = true
	}
	return set, nil
}

// Reset tears down the current driver and clears accumulated config,
// returning the surface to its post-New state for a new session
// (§9 "reset between sessions").
func (s *Surface) Reset(mutator fuzz.Mutator) error {
	base := fuzz.DefaultConfig()
	base.Classify = defaultClassifyFor(s.machine.Architecture())
	d, err := fuzz.New(s.machine, mutator, base)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	s.driver = d
	s.base = base
	s.config = map[string]attr.Value{}
	s.startOnSymbol = ""
	s.resolvedStart = false
	s.fuzzedCPU = 0
	s.cpuBound = false
	return nil
}

// ErrorAttr wraps an error as the structured attribute §7 requires at
// the control-surface boundary ("surface everything else to the user
// through the control surface as a structured error attribute"). A
// message that attr.NewString rejects is stored as attr.Invalid.
func ErrorAttr(err error) attr.Value {
	msg, strErr := attr.NewString(err.Error())
	if strErr != nil {
		msg = attr.Invalid
	}
	return attr.StableDict(map[string]attr.Value{
		"error": msg,
	})
}

// OnInstructionBefore is the hot-path entry point (§4.10): it
// fast-rejects outside Running and callbacks from CPUs other than the
// fuzzed one before anything else runs, then delegates to the driver.
func (s *Surface) OnInstructionBefore(cpu int, pc uint64, raw []byte) error {
	if s.driver.State() != fuzz.Running {
		return nil
	}
	if s.cpuBound && cpu != s.fuzzedCPU {
		return nil
	}
	return s.driver.OnInstruction(pc, raw)
}

// OnException delegates a CPU exception to the driver, unless it was
// raised on a CPU other than the fuzzed one.
func (s *Surface) OnException(cpu int, exceptionID uint32) {
	if s.cpuBound && cpu != s.fuzzedCPU {
		return
	}
	s.driver.OnException(exceptionID)
}

// OnMagic handles a magic-instruction callback by selector (§6's
// convention table): start, stop, or start-with-max-in-sink. The first
// start event binds the session to the CPU it arrived on; magic events
// from other CPUs are ignored from then on (§5).
func (s *Surface) OnMagic(ctx context.Context, cpu int, selector, arg0, arg1, arg2 uint64) error {
	if s.cpuBound && cpu != s.fuzzedCPU {
		Logf(2, "control: ignoring magic selector %d from cpu %d (fuzzing cpu %d)", selector, cpu, s.fuzzedCPU)
		return nil
	}
	switch selector {
	case placement.SelectorStart, placement.SelectorStartMaxInSink:
		if err := s.driver.StartFromMagic(ctx, selector, arg0, arg1, arg2); err != nil {
			return err
		}
		if !s.cpuBound {
			s.fuzzedCPU = cpu
			s.cpuBound = true
		}
		return nil
	case placement.SelectorStop:
		s.driver.OnMagicStop(uint32(arg0))
		return nil
	default:
		Logf(0, "control: ignoring unrecognized magic selector %d", selector)
		return nil
	}
}

// symbolArgRegs names the first three integer argument registers of the
// platform calling convention per architecture (§4.6 "Symbol mode").
// Symbol-based start requires OS introspection, which is scoped to
// Windows kernels (§4.4), so the x86-64 names follow the Windows x64
// convention rather than System V.
var symbolArgRegs = map[string][3]string{
	"x86-64":  {"rcx", "rdx", "r8"},
	"aarch64": {"x0", "x1", "x2"},
}

// OnSymbolEntry is the start event for symbol mode: the host hits the
// breakpoint at the VA ResolveStartSymbol returned and calls in here.
// The buffer address, maximum capacity, and length-sink address are
// read from the calling convention's first three integer argument
// registers (§4.6).
func (s *Surface) OnSymbolEntry(ctx context.Context, cpu int) error {
	if s.cpuBound && cpu != s.fuzzedCPU {
		return nil
	}
	regs, ok := symbolArgRegs[s.machine.Architecture()]
	if !ok {
		return fmt.Errorf("control: no calling convention for %q", s.machine.Architecture())
	}
	var args [3]uint64
	for i, name := range regs {
		v, err := s.machine.ReadReg(name)
		if err != nil {
			return fmt.Errorf("control: read %s at symbol entry: %w", name, err)
		}
		args[i] = v
	}
	if err := s.driver.StartFromSymbol(ctx, args[0], args[1], args[2]); err != nil {
		return err
	}
	if !s.cpuBound {
		s.fuzzedCPU = cpu
		s.cpuBound = true
	}
	return nil
}

// SetInputChannel overrides the next iteration's input, used to replay
// an archived crash deterministically (§6's inter-process channel
// Run(bytes) message, delivered locally without a transport).
func (s *Surface) SetInputChannel(data []byte) {
	s.driver.SetNextInput(data)
}

// TakeSnapshot forces the session's one authoritative snapshot ahead of
// the first start event (§4.5, §4.10).
func (s *Surface) TakeSnapshot(name string) error {
	return s.driver.TakeSnapshot(name)
}

// RestoreSnapshot forces a restore outside the normal iteration cycle,
// e.g. from an interactive console command.
func (s *Surface) RestoreSnapshot() error {
	return s.driver.RestoreSnapshot()
}

// Seal and Restore expose the driver's own iteration-boundary calls so a
// host can drive the state machine one step at a time (§4.7).
func (s *Surface) Seal() (fuzz.Outcome, error) { return s.driver.Seal() }
func (s *Surface) Restore() error              { return s.driver.Restore() }

// State reports the driver's current node, for the interactive console.
func (s *Surface) State() fuzz.State { return s.driver.State() }

// Driver exposes the underlying driver for callers (cmd/simfuzz, tests)
// that need direct access beyond the control-surface entry points.
func (s *Surface) Driver() *fuzz.Driver { return s.driver }

// StartOnSymbol reports the configured symbol name and whether
// introspection should resolve it before a start event (§4.4, §6).
func (s *Surface) StartOnSymbol() (string, bool) {
	return s.startOnSymbol, s.startOnSymbol != ""
}

// ResolveStartSymbol walks the guest's process/module list looking for
// startOnSymbol, using the supplied Walker (§4.4 step 5). It is a no-op
// once a symbol has already resolved this session.
func (s *Surface) ResolveStartSymbol(ctx context.Context, w *introspect.Walker, kpcrVA uint64) (uint64, bool, error) {
	if s.resolvedStart || s.startOnSymbol == "" {
		return 0, false, nil
	}
	procs, err := w.Processes(ctx, kpcrVA)
	if err != nil {
		return 0, false, fmt.Errorf("control: resolve start symbol: %w", err)
	}
	modName, symName, ok := splitModuleQualified(s.startOnSymbol)
	if !ok {
		return 0, false, fmt.Errorf("control: start_on_symbol %q is not module-qualified", s.startOnSymbol)
	}
	for _, p := range procs {
		for _, m := range p.Modules {
			if m.BaseName != modName {
				continue
			}
			if va, ok := w.ResolveSymbol(ctx, m, "", symName); ok {
				s.resolvedStart = true
				return va, true, nil
			}
		}
	}
	return 0, false, nil
}

func splitModuleQualified(name string) (mod, sym string, ok bool) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '!' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
