package capture

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/recorder/internal/core"
)

// Ethernet frame offsets.
const (
	offEtherType  = 12
	offIPv4Header = 14
	offIPv4Proto  = 23
	offIPv4Frag   = 20
	offIPv6Next   = 20
	offIPv6Ports  = 54

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
	protoTCP      = 6

	maxFilterPorts = 32
	snapLen        = 262144
)

// PortFilter is a classic BPF program accepting Ethernet frames that carry
// TCP segments from or to one of a set of ports. Fragments and IPv6
// extension headers are rejected.
type PortFilter struct {
	raw []bpf.RawInstruction
	vm  *bpf.VM
}

// NewPortFilter compiles a filter for ports.
func NewPortFilter(ports []uint16) (*PortFilter, error) {
	if len(ports) == 0 || len(ports) > maxFilterPorts {
		return nil, fmt.Errorf("%w: port filter needs 1 to %d ports, got %d", core.ErrConfiguration, maxFilterPorts, len(ports))
	}
	p := newProgram()
	p.add(bpf.LoadAbsolute{Off: offEtherType, Size: 2})
	p.jumpIf(bpf.JumpEqual, etherTypeIPv4, "", "ipv6")

	p.add(bpf.LoadAbsolute{Off: offIPv4Proto, Size: 1})
	p.jumpIf(bpf.JumpEqual, protoTCP, "", "drop")
	p.add(bpf.LoadAbsolute{Off: offIPv4Frag, Size: 2})
	p.jumpIf(bpf.JumpBitsSet, 0x1fff, "drop", "")
	p.add(bpf.LoadMemShift{Off: offIPv4Header})
	for _, off := range []uint32{offIPv4Header, offIPv4Header + 2} {
		p.add(bpf.LoadIndirect{Off: off, Size: 2})
		for _, port := range ports {
			p.jumpIf(bpf.JumpEqual, uint32(port), "accept", "")
		}
	}
	p.jump("drop")

	p.label("ipv6")
	p.jumpIf(bpf.JumpEqual, etherTypeIPv6, "", "drop")
	p.add(bpf.LoadAbsolute{Off: offIPv6Next, Size: 1})
	p.jumpIf(bpf.JumpEqual, protoTCP, "", "drop")
	for _, off := range []uint32{offIPv6Ports, offIPv6Ports + 2} {
		p.add(bpf.LoadAbsolute{Off: off, Size: 2})
		for _, port := range ports {
			p.jumpIf(bpf.JumpEqual, uint32(port), "accept", "")
		}
	}

	p.label("drop")
	p.add(bpf.RetConstant{Val: 0})
	p.label("accept")
	p.add(bpf.RetConstant{Val: snapLen})

	ins, err := p.resolve()
	if err != nil {
		return nil, err
	}
	raw, err := bpf.Assemble(ins)
	if err != nil {
		return nil, fmt.Errorf("assemble port filter: %w", err)
	}
	vm, err := bpf.NewVM(ins)
	if err != nil {
		return nil, fmt.Errorf("load port filter: %w", err)
	}
	return &PortFilter{raw: raw, vm: vm}, nil
}

// Match runs the program over an Ethernet frame.
func (f *PortFilter) Match(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

// Raw returns the program for attaching to a socket.
func (f *PortFilter) Raw() []bpf.RawInstruction {
	return f.raw
}

// program assembles instructions whose jumps name labels instead of
// instruction counts. An empty label falls through.
type program struct {
	ins    []bpf.Instruction
	labels map[string]int
	refs   []jumpRef
}

type jumpRef struct {
	at          int
	onTrue      string
	onFalse     string
	conditional bool
}

func newProgram() *program {
	return &program{labels: make(map[string]int)}
}

func (p *program) add(i bpf.Instruction) {
	p.ins = append(p.ins, i)
}

func (p *program) label(name string) {
	p.labels[name] = len(p.ins)
}

func (p *program) jumpIf(cond bpf.JumpTest, val uint32, onTrue, onFalse string) {
	p.refs = append(p.refs, jumpRef{at: len(p.ins), onTrue: onTrue, onFalse: onFalse, conditional: true})
	p.add(bpf.JumpIf{Cond: cond, Val: val})
}

func (p *program) jump(to string) {
	p.refs = append(p.refs, jumpRef{at: len(p.ins), onTrue: to})
	p.add(bpf.Jump{})
}

func (p *program) skip(from int, to string) (int, error) {
	if to == "" {
		return 0, nil
	}
	target, ok := p.labels[to]
	if !ok {
		return 0, fmt.Errorf("bpf: undefined label %q", to)
	}
	n := target - from - 1
	if n < 0 {
		return 0, fmt.Errorf("bpf: backward jump to %q", to)
	}
	return n, nil
}

func (p *program) resolve() ([]bpf.Instruction, error) {
	for _, r := range p.refs {
		t, err := p.skip(r.at, r.onTrue)
		if err != nil {
			return nil, err
		}
		if !r.conditional {
			p.ins[r.at] = bpf.Jump{Skip: uint32(t)}
			continue
		}
		f, err := p.skip(r.at, r.onFalse)
		if err != nil {
			return nil, err
		}
		if t > 255 || f > 255 {
			return nil, fmt.Errorf("bpf: jump too long")
		}
		j := p.ins[r.at].(bpf.JumpIf)
		j.SkipTrue, j.SkipFalse = uint8(t), uint8(f)
		p.ins[r.at] = j
	}
	return p.ins, nil
}
