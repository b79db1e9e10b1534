// Package trace reads the command traces that drive a simulation.
//
// A trace holds one command per line. Blank lines are ignored and a '#'
// starts a comment that runs to the end of the line.
//
//	alloc  <vpn> <r|w|rw>
//	free   <vpn>
//	access <vpn> <r|w>
//	read   <vpn>
//	write  <vpn>
//	switch <pid>
//	show
//	tlb
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sarchlab/mmusim/mem/vm"
	"golang.org/x/exp/mmap"
)

// Op is the kind of a trace command.
type Op uint8

// The trace commands.
const (
	OpAlloc Op = iota + 1
	OpFree
	OpAccess
	OpSwitch
	OpShow
	OpTLB
)

func (o Op) String() string {
	switch o {
	case OpAlloc:
		return "alloc"
	case OpFree:
		return "free"
	case OpAccess:
		return "access"
	case OpSwitch:
		return "switch"
	case OpShow:
		return "show"
	case OpTLB:
		return "tlb"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// An Event is one parsed command. VPN and Mode are set for alloc, free and
// access; PID is set for switch.
type Event struct {
	Line int
	Op   Op
	VPN  vm.VPN
	Mode vm.AccessMode
	PID  vm.PID
}

func (e Event) String() string {
	switch e.Op {
	case OpAlloc, OpAccess:
		return fmt.Sprintf("%s %d %s", e.Op, e.VPN, e.Mode)
	case OpFree:
		return fmt.Sprintf("%s %d", e.Op, e.VPN)
	case OpSwitch:
		return fmt.Sprintf("%s %d", e.Op, e.PID)
	default:
		return e.Op.String()
	}
}

// ErrSyntax is wrapped by every error that Parse reports for a malformed
// line.
var ErrSyntax = errors.New("syntax error")

// A SyntaxError locates a malformed line.
type SyntaxError struct {
	Line int
	Text string
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

func (e *SyntaxError) Unwrap() error {
	return ErrSyntax
}

// Parse reads every command of r.
func Parse(r io.Reader) ([]Event, error) {
	var events []Event

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}

		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}

		e, msg := parseFields(fields)
		if msg != "" {
			return nil, &SyntaxError{
				Line: lineNo,
				Text: strings.TrimSpace(scanner.Text()),
				Msg:  msg,
			}
		}

		e.Line = lineNo
		events = append(events, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

func parseFields(fields []string) (Event, string) {
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "alloc":
		if len(args) != 2 {
			return Event{}, "alloc takes a vpn and an access mode"
		}
		return parseVPNMode(OpAlloc, args[0], args[1])
	case "access":
		if len(args) != 2 {
			return Event{}, "access takes a vpn and an access mode"
		}
		return parseVPNMode(OpAccess, args[0], args[1])
	case "read", "write":
		if len(args) != 1 {
			return Event{}, cmd + " takes a vpn"
		}
		return parseVPNMode(OpAccess, args[0], cmd)
	case "free":
		if len(args) != 1 {
			return Event{}, "free takes a vpn"
		}
		vpn, msg := parseNumber(args[0])
		return Event{Op: OpFree, VPN: vm.VPN(vpn)}, msg
	case "switch":
		if len(args) != 1 {
			return Event{}, "switch takes a pid"
		}
		pid, msg := parseNumber(args[0])
		return Event{Op: OpSwitch, PID: vm.PID(pid)}, msg
	case "show":
		return noArgs(OpShow, args)
	case "tlb":
		return noArgs(OpTLB, args)
	default:
		return Event{}, "unknown command"
	}
}

func parseVPNMode(op Op, vpnText, modeText string) (Event, string) {
	vpn, msg := parseNumber(vpnText)
	if msg != "" {
		return Event{}, msg
	}

	mode, err := vm.ParseAccessMode(modeText)
	if err != nil {
		return Event{}, err.Error()
	}

	return Event{Op: op, VPN: vm.VPN(vpn), Mode: mode}, ""
}

func noArgs(op Op, args []string) (Event, string) {
	if len(args) != 0 {
		return Event{}, op.String() + " takes no argument"
	}

	return Event{Op: op}, ""
}

// parseNumber accepts decimal and 0x-prefixed hexadecimal numbers.
func parseNumber(s string) (uint32, string) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Sprintf("invalid number %q", s)
	}

	return uint32(n), ""
}

// LoadFile maps the file at path into memory and parses it.
func LoadFile(path string) ([]Event, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	events, err := Parse(io.NewSectionReader(r, 0, int64(r.Len())))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return events, nil
}
