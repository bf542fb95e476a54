package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"text/template"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

// errorCodeVectors lists the exceptions for which the CPU pushes an error
// code. The entry stubs of all other vectors push a zero in its place so that
// every frame has the same layout.
var errorCodeVectors = map[int]bool{
	8:  true, // double fault
	10: true, // invalid TSS
	11: true, // segment not present
	12: true, // stack-segment fault
	13: true, // general protection fault
	14: true, // page fault
	17: true, // alignment check
	21: true, // control protection
	29: true, // VMM communication
	30: true, // security exception
}

type gateEntry struct {
	Vector       int
	Offset       int
	HasErrorCode bool
}

type gateFile struct {
	Entries   []gateEntry
	TableSize int
}

var gatesTemplate = template.Must(template.New("gates").Parse(`// Code generated by kerntool gen-gates; DO NOT EDIT.

#include "textflag.h"

// gateCommon saves the general purpose and SSE registers of the interrupted
// context, invokes dispatchInterrupt with a pointer to the saved Registers
// and resumes the interrupted context via IRETQ. On entry the stack holds the
// vector number followed by the error code and the CPU-pushed IRET frame.
TEXT gateCommon<>(SB),NOSPLIT|NOFRAME,$0
	PUSHQ R15
	PUSHQ R14
	PUSHQ R13
	PUSHQ R12
	PUSHQ R11
	PUSHQ R10
	PUSHQ R9
	PUSHQ R8
	PUSHQ BP
	PUSHQ DI
	PUSHQ SI
	PUSHQ DX
	PUSHQ CX
	PUSHQ BX
	PUSHQ AX
	MOVQ SP, AX
	SUBQ $512, SP
	FXSAVE64 (SP)
	SUBQ $16, SP
	MOVQ AX, 0(SP)
	CALL ·dispatchInterrupt(SB)
	ADDQ $16, SP
	FXRSTOR64 (SP)
	ADDQ $512, SP
	POPQ AX
	POPQ BX
	POPQ CX
	POPQ DX
	POPQ SI
	POPQ DI
	POPQ BP
	POPQ R8
	POPQ R9
	POPQ R10
	POPQ R11
	POPQ R12
	POPQ R13
	POPQ R14
	POPQ R15
	ADDQ $16, SP // vector and error code
	IRETQ

TEXT ·gateEntryAddr(SB),NOSPLIT,$0-16
	MOVBQZX vector+0(FP), AX
	LEAQ gateEntryTable<>(SB), BX
	MOVQ (BX)(AX*8), AX
	MOVQ AX, ret+8(FP)
	RET

{{range .Entries}}TEXT gateEntry{{.Vector}}<>(SB),NOSPLIT|NOFRAME,$0
{{if not .HasErrorCode}}	PUSHQ $0 // error code
{{end}}	PUSHQ ${{.Vector}}
	JMP gateCommon<>(SB)

{{end}}{{range .Entries}}DATA gateEntryTable<>+{{.Offset}}(SB)/8, $gateEntry{{.Vector}}<>(SB)
{{end}}GLOBL gateEntryTable<>(SB), RODATA, ${{.TableSize}}
`))

// genGatesCmd implements subcommands.Command for the "gen-gates" command.
type genGatesCmd struct {
	out string
}

// Name implements subcommands.Command.
func (*genGatesCmd) Name() string {
	return "gen-gates"
}

// Synopsis implements subcommands.Command.
func (*genGatesCmd) Synopsis() string {
	return "generates the interrupt gate entry stubs"
}

// Usage implements subcommands.Command.
func (*genGatesCmd) Usage() string {
	return `gen-gates [-out file]

Writes the assembly entry stubs for all 256 interrupt vectors together with
the table used by gateEntryAddr.
`
}

// SetFlags implements subcommands.Command.
func (c *genGatesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "out", "", "output file; defaults to stdout.")
}

// Execute implements subcommands.Command.Execute.
func (c *genGatesCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	src, err := generateGates()
	if err != nil {
		log.Errorf("generating gate entries: %v", err)
		return subcommands.ExitFailure
	}

	if c.out == "" {
		os.Stdout.Write(src)
		return subcommands.ExitSuccess
	}

	if err := os.WriteFile(c.out, src, 0644); err != nil {
		log.Errorf("writing %s: %v", c.out, err)
		return subcommands.ExitFailure
	}

	log.Debugf("wrote %d bytes to %s", len(src), c.out)
	return subcommands.ExitSuccess
}

// generateGates renders the entry stubs for vectors 0-255.
func generateGates() ([]byte, error) {
	entries := make([]gateEntry, 256)
	for i := range entries {
		entries[i] = gateEntry{
			Vector:       i,
			Offset:       i * 8,
			HasErrorCode: errorCodeVectors[i],
		}
	}

	var buf bytes.Buffer
	if err := gatesTemplate.Execute(&buf, gateFile{Entries: entries, TableSize: len(entries) * 8}); err != nil {
		return nil, fmt.Errorf("executing template: %w", err)
	}
	return buf.Bytes(), nil
}
