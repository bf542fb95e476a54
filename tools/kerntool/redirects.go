package main

import (
	"bufio"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

const (
	// redirectTableSymbol is the kernel variable that receives the
	// redirect entries, relative to the module path.
	redirectTableSymbol = "/kernel/goruntime.redirects"

	// The layout of goruntime.redirectTable: magic, count and then
	// maxRedirects (src, dst) pairs.
	redirectTableMagic = 0x314c425452445247
	maxRedirects       = 32
)

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// redirectsCmd implements subcommands.Command for the "redirects" command.
type redirectsCmd struct {
	root string
}

// Name implements subcommands.Command.
func (*redirectsCmd) Name() string {
	return "redirects"
}

// Synopsis implements subcommands.Command.
func (*redirectsCmd) Synopsis() string {
	return "lists go:redirect-from directives or patches them into a kernel image"
}

// Usage implements subcommands.Command.
func (*redirectsCmd) Usage() string {
	return `redirects [-root dir] list
redirects [-root dir] count
redirects [-root dir] populate <kernel image>

populate resolves the source and destination of every go:redirect-from
directive in the linked kernel image and stores them in the redirect table
that the kernel applies during boot.
`
}

// SetFlags implements subcommands.Command.
func (c *redirectsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.root, "root", ".", "module root containing go.mod and the kernel sources.")
}

// Execute implements subcommands.Command.Execute.
func (c *redirectsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cmd := f.Arg(0)
	switch {
	case (cmd == "list" || cmd == "count") && f.NArg() == 1:
	case cmd == "populate" && f.NArg() == 2:
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	redirects, modPath, err := scanRedirects(c.root)
	if err != nil {
		log.Errorf("scanning sources: %v", err)
		return subcommands.ExitFailure
	}

	switch cmd {
	case "count":
		fmt.Printf("%d\n", len(redirects))
	case "list":
		for _, r := range redirects {
			fmt.Printf("%s -> %s\n", r.src, r.dst)
		}
	case "populate":
		imgFile := f.Arg(1)
		if err := populateRedirectTable(redirects, imgFile, modPath+redirectTableSymbol); err != nil {
			log.Errorf("populating redirect table: %v", err)
			return subcommands.ExitFailure
		}
		log.Infof("patched %d redirects into %s", len(redirects), imgFile)
	}

	return subcommands.ExitSuccess
}

// scanRedirects collects the redirect directives of all kernel and device
// packages below root.
func scanRedirects(root string) ([]*redirect, string, error) {
	modPath, err := modulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		return nil, "", err
	}

	var goFiles []string
	for _, dir := range []string{"kernel", "device"} {
		files, err := collectGoFiles(filepath.Join(root, dir))
		if err != nil {
			return nil, "", err
		}
		goFiles = append(goFiles, files...)
	}

	redirects, err := findRedirects(root, modPath, goFiles)
	if err != nil {
		return nil, "", err
	}
	return redirects, modPath, nil
}

// modulePath extracts the module path from a go.mod file.
func modulePath(goMod string) (string, error) {
	f, err := os.Open(goMod)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	return "", fmt.Errorf("%s: missing module directive", goMod)
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}

		if d.IsDir() {
			return nil
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

func findRedirects(root, modPath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", goFile, err)
		}

		relDir, err := filepath.Rel(root, filepath.Dir(goFile))
		if err != nil {
			return nil, err
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.HasPrefix(comment.Text, "//go:redirect-from") {
					continue
				}

				// build qualified name to fn
				fqName := fmt.Sprintf("%s/%s.%s",
					modPath,
					filepath.ToSlash(relDir),
					fnDecl.Name.Name,
				)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != "//go:redirect-from" {
					return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				if fnDecl.Recv != nil {
					return nil, fmt.Errorf("%s: methods cannot be redirect targets", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	sort.Slice(redirects, func(i, j int) bool { return redirects[i].src < redirects[j].src })
	for i := 1; i < len(redirects); i++ {
		if redirects[i].src == redirects[i-1].src {
			return nil, fmt.Errorf("%q is redirected more than once", redirects[i].src)
		}
	}

	return redirects, nil
}

func populateRedirectTable(redirects []*redirect, imgFile, tableSymbol string) error {
	if len(redirects) > maxRedirects {
		return fmt.Errorf("%d redirects exceed the table capacity of %d", len(redirects), maxRedirects)
	}

	tableOffset, err := elfResolveRedirectSymbols(redirects, imgFile, tableSymbol)
	if err != nil {
		return err
	}

	return elfWriteRedirectTable(redirects, imgFile, tableOffset)
}

// elfResolveRedirectSymbols fills in the addresses of all redirect sources
// and destinations and returns the file offset of the redirect table.
func elfResolveRedirectSymbols(redirects []*redirect, imgFile, tableSymbol string) (int64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return 0, err
	}

	var tableOffset int64 = -1
	for _, symbol := range symbols {
		if symbol.Name != tableSymbol {
			continue
		}

		if int(symbol.Section) >= len(f.Sections) {
			return 0, fmt.Errorf("%s: %q is not defined in a section", imgFile, tableSymbol)
		}

		section := f.Sections[symbol.Section]
		if section.Type != elf.SHT_PROGBITS {
			return 0, fmt.Errorf("%s: %q is not stored in the image", imgFile, tableSymbol)
		}
		tableOffset = int64(section.Offset + symbol.Value - section.Addr)
	}

	if tableOffset < 0 {
		return 0, fmt.Errorf("%s: could not locate %q", imgFile, tableSymbol)
	}

	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return 0, fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return 0, fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return tableOffset, nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string, tableOffset int64) error {
	f, err := os.OpenFile(imgFile, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var magic uint64
	if _, err = f.Seek(tableOffset, io.SeekStart); err != nil {
		return err
	}
	if err = binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return err
	}
	if magic != redirectTableMagic {
		return fmt.Errorf("%s: redirect table magic mismatch: 0x%x", imgFile, magic)
	}

	table := make([]uint64, 0, 1+2*len(redirects))
	table = append(table, uint64(len(redirects)))
	for _, redirect := range redirects {
		log.Debugf("redirect %s (0x%x) -> %s (0x%x)", redirect.src, redirect.srcVMA, redirect.dst, redirect.dstVMA)
		table = append(table, redirect.srcVMA, redirect.dstVMA)
	}

	if _, err = f.Seek(tableOffset+8, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, table)
}
