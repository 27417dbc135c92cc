// Package validate is the reference safety validator for generated
// artifacts. It parses the candidate with go/parser and enforces the unit
// contract (a zero-argument Start entry point) plus an import denylist
// covering process execution, dynamic code evaluation, raw network
// access, and arbitrary-object deserialization.
package validate

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// denylist holds import prefixes a unit may never touch. The sandboxed
// activator is the second line of defense; rejecting here produces a
// diagnostic the pipeline can feed back to the generator.
var denylist = []string{
	"os/exec",       // process execution
	"plugin",        // dynamic code loading
	"net",           // raw network/socket access (covers net/http et al.)
	"syscall",       // direct system calls
	"unsafe",        // memory safety escape hatch
	"runtime/cgo",   // native code
	"encoding/gob",  // arbitrary-object deserialization
	"reflect",       // reflection-based evaluation tricks
	"os/signal",     // process-level signal handling belongs to the kernel
}

// Validator checks candidate artifacts against the unit contract.
type Validator struct {
	// EntryPoint is the required zero-argument function, "Start" by
	// default.
	EntryPoint string
}

// New returns a validator with the default contract.
func New() *Validator {
	return &Validator{EntryPoint: "Start"}
}

// Validate reports whether the artifact is acceptable and, if not, a
// diagnostic suitable for generator feedback.
func (v *Validator) Validate(artifact, name string) (bool, string) {
	if strings.TrimSpace(artifact) == "" {
		return false, "artifact is empty"
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name+".go", artifact, parser.ParseComments)
	if err != nil {
		return false, fmt.Sprintf("syntax error: %v", err)
	}

	if file.Name == nil || file.Name.Name != "main" {
		return false, "artifact must declare 'package main'"
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		for _, banned := range denylist {
			if path == banned || strings.HasPrefix(path, banned+"/") {
				return false, fmt.Sprintf("denylisted import: %s", path)
			}
		}
	}

	entry := v.EntryPoint
	if entry == "" {
		entry = "Start"
	}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != entry {
			continue
		}
		if fn.Type.Params != nil && len(fn.Type.Params.List) > 0 {
			return false, fmt.Sprintf("%s() must take zero arguments", entry)
		}
		return true, ""
	}
	return false, fmt.Sprintf("missing zero-argument %s() entry point", entry)
}
