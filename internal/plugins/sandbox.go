package plugins

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	apperrors "github.com/corvalhq/corval/pkg/errors"
)

// HandlerFunc is the shape every plugin entrypoint must have.
type HandlerFunc = func(ctx context.Context, event map[string]any) (map[string]any, error)

// hostImportPath is the only non-stdlib import a plugin may use.
const hostImportPath = "corval/host"

// allowedImports is the sandbox whitelist. Everything else, filesystem,
// network, and process access included, is rejected before evaluation and
// absent from the interpreter's symbol table.
var allowedImports = map[string]bool{
	"bytes":         true,
	"context":       true,
	"encoding/json": true,
	"errors":        true,
	"fmt":           true,
	"math":          true,
	"regexp":        true,
	"sort":          true,
	"strconv":       true,
	"strings":       true,
	"time":          true,
	"unicode":       true,
	"unicode/utf8":  true,
	hostImportPath:  true,
}

var packageClause = regexp.MustCompile(`(?m)^\s*package\s+\w+`)

// ExecutorConfig bounds sandboxed runs.
type ExecutorConfig struct {
	// Timeout is the wall clock budget for one evaluation plus call.
	Timeout time.Duration
	// MaxSourceBytes caps the plugin source length.
	MaxSourceBytes int
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxSourceBytes <= 0 {
		c.MaxSourceBytes = 64 * 1024
	}
	return c
}

// Executor runs plugin source inside a yaegi interpreter restricted to the
// import whitelist. Every run gets a fresh interpreter, so plugins cannot
// keep state between events.
type Executor struct {
	cfg     ExecutorConfig
	symbols interp.Exports
}

// NewExecutor builds an Executor with the symbol table filtered down to the
// allowed packages.
func NewExecutor(cfg ExecutorConfig) *Executor {
	symbols := make(interp.Exports, len(allowedImports))
	for key, exports := range stdlib.Symbols {
		path := key
		if idx := strings.LastIndex(key, "/"); idx >= 0 {
			path = key[:idx]
		}
		if allowedImports[path] {
			symbols[key] = exports
		}
	}
	return &Executor{cfg: cfg.withDefaults(), symbols: symbols}
}

// Compile checks that the source parses, stays inside the sandbox, and
// exports the entrypoint with the handler signature. Used at install time.
func (e *Executor) Compile(ctx context.Context, source, entrypoint string) error {
	_, err := e.load(ctx, source, entrypoint, (&HostAPI{}).bind(ctx))
	return err
}

// Execute runs the entrypoint against the event under the configured
// timeout. Panics inside the plugin surface as errors.
func (e *Executor) Execute(ctx context.Context, source, entrypoint string, event map[string]any, host *HostAPI) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if host == nil {
		host = &HostAPI{}
	}

	handler, err := e.load(ctx, source, entrypoint, host.bind(ctx))
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("plugin panicked: %v", r)}
			}
		}()
		result, err := handler(ctx, event)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load validates the source and resolves the entrypoint. The interpreter
// work itself runs under the context so a hostile top-level declaration
// cannot hang the caller.
func (e *Executor) load(ctx context.Context, source, entrypoint string, host interp.Exports) (HandlerFunc, error) {
	if len(source) > e.cfg.MaxSourceBytes {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("plugin source exceeds %d bytes", e.cfg.MaxSourceBytes))
	}
	if !packageClause.MatchString(source) {
		source = "package plugin\n\n" + source
	}

	pkgName, err := checkImports(source)
	if err != nil {
		return nil, err
	}

	type loaded struct {
		handler HandlerFunc
		err     error
	}
	done := make(chan loaded, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- loaded{err: fmt.Errorf("plugin load panicked: %v", r)}
			}
		}()

		i := interp.New(interp.Options{Stdout: io.Discard, Stderr: io.Discard})
		if err := i.Use(e.symbols); err != nil {
			done <- loaded{err: fmt.Errorf("sandbox symbols: %w", err)}
			return
		}
		if err := i.Use(host); err != nil {
			done <- loaded{err: fmt.Errorf("host symbols: %w", err)}
			return
		}

		if _, err := i.Eval(source); err != nil {
			done <- loaded{err: apperrors.NewBadRequest("plugin source does not compile: " + err.Error())}
			return
		}

		value, err := i.Eval(pkgName + "." + entrypoint)
		if err != nil {
			done <- loaded{err: apperrors.NewBadRequest(fmt.Sprintf("entrypoint %s not found", entrypoint))}
			return
		}
		handler, ok := value.Interface().(HandlerFunc)
		if !ok {
			done <- loaded{err: apperrors.NewBadRequest(fmt.Sprintf(
				"entrypoint %s must be func(ctx context.Context, event map[string]any) (map[string]any, error)", entrypoint))}
			return
		}
		done <- loaded{handler: handler}
	}()

	select {
	case out := <-done:
		return out.handler, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// checkImports parses the source and rejects anything outside the
// whitelist. Returns the declared package name for entrypoint lookup.
func checkImports(source string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "plugin.go", source, parser.ImportsOnly)
	if err != nil {
		return "", apperrors.NewBadRequest("plugin source does not parse: " + err.Error())
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return "", apperrors.NewBadRequest("plugin source has a malformed import")
		}
		if !allowedImports[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return "", apperrors.NewBadRequest("forbidden imports: " + strings.Join(forbidden, ", "))
	}
	return file.Name.Name, nil
}
