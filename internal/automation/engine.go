package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	apperrors "github.com/corvalhq/corval/pkg/errors"
)

// scriptModules is what rule scripts may import. The os, rand, and base64
// modules stay out so scripts cannot touch the environment or smuggle
// binary payloads.
var scriptModules = []string{"fmt", "json", "text", "times", "math"}

// EngineConfig bounds script execution.
type EngineConfig struct {
	// Timeout is the wall clock budget per run.
	Timeout time.Duration
	// MaxScriptBytes caps the script source length.
	MaxScriptBytes int
	// MaxAllocs caps VM object allocations per run.
	MaxAllocs int64
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxScriptBytes <= 0 {
		c.MaxScriptBytes = 32 * 1024
	}
	if c.MaxAllocs == 0 {
		c.MaxAllocs = 100_000
	}
	return c
}

// Env is the data a rule script sees: the triggering event as the global
// `event` and the owning organization as `org_id`.
type Env struct {
	OrganizationID string
	Event          map[string]any
}

// Engine compiles and runs tengo rule scripts against a restricted module
// set. Scripts communicate results by assigning the top level `output`
// variable.
type Engine struct {
	cfg     EngineConfig
	modules *tengo.ModuleMap
}

// NewEngine builds a script engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		modules: stdlib.GetModuleMap(scriptModules...),
	}
}

// CheckScript compiles the script without running it. Rules are rejected
// at save time when they reference anything the run environment will not
// provide.
func (e *Engine) CheckScript(source string) error {
	script, err := e.newScript(source, Env{}, (&Actions{}).bind(context.Background()))
	if err != nil {
		return err
	}
	if _, err := script.Compile(); err != nil {
		return apperrors.NewBadRequest("script does not compile: " + err.Error())
	}
	return nil
}

// Run executes the script with the environment and host actions bound,
// under the engine timeout. The returned map is the script's `output`
// variable, nil when the script never set one.
func (e *Engine) Run(ctx context.Context, source string, env Env, actions *Actions) (map[string]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if actions == nil {
		actions = &Actions{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	script, err := e.newScript(source, env, actions.bind(ctx))
	if err != nil {
		return nil, err
	}
	compiled, err := script.Compile()
	if err != nil {
		return nil, apperrors.NewBadRequest("script does not compile: " + err.Error())
	}
	if err := compiled.RunContext(ctx); err != nil {
		return nil, err
	}

	value := compiled.Get("output").Value()
	if value == nil {
		return nil, nil
	}
	if out, ok := value.(map[string]any); ok {
		return out, nil
	}
	return map[string]any{"value": value}, nil
}

func (e *Engine) newScript(source string, env Env, hostFuncs map[string]tengo.Object) (*tengo.Script, error) {
	if strings.TrimSpace(source) == "" {
		return nil, apperrors.NewBadRequest("script is required")
	}
	if len(source) > e.cfg.MaxScriptBytes {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("script exceeds %d bytes", e.cfg.MaxScriptBytes))
	}

	script := tengo.NewScript([]byte(source))
	script.SetImports(e.modules)
	if e.cfg.MaxAllocs > 0 {
		script.SetMaxAllocs(e.cfg.MaxAllocs)
	}

	if err := script.Add("event", normalizeEvent(env.Event)); err != nil {
		return nil, fmt.Errorf("automation engine: bind event: %w", err)
	}
	if err := script.Add("org_id", env.OrganizationID); err != nil {
		return nil, fmt.Errorf("automation engine: bind org id: %w", err)
	}
	for name, fn := range hostFuncs {
		if err := script.Add(name, fn); err != nil {
			return nil, fmt.Errorf("automation engine: bind %s: %w", name, err)
		}
	}
	return script, nil
}

// normalizeEvent flattens the event through JSON so scripts only ever see
// strings, numbers, bools, maps, and arrays.
func normalizeEvent(event map[string]any) map[string]any {
	if len(event) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return map[string]any{}
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return map[string]any{}
	}
	return normalized
}
