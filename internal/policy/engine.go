package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"github.com/corvalhq/corval/pkg/logger"
)

const allowQuery = "data.corval.documents.allow"

// DefaultDocumentPolicy mirrors the built-in access rules: owners always
// read their own documents, organization scoping is mandatory, department
// visibility requires a shared department, ACL entries extend access, and
// documents tagged "restricted" are hidden from actors without the share
// capability.
const DefaultDocumentPolicy = `package corval.documents

default allow = false
default restricted = false
default blocked = false

allow if {
	same_org
	input.actor.id == input.document.owner_id
}

allow if {
	same_org
	input.actor.id in input.document.acl
	not blocked
}

allow if {
	same_org
	input.document.visibility == "org"
	not blocked
}

allow if {
	same_org
	input.document.visibility == "department"
	input.document.department_id != ""
	input.document.department_id in input.actor.department_ids
	not blocked
}

same_org if {
	input.actor.org_id != ""
	input.actor.org_id == input.document.org_id
}

restricted if {
	"restricted" in input.document.tags
}

blocked if {
	restricted
	not input.actor.can_share
}
`

// Actor is the caller side of a document access query.
type Actor struct {
	ID             string
	OrganizationID string
	DepartmentIDs  []string
	CanShare       bool
}

// Document is the resource side of a document access query.
type Document struct {
	ID             string
	OrganizationID string
	OwnerUserID    string
	DepartmentID   string
	Visibility     string
	Tags           []string
	ACLUserIDs     []string
}

// DocumentAccessInput pairs an actor with the document being evaluated.
type DocumentAccessInput struct {
	Actor    Actor
	Document Document
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow bool
}

// Engine evaluates document access against a compiled Rego policy. The
// policy source can be swapped at runtime; a source that fails to compile
// or does not answer the allow query leaves the previous policy in place.
type Engine struct {
	mu       sync.RWMutex
	source   string
	compiler *ast.Compiler
	log      *zap.Logger
}

// NewEngine compiles the default document policy.
func NewEngine() (*Engine, error) {
	e := &Engine{log: logger.WithModule("policy")}
	if err := e.SetPolicy(DefaultDocumentPolicy); err != nil {
		return nil, fmt.Errorf("policy: compile default: %w", err)
	}
	return e, nil
}

// Source returns the currently active policy source.
func (e *Engine) Source() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

// SetPolicy compiles and activates a replacement policy. The new source must
// define the corval.documents package so the allow query keeps resolving.
func (e *Engine) SetPolicy(source string) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("policy: empty source")
	}

	compiler, err := ast.CompileModules(map[string]string{"documents.rego": source})
	if err != nil {
		return fmt.Errorf("policy: compile: %w", err)
	}
	if err := probe(context.Background(), compiler); err != nil {
		return err
	}

	e.mu.Lock()
	e.source = source
	e.compiler = compiler
	e.mu.Unlock()
	return nil
}

// Evaluate answers whether the actor may read the document. Evaluation
// failures deny access.
func (e *Engine) Evaluate(ctx context.Context, in DocumentAccessInput) (Decision, error) {
	e.mu.RLock()
	compiler := e.compiler
	e.mu.RUnlock()
	if compiler == nil {
		return Decision{}, fmt.Errorf("policy: no compiled policy")
	}

	query := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
		rego.Input(accessInput(in)),
	)
	rs, err := query.Eval(ctx)
	if err != nil {
		e.log.Warn("policy evaluation failed",
			zap.String("document_id", in.Document.ID),
			zap.Error(err))
		return Decision{}, fmt.Errorf("policy: evaluate: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, nil
	}

	allow, _ := rs[0].Expressions[0].Value.(bool)
	return Decision{Allow: allow}, nil
}

// HealthCheck verifies the active policy still compiles into an answerable
// allow query. It touches no storage.
func (e *Engine) HealthCheck(ctx context.Context) error {
	e.mu.RLock()
	compiler := e.compiler
	e.mu.RUnlock()
	if compiler == nil {
		return fmt.Errorf("policy: no compiled policy")
	}
	return probe(ctx, compiler)
}

func probe(ctx context.Context, compiler *ast.Compiler) error {
	input := accessInput(DocumentAccessInput{
		Actor:    Actor{ID: "probe", OrganizationID: "probe-org"},
		Document: Document{ID: "probe-doc", OrganizationID: "probe-org", OwnerUserID: "probe", Visibility: "private"},
	})

	query := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := query.Eval(ctx)
	if err != nil {
		return fmt.Errorf("policy: evaluate probe: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy: %s is not defined", allowQuery)
	}
	return nil
}

func accessInput(in DocumentAccessInput) map[string]interface{} {
	departments := in.Actor.DepartmentIDs
	if departments == nil {
		departments = []string{}
	}
	tags := in.Document.Tags
	if tags == nil {
		tags = []string{}
	}
	acl := in.Document.ACLUserIDs
	if acl == nil {
		acl = []string{}
	}

	return map[string]interface{}{
		"actor": map[string]interface{}{
			"id":             in.Actor.ID,
			"org_id":         in.Actor.OrganizationID,
			"department_ids": departments,
			"can_share":      in.Actor.CanShare,
		},
		"document": map[string]interface{}{
			"id":            in.Document.ID,
			"org_id":        in.Document.OrganizationID,
			"owner_id":      in.Document.OwnerUserID,
			"department_id": in.Document.DepartmentID,
			"visibility":    in.Document.Visibility,
			"tags":          tags,
			"acl":           acl,
		},
	}
}
