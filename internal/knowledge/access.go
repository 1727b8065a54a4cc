package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/policy"
	"github.com/corvalhq/corval/pkg/logger"
)

// PermissionChecker answers registry permission queries for a user.
type PermissionChecker interface {
	Check(ctx context.Context, userID, permissionID string) (bool, error)
}

// Actor is a caller whose document access is being resolved.
type Actor struct {
	UserID           string
	OrganizationID   string
	DepartmentIDs    []string
	CanViewDocuments bool
	CanShare         bool
}

// Resolver decides who may read which document: visibility resolution first,
// then the policy engine as a veto. Both must agree.
type Resolver struct {
	db      *gorm.DB
	engine  *policy.Engine
	checker PermissionChecker
	log     *zap.Logger
}

// NewResolver constructs a Resolver instance.
func NewResolver(db *gorm.DB, engine *policy.Engine, checker PermissionChecker) (*Resolver, error) {
	if db == nil {
		return nil, errors.New("knowledge resolver: db is required")
	}
	if engine == nil {
		return nil, errors.New("knowledge resolver: policy engine is required")
	}
	if checker == nil {
		return nil, errors.New("knowledge resolver: permission checker is required")
	}
	return &Resolver{
		db:      db,
		engine:  engine,
		checker: checker,
		log:     logger.WithModule("knowledge"),
	}, nil
}

// ResolveActor snapshots a user's department memberships and document
// capabilities for a batch of access checks.
func (r *Resolver) ResolveActor(ctx context.Context, userID, organizationID string) (Actor, error) {
	actor := Actor{
		UserID:         strings.TrimSpace(userID),
		OrganizationID: strings.TrimSpace(organizationID),
	}
	if actor.UserID == "" {
		return Actor{}, errors.New("knowledge resolver: user id is required")
	}

	if err := r.db.WithContext(ctx).
		Table("user_departments").
		Where("user_id = ?", actor.UserID).
		Pluck("department_id", &actor.DepartmentIDs).Error; err != nil {
		return Actor{}, err
	}

	var err error
	if actor.CanViewDocuments, err = r.checker.Check(ctx, actor.UserID, "document.view"); err != nil {
		return Actor{}, err
	}
	if actor.CanShare, err = r.checker.Check(ctx, actor.UserID, "document.share"); err != nil {
		return Actor{}, err
	}

	return actor, nil
}

// CanRead reports whether the actor may read the document. Policy
// evaluation failures deny access.
func (r *Resolver) CanRead(ctx context.Context, actor Actor, doc *models.Document) bool {
	if doc == nil || actor.OrganizationID == "" || doc.OrganizationID != actor.OrganizationID {
		return false
	}

	acl := decodeStringList(doc.ACL)
	if !baseVisibility(actor, doc, acl) {
		return false
	}

	decision, err := r.engine.Evaluate(ctx, policy.DocumentAccessInput{
		Actor: policy.Actor{
			ID:             actor.UserID,
			OrganizationID: actor.OrganizationID,
			DepartmentIDs:  actor.DepartmentIDs,
			CanShare:       actor.CanShare,
		},
		Document: policy.Document{
			ID:             doc.ID,
			OrganizationID: doc.OrganizationID,
			OwnerUserID:    doc.OwnerUserID,
			DepartmentID:   departmentID(doc),
			Visibility:     string(doc.Visibility),
			Tags:           decodeStringList(doc.Tags),
			ACLUserIDs:     acl,
		},
	})
	if err != nil {
		r.log.Warn("document access denied on policy failure",
			zap.String("document_id", doc.ID),
			zap.Error(err))
		return false
	}
	return decision.Allow
}

// FilterReadable keeps only the documents the actor may read, preserving
// order.
func (r *Resolver) FilterReadable(ctx context.Context, actor Actor, docs []models.Document) []models.Document {
	readable := make([]models.Document, 0, len(docs))
	for i := range docs {
		if r.CanRead(ctx, actor, &docs[i]) {
			readable = append(readable, docs[i])
		}
	}
	return readable
}

// baseVisibility is the built-in resolution: owner always, ACL entries,
// department membership, org-wide with the view permission.
func baseVisibility(actor Actor, doc *models.Document, acl []string) bool {
	if doc.OwnerUserID == actor.UserID {
		return true
	}
	for _, id := range acl {
		if id == actor.UserID {
			return true
		}
	}

	switch doc.Visibility {
	case models.VisibilityOrg:
		return actor.CanViewDocuments
	case models.VisibilityDepartment:
		dept := departmentID(doc)
		if dept == "" {
			return false
		}
		for _, id := range actor.DepartmentIDs {
			if id == dept {
				return true
			}
		}
	}
	return false
}

func departmentID(doc *models.Document) string {
	if doc.DepartmentID == nil {
		return ""
	}
	return *doc.DepartmentID
}

// decodeStringList tolerates nil and malformed JSON columns.
func decodeStringList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
