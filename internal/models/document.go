package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DocumentVisibility controls who may retrieve a document.
type DocumentVisibility string

const (
	// VisibilityPrivate documents are readable by the owner and explicit ACL entries.
	VisibilityPrivate DocumentVisibility = "private"
	// VisibilityDepartment documents are shared with one department.
	VisibilityDepartment DocumentVisibility = "department"
	// VisibilityOrg documents are readable by any member of the tenant.
	VisibilityOrg DocumentVisibility = "org"
)

var validDocumentVisibilities = map[DocumentVisibility]struct{}{
	VisibilityPrivate:    {},
	VisibilityDepartment: {},
	VisibilityOrg:        {},
}

// DocumentStatus tracks the indexing pipeline state.
type DocumentStatus string

const (
	DocumentStatusPending DocumentStatus = "pending"
	DocumentStatusIndexed DocumentStatus = "indexed"
	DocumentStatusFailed  DocumentStatus = "failed"
)

// DocumentSource identifies where a knowledge document came from.
type DocumentSource string

const (
	SourceUpload  DocumentSource = "upload"
	SourceNote    DocumentSource = "note"
	SourceCRM     DocumentSource = "crm"
	SourceInvoice DocumentSource = "invoice"
	SourceProject DocumentSource = "project"
	SourcePlugin  DocumentSource = "plugin"
)

// Document is a unit of tenant knowledge that the assistant retrieves over.
type Document struct {
	BaseModel

	OrganizationID string         `gorm:"type:uuid;not null;index" json:"organization_id"`
	Title          string         `gorm:"not null" json:"title"`
	SourceType     DocumentSource `gorm:"type:varchar(32);not null;index" json:"source_type"`
	SourceRef      string         `gorm:"index" json:"source_ref"`
	MimeType       string         `gorm:"type:varchar(128);default:'text/plain'" json:"mime_type"`
	Content        string         `gorm:"type:text" json:"content"`
	Summary        string         `gorm:"type:text" json:"summary"`

	OwnerUserID  string             `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	Visibility   DocumentVisibility `gorm:"type:varchar(32);default:'private';index" json:"visibility"`
	DepartmentID *string            `gorm:"type:uuid;index" json:"department_id"`
	ACL          datatypes.JSON     `json:"acl"`
	Tags         datatypes.JSON     `json:"tags"`

	Status      DocumentStatus `gorm:"type:varchar(32);default:'pending';index" json:"status"`
	IndexError  string         `json:"index_error,omitempty"`
	IndexedAt   *time.Time     `json:"indexed_at"`
	ChunkCount  int            `gorm:"default:0" json:"chunk_count"`
	ContentHash string         `gorm:"type:varchar(64);index" json:"-"`
}

// BeforeSave validates visibility and its department linkage.
func (d *Document) BeforeSave(tx *gorm.DB) error {
	visibility := DocumentVisibility(strings.TrimSpace(string(d.Visibility)))
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	if _, ok := validDocumentVisibilities[visibility]; !ok {
		return fmt.Errorf("document: invalid visibility %q", d.Visibility)
	}
	d.Visibility = visibility

	if d.Visibility == VisibilityDepartment {
		if d.DepartmentID == nil || strings.TrimSpace(*d.DepartmentID) == "" {
			return errors.New("document: department_id is required for department visibility")
		}
	} else {
		d.DepartmentID = nil
	}

	return nil
}

// DocumentChunk is an embedded slice of a document, the retrieval unit.
type DocumentChunk struct {
	BaseModel

	DocumentID string         `gorm:"type:uuid;not null;uniqueIndex:idx_chunks_doc_seq,priority:1" json:"document_id"`
	Seq        int            `gorm:"not null;uniqueIndex:idx_chunks_doc_seq,priority:2" json:"seq"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	TokenCount int            `gorm:"default:0" json:"token_count"`
	Embedding  datatypes.JSON `json:"-"`
	Checksum   string         `gorm:"type:varchar(64)" json:"-"`
}
