package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	engine, err := NewEngine()
	require.NoError(t, err)
	return engine
}

func TestDefaultPolicyDecisions(t *testing.T) {
	engine := newTestEngine(t)

	cases := []struct {
		name  string
		input DocumentAccessInput
		allow bool
	}{
		{
			name: "owner reads own private document",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u1", OrganizationID: "org1"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "private"},
			},
			allow: true,
		},
		{
			name: "private document hidden from others",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org1"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "private"},
			},
			allow: false,
		},
		{
			name: "org visibility within the same organization",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org1"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "org"},
			},
			allow: true,
		},
		{
			name: "org visibility never crosses organizations",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org2"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "org"},
			},
			allow: false,
		},
		{
			name: "owner in another organization is denied",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u1", OrganizationID: "org2"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "private"},
			},
			allow: false,
		},
		{
			name: "department visibility requires membership",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org1", DepartmentIDs: []string{"sales"}},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", DepartmentID: "finance", Visibility: "department"},
			},
			allow: false,
		},
		{
			name: "department member reads department document",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org1", DepartmentIDs: []string{"sales", "finance"}},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", DepartmentID: "finance", Visibility: "department"},
			},
			allow: true,
		},
		{
			name: "acl entry extends a private document",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org1"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "private", ACLUserIDs: []string{"u2", "u3"}},
			},
			allow: true,
		},
		{
			name: "acl entry never crosses organizations",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org2"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "private", ACLUserIDs: []string{"u2"}},
			},
			allow: false,
		},
		{
			name: "restricted tag hides org document",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org1"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "org", Tags: []string{"restricted"}},
			},
			allow: false,
		},
		{
			name: "share capability overrides restricted tag",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u2", OrganizationID: "org1", CanShare: true},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "org", Tags: []string{"restricted"}},
			},
			allow: true,
		},
		{
			name: "owner reads own restricted document",
			input: DocumentAccessInput{
				Actor:    Actor{ID: "u1", OrganizationID: "org1"},
				Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "private", Tags: []string{"restricted"}},
			},
			allow: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := engine.Evaluate(context.Background(), tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.allow, decision.Allow)
		})
	}
}

func TestSetPolicyRejectsInvalidSource(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.SetPolicy("package corval.documents\n\nallow if {")
	require.Error(t, err)
	require.Equal(t, DefaultDocumentPolicy, engine.Source())

	decision, err := engine.Evaluate(context.Background(), DocumentAccessInput{
		Actor:    Actor{ID: "u1", OrganizationID: "org1"},
		Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "private"},
	})
	require.NoError(t, err)
	require.True(t, decision.Allow)
}

func TestSetPolicyRejectsWrongPackage(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.SetPolicy("package corval.other\n\ndefault allow = true\n")
	require.Error(t, err)
	require.Equal(t, DefaultDocumentPolicy, engine.Source())
}

func TestSetPolicyReplacesDecisions(t *testing.T) {
	engine := newTestEngine(t)

	openPolicy := "package corval.documents\n\ndefault allow = false\n\nallow if {\n\tinput.actor.org_id == input.document.org_id\n}\n"
	require.NoError(t, engine.SetPolicy(openPolicy))

	decision, err := engine.Evaluate(context.Background(), DocumentAccessInput{
		Actor:    Actor{ID: "u2", OrganizationID: "org1"},
		Document: Document{ID: "d1", OrganizationID: "org1", OwnerUserID: "u1", Visibility: "private"},
	})
	require.NoError(t, err)
	require.True(t, decision.Allow)
}

func TestHealthCheck(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.HealthCheck(context.Background()))
}
