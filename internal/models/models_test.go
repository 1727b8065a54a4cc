package models

import "testing"

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	if err := base.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if base.ID == "" {
		t.Fatal("expected base model ID to be generated")
	}
}

func TestEmbeddedModelsUseBaseBeforeCreate(t *testing.T) {
	cases := []struct {
		name  string
		model func() *BaseModel
	}{
		{"organization", func() *BaseModel {
			o := &Organization{}
			return &o.BaseModel
		}},
		{"department", func() *BaseModel {
			d := &Department{}
			return &d.BaseModel
		}},
		{"role", func() *BaseModel {
			r := &Role{}
			return &r.BaseModel
		}},
		{"permission", func() *BaseModel {
			p := &Permission{}
			return &p.BaseModel
		}},
		{"mfa_secret", func() *BaseModel {
			m := &MFASecret{}
			return &m.BaseModel
		}},
		{"password_reset_token", func() *BaseModel {
			p := &PasswordResetToken{}
			return &p.BaseModel
		}},
		{"auth_provider", func() *BaseModel {
			a := &AuthProvider{}
			return &a.BaseModel
		}},
		{"employee", func() *BaseModel {
			e := &Employee{}
			return &e.BaseModel
		}},
		{"customer", func() *BaseModel {
			c := &Customer{}
			return &c.BaseModel
		}},
		{"invoice", func() *BaseModel {
			i := &Invoice{}
			return &i.BaseModel
		}},
		{"product", func() *BaseModel {
			p := &Product{}
			return &p.BaseModel
		}},
		{"project", func() *BaseModel {
			p := &Project{}
			return &p.BaseModel
		}},
		{"document", func() *BaseModel {
			d := &Document{}
			return &d.BaseModel
		}},
		{"conversation", func() *BaseModel {
			c := &Conversation{}
			return &c.BaseModel
		}},
		{"plugin", func() *BaseModel {
			p := &Plugin{}
			return &p.BaseModel
		}},
		{"automation_rule", func() *BaseModel {
			r := &AutomationRule{}
			return &r.BaseModel
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := tc.model()
			if err := model.BeforeCreate(nil); err != nil {
				t.Fatalf("before create: %v", err)
			}
			if model.ID == "" {
				t.Fatal("expected ID to be generated")
			}
		})
	}
}

func TestStandaloneModelsGenerateIDs(t *testing.T) {
	user := &User{}
	if err := user.BeforeCreate(nil); err != nil {
		t.Fatalf("user before create: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected user ID to be generated")
	}

	session := &Session{}
	if err := session.BeforeCreate(nil); err != nil {
		t.Fatalf("session before create: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected session ID to be generated")
	}

	entry := &AuditLog{}
	if err := entry.BeforeCreate(nil); err != nil {
		t.Fatalf("audit log before create: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected audit log ID to be generated")
	}
}
