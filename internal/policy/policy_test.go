package policy

import (
	"testing"

	"github.com/google/uuid"

	"github.com/brunodmn/notazap/internal/db"
)

func strPtr(s string) *string { return &s }

func validGlobal() *db.RateLimitPolicy {
	return &db.RateLimitPolicy{
		ID:           uuid.New(),
		Scope:        db.ScopeGlobal,
		MaxPerMinute: 20,
		MinDelayMs:   500,
		MaxDelayMs:   2000,
		Burst:        5,
	}
}

func TestValidate(t *testing.T) {
	companyID := uuid.New()

	tests := []struct {
		name    string
		mutate  func(p *db.RateLimitPolicy)
		wantErr bool
	}{
		{
			name:   "valid global",
			mutate: func(p *db.RateLimitPolicy) {},
		},
		{
			name: "global with instance name",
			mutate: func(p *db.RateLimitPolicy) {
				p.InstanceName = strPtr("wa-01")
			},
			wantErr: true,
		},
		{
			name: "instance without name",
			mutate: func(p *db.RateLimitPolicy) {
				p.Scope = db.ScopeInstance
			},
			wantErr: true,
		},
		{
			name: "valid instance",
			mutate: func(p *db.RateLimitPolicy) {
				p.Scope = db.ScopeInstance
				p.InstanceName = strPtr("wa-01")
			},
		},
		{
			name: "company without company id",
			mutate: func(p *db.RateLimitPolicy) {
				p.Scope = db.ScopeCompany
			},
			wantErr: true,
		},
		{
			name: "valid contact",
			mutate: func(p *db.RateLimitPolicy) {
				p.Scope = db.ScopeContact
				p.CompanyID = &companyID
			},
		},
		{
			name: "unknown scope",
			mutate: func(p *db.RateLimitPolicy) {
				p.Scope = "tenant"
			},
			wantErr: true,
		},
		{
			name: "zero max per minute",
			mutate: func(p *db.RateLimitPolicy) {
				p.MaxPerMinute = 0
			},
			wantErr: true,
		},
		{
			name: "zero burst",
			mutate: func(p *db.RateLimitPolicy) {
				p.Burst = 0
			},
			wantErr: true,
		},
		{
			name: "negative min delay",
			mutate: func(p *db.RateLimitPolicy) {
				p.MinDelayMs = -1
			},
			wantErr: true,
		},
		{
			name: "max delay below min delay",
			mutate: func(p *db.RateLimitPolicy) {
				p.MinDelayMs = 3000
				p.MaxDelayMs = 1000
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validGlobal()
			tt.mutate(p)
			err := Validate(p)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateSet_RejectsTwoGlobals(t *testing.T) {
	err := ValidateSet([]*db.RateLimitPolicy{validGlobal(), validGlobal()})
	if err == nil {
		t.Fatal("expected error for two global policies")
	}
}

func TestValidateSet_RejectsAnyInvalidMember(t *testing.T) {
	bad := validGlobal()
	bad.MaxPerMinute = 0

	err := ValidateSet([]*db.RateLimitPolicy{validGlobal(), bad})
	if err == nil {
		t.Fatal("expected error for invalid member")
	}
}

func TestValidateSet_EmptyIsValid(t *testing.T) {
	if err := ValidateSet(nil); err != nil {
		t.Fatalf("empty set should validate, got %v", err)
	}
}
