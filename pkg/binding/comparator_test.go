package binding

import (
	"strings"
	"testing"

	"chainborn/pkg/policy"
)

func TestValidate_NoneModeAlwaysValid(t *testing.T) {
	r := Validate(policy.BindingNone, nil, nil)
	if !r.Valid {
		t.Errorf("none mode should always be valid, got errors: %v", r.Errors)
	}
}

func TestValidate_OrganizationMatch(t *testing.T) {
	r := Validate(policy.BindingOrganization, Data{"org_id": "acme"}, map[string]string{"org_id": "acme"})
	if !r.Valid {
		t.Errorf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_OrganizationMismatch(t *testing.T) {
	r := Validate(policy.BindingOrganization, Data{"org_id": "acme"}, map[string]string{"org_id": "widgets"})
	if r.Valid {
		t.Fatal("expected invalid on org_id mismatch")
	}
	joined := strings.Join(r.Errors, " ")
	if !strings.Contains(joined, "acme") || !strings.Contains(joined, "widgets") {
		t.Errorf("error must include both concrete values, got: %v", r.Errors)
	}
}

func TestValidate_OrganizationStubModeWhenNoPublicInputs(t *testing.T) {
	r := Validate(policy.BindingOrganization, Data{"org_id": "acme"}, nil)
	if !r.Valid {
		t.Errorf("stub mode should return valid when public inputs absent, got errors: %v", r.Errors)
	}
}

func TestValidate_OrganizationMissingBindingData(t *testing.T) {
	r := Validate(policy.BindingOrganization, nil, map[string]string{"org_id": "acme"})
	if r.Valid {
		t.Fatal("expected invalid when binding data missing entirely")
	}
}

func TestValidate_OrganizationMissingKeyInBindingData(t *testing.T) {
	r := Validate(policy.BindingOrganization, Data{"other": "x"}, map[string]string{"org_id": "acme"})
	if r.Valid {
		t.Fatal("expected invalid when org_id missing from binding data")
	}
}

func TestValidate_OrganizationMissingKeyInPublicInputs(t *testing.T) {
	r := Validate(policy.BindingOrganization, Data{"org_id": "acme"}, map[string]string{"other": "x"})
	if r.Valid {
		t.Fatal("expected invalid when org_id missing from non-empty public inputs")
	}
}

func TestValidate_EnvironmentMode(t *testing.T) {
	r := Validate(policy.BindingEnvironment, Data{"environment_id": "prod"}, map[string]string{"environment_id": "staging"})
	if r.Valid {
		t.Fatal("expected invalid on environment_id mismatch")
	}
}

func TestValidate_AttestationIsReservedStub(t *testing.T) {
	r := Validate(policy.BindingAttestation, nil, nil)
	if !r.Valid {
		t.Errorf("attestation mode should return valid (reserved stub), got errors: %v", r.Errors)
	}
}
