package binding

import (
	"fmt"
	"log"

	"chainborn/pkg/policy"
)

// Result is the outcome of comparing collected binding data against a
// proof's public outputs under a policy's binding mode.
type Result struct {
	Valid  bool
	Errors []string
}

func invalid(errs ...string) Result { return Result{Valid: false, Errors: errs} }
func valid() Result                 { return Result{Valid: true} }

// Validate enforces binding-mode rules. It is purely functional: it never
// touches the filesystem, environment, or clock.
func Validate(mode policy.BindingMode, bindingData Data, publicInputs map[string]string) Result {
	switch mode {
	case policy.BindingNone, "":
		return valid()
	case policy.BindingOrganization:
		return validateKeyed(bindingData, publicInputs, "org_id")
	case policy.BindingEnvironment:
		return validateKeyed(bindingData, publicInputs, "environment_id")
	case policy.BindingAttestation:
		log.Printf("binding: attestation mode is a reserved stub; returning valid with warning")
		return valid()
	default:
		return invalid(fmt.Sprintf("unknown binding mode %q", mode))
	}
}

func validateKeyed(bindingData Data, publicInputs map[string]string, key string) Result {
	if len(bindingData) == 0 {
		return invalid("binding data missing")
	}
	local, ok := bindingData[key]
	if !ok || local == "" {
		return invalid(fmt.Sprintf("binding data missing %q", key))
	}

	if len(publicInputs) == 0 {
		log.Printf("binding: verifier did not surface public inputs for %q; stub mode, returning valid", key)
		return valid()
	}

	remote, ok := publicInputs[key]
	if !ok || remote == "" {
		return invalid(fmt.Sprintf("public inputs missing %q", key))
	}

	if local != remote {
		return invalid(fmt.Sprintf("%s mismatch: binding data has %q, public inputs have %q", key, local, remote))
	}
	return valid()
}
