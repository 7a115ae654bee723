package bundles

import (
	"errors"
	"fmt"

	"github.com/shaleyeah/toolkernel/pkg/registry"
)

// Validate checks that every step resolves, step keys are unique, Needs
// point at earlier phases and conditions compile. cond may be nil to skip
// condition checks.
func Validate(b Bundle, reg *registry.Registry, cond *Conditions) error {
	var errs []error
	if b.Name == "" {
		errs = append(errs, errors.New("missing name"))
	}
	if len(b.Phases) == 0 {
		errs = append(errs, errors.New("no phases"))
	}

	earlier := map[string]bool{}
	for i, p := range b.Phases {
		if len(p.Steps) == 0 {
			errs = append(errs, fmt.Errorf("phase %d (%s) has no steps", i, p.Name))
		}
		current := map[string]bool{}
		for _, s := range p.Steps {
			key := s.Key()
			if earlier[key] || current[key] {
				errs = append(errs, fmt.Errorf("duplicate step %s", key))
			}
			current[key] = true

			if reg != nil {
				if _, err := reg.Resolve(s.ServerID, s.ToolID); err != nil {
					errs = append(errs, fmt.Errorf("step %s: %w", key, err))
				}
			}
			for _, need := range s.Needs {
				if !earlier[need] {
					errs = append(errs, fmt.Errorf("step %s needs %s, which is not in an earlier phase", key, need))
				}
			}
			if cond != nil && s.When != "" {
				if err := cond.Compile(s.When); err != nil {
					errs = append(errs, fmt.Errorf("step %s: %w", key, err))
				}
			}
		}
		for k := range current {
			earlier[k] = true
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidBundle, b.Name, err)
	}
	return nil
}
