package workflow

import "fmt"

// checkInvariant validates a workflow after a transition:
//   - at most one step is in progress;
//   - a pending workflow has no step in progress;
//   - an in-progress workflow with pending steps has exactly one step in progress;
//   - a terminal workflow has no pending or in-progress steps.
func checkInvariant(w *Workflow) error {
	active, pending := 0, 0
	for _, s := range w.Steps {
		switch s.Status {
		case StepInProgress:
			active++
		case StepPending:
			pending++
		}
	}

	switch {
	case active > 1:
		return fmt.Errorf("%w: %s has %d steps in progress", ErrInvariant, w.ID, active)
	case w.Status == StatusPending && active != 0:
		return fmt.Errorf("%w: pending %s has a step in progress", ErrInvariant, w.ID)
	case w.Status == StatusInProgress && pending > 0 && active != 1:
		return fmt.Errorf("%w: %s has pending steps but none in progress", ErrInvariant, w.ID)
	case w.Status.Terminal() && active+pending > 0:
		return fmt.Errorf("%w: %s is %s with %d unfinished steps", ErrInvariant, w.ID, w.Status, active+pending)
	}
	return nil
}
