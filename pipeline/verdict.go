package pipeline

import "github.com/teranos/cascade/ledger"

// DeriveStatus classifies a run from its steps. Skipped and pending steps
// are not attempted and never affect the verdict; a run that attempted
// nothing succeeded.
func DeriveStatus(steps []ledger.Step) ledger.Status {
	var succeeded, failed int
	for _, s := range steps {
		switch s.Status {
		case ledger.StepSucceeded:
			succeeded++
		case ledger.StepFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return ledger.StatusSucceeded
	case succeeded > 0:
		return ledger.StatusPartialError
	default:
		return ledger.StatusFailed
	}
}

// firstFailure returns the first failed step, which summarizes the run error
func firstFailure(steps []ledger.Step) *ledger.Step {
	for i := range steps {
		if steps[i].Status == ledger.StepFailed {
			return &steps[i]
		}
	}
	return nil
}

// countersFor sums item outcomes over every step
func countersFor(steps []ledger.Step) ledger.Counters {
	var c ledger.Counters
	for _, s := range steps {
		c.ItemsProcessed += s.ItemsProcessed
		c.ItemsSkipped += s.ItemsSkipped
		c.ItemsFailed += s.ItemsFailed
	}
	c.ItemsTotal = c.ItemsProcessed + c.ItemsSkipped + c.ItemsFailed
	return c
}

// succeeded reports whether the named step ran and succeeded
func succeeded(steps []ledger.Step, name string) bool {
	for _, s := range steps {
		if s.Name == name {
			return s.Status == ledger.StepSucceeded
		}
	}
	return false
}
