package scenes

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/insteon-bridge/internal/device"
)

// Apply executes plan through node. Deletes run first so their slots can
// be reused by the adds. A failed write is recorded and the rest of the
// plan still runs; the returned error joins every failure under
// ErrApplyFailed. With dryRun set nothing is written and the report lists
// what would have been.
//
// Parameters:
//   - ctx: Context for cancellation; a cancelled context stops the plan
//   - plan: Writes for one node, as returned by Diff
//   - node: The node the plan was computed for
//   - dryRun: Report only
//   - logger: Receives one line per write (may be nil)
func Apply(ctx context.Context, plan Plan, node Linker, dryRun bool, logger Logger) (Report, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	report := Report{Addr: plan.Addr, DryRun: dryRun}

	for _, l := range plan.Conflicts {
		logger.Warn("conflicting scene declaration ignored", "address", plan.Addr.String(), "link", l.String())
	}

	if dryRun {
		for _, rec := range plan.Delete {
			logger.Info("would delete link", "address", plan.Addr.String(), "record", rec.String())
		}
		for _, l := range plan.Add {
			logger.Info("would add link", "address", plan.Addr.String(), "link", l.String())
		}
		report.Deleted = append(report.Deleted, plan.Delete...)
		report.Added = append(report.Added, plan.Add...)
		return report, nil
	}

	var errs []error
	fail := func(op string, l Link, err error) {
		report.Failed = append(report.Failed, Failure{Op: op, Link: l, Err: err})
		errs = append(errs, fmt.Errorf("%s %s: %w", op, l, err))
		logger.Warn("scene link write failed", "address", plan.Addr.String(), "op", op, "link", l.String(), "error", err)
	}

	for _, rec := range plan.Delete {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(ErrApplyFailed, err)
		}
		l := linkOf(rec)
		spec := device.LinkSpec{Remote: rec.Addr, Controller: rec.Flags.Controller}
		if rec.Flags.Controller {
			spec.Group = rec.Group
		} else {
			spec.RemoteGroup = rec.Group
		}
		if err := node.DeleteLink(ctx, spec); err != nil {
			fail(opDelete, l, err)
			continue
		}
		logger.Info("deleted link", "address", plan.Addr.String(), "record", rec.String())
		report.Deleted = append(report.Deleted, rec)
	}

	for _, l := range plan.Add {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(ErrApplyFailed, err)
		}
		if err := node.AddLink(ctx, l.Spec()); err != nil {
			fail(opAdd, l, err)
			continue
		}
		logger.Info("added link", "address", plan.Addr.String(), "link", l.String())
		report.Added = append(report.Added, l)
	}

	if len(errs) > 0 {
		return report, errors.Join(append([]error{ErrApplyFailed}, errs...)...)
	}
	return report, nil
}
