package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/dispatch"
	"github.com/dyluth/lodge/internal/override"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/protocol"
	"github.com/dyluth/lodge/internal/resolve"
	"github.com/dyluth/lodge/internal/resolver"
	"github.com/dyluth/lodge/pkg/runstore"
)

// JobsFailedError reports jobs that did not succeed.
type JobsFailedError struct {
	Failed int
	Total  int
}

func (e *JobsFailedError) Error() string {
	return fmt.Sprintf("%d of %d jobs failed", e.Failed, e.Total)
}

// renderError prints err to stderr with a title and suggestions chosen
// by its type.
func renderError(err error) {
	var (
		malformed   *override.MalformedOverrideError
		unknownName *resolve.UnknownConfigNameError
		unknownKey  *resolve.UnknownConfigKeyError
		duplicate   *resolve.DuplicateAdditionError
		cyclic      *resolve.CyclicInterpolationError
		interpType  *resolve.InterpolationTypeError
		missing     *resolve.MissingRequiredKeyError
		target      *build.UnknownTargetError
		argument    *build.ConstructorArgumentError
		unknownProt *protocol.UnknownProtocolError
		submission  *dispatch.SubmissionError
		notCancel   *dispatch.NotCancellableError
		ambiguous   *resolver.AmbiguousError
		notFound    *resolver.NotFoundError
		transition  *runstore.InvalidTransitionError
		jobsFailed  *JobsFailedError
	)

	switch {
	case errors.As(err, &malformed):
		printer.Error("malformed override", err.Error(), []string{
			"Overrides look like key=value, +key=value (add a key) or key=a,b,c (sweep)",
		})
	case errors.As(err, &unknownName):
		printer.Error("unknown config name", err.Error(), []string{
			fmt.Sprintf("Add %s/%s.yaml to a directory passed with --config-dir", unknownName.Group, unknownName.Name),
		})
	case errors.As(err, &unknownKey):
		printer.Error("unknown config key", err.Error(), []string{
			"Inspect the resolved keys:\n  lodge train --cfg job ...",
			fmt.Sprintf("Add the key instead of overriding it:\n  +%s=...", unknownKey.Key),
		})
	case errors.As(err, &duplicate):
		printer.Error("config key already exists", err.Error(), nil)
	case errors.As(err, &cyclic):
		printer.Error("cyclic interpolation", err.Error(), []string{
			"Make at least one of these keys a concrete value",
		})
	case errors.As(err, &interpType):
		printer.Error("invalid interpolation", err.Error(), nil)
	case errors.As(err, &missing):
		printer.Error("missing required config key", err.Error(), nil)
	case errors.As(err, &target):
		printer.Error("unknown target", err.Error(), []string{
			"Check the _target_ of the component, or select a config that provides one",
		})
	case errors.As(err, &argument):
		printer.Error("invalid constructor argument", err.Error(), nil)
	case errors.As(err, &unknownProt):
		printer.Error("unknown protocol", err.Error(), []string{
			"Set 'database' in lodge.yml or PYANNOTE_DATABASE_CONFIG to your database.yml",
		})
	case errors.As(err, &submission):
		printer.Error("cluster submission failed", err.Error(), []string{
			"Other jobs of the sweep were submitted; see 'lodge runs --status failed'",
		})
	case errors.As(err, &notCancel):
		printer.Error("run cannot be cancelled", err.Error(), nil)
	case errors.As(err, &ambiguous):
		printer.Error("ambiguous run ID", resolver.FormatAmbiguousError(ambiguous), nil)
	case errors.As(err, &notFound):
		printer.Error("run not found", err.Error(), []string{"List runs:\n  lodge runs"})
	case errors.As(err, &transition):
		printer.Error("run already finished", err.Error(), nil)
	case errors.As(err, &jobsFailed):
		printer.Error(err.Error(), "", nil)
	default:
		title, detail, _ := strings.Cut(err.Error(), "\n")
		printer.Error(title, strings.TrimSpace(detail), nil)
	}
}
