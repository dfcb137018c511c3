package observability

import (
	"errors"
	"fmt"
)

// JoinErrors drops nil entries and joins the rest under operation. When any
// remain it logs one warning listing them.
func JoinErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	messages := make([]string, len(failed))
	for i, err := range failed {
		messages[i] = err.Error()
	}
	OrDefault(logger).Warn(operation+" incomplete", append(fields,
		F("failures", len(failed)),
		F("errors", messages),
	)...)
	return fmt.Errorf("%s: %w", operation, errors.Join(failed...))
}
