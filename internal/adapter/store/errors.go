package store

import (
	"errors"
	"fmt"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

// applyError maps record validation failures onto port sentinels.
func applyError(snapshotID string, err error) error {
	switch {
	case errors.Is(err, domain.ErrUpdateTerminal):
		return fmt.Errorf("apply %s: %w", snapshotID, port.ErrTerminal)
	case errors.Is(err, domain.ErrUpdateRegression):
		return fmt.Errorf("apply %s: %w: %v", snapshotID, port.ErrPhaseRegression, err)
	case errors.Is(err, domain.ErrUpdateConflict):
		return fmt.Errorf("apply %s: %w: %v", snapshotID, port.ErrPhaseConflict, err)
	}
	return fmt.Errorf("apply %s: %w", snapshotID, err)
}
