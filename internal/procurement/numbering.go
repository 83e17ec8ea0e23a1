package procurement

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Sequencer hands out the next daily sequence for a prefix at a location.
type Sequencer interface {
	NextSequence(ctx context.Context, prefix string, locationID int64, day time.Time) (locationCode string, seq int, err error)
}

// FormatNumber renders {Prefix}-{LOCATION}-{DD}-{Mon}-{YYYY}-{NN}, e.g.
// PRF-JKT-05-Mar-2025-01.
func FormatNumber(prefix, locationCode string, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%s-%02d", prefix, strings.ToUpper(locationCode), day.Format("02-Jan-2006"), seq)
}

func nextNumber(ctx context.Context, seq Sequencer, prefix string, locationID int64, now time.Time) (string, error) {
	code, n, err := seq.NextSequence(ctx, prefix, locationID, now)
	if err != nil {
		return "", fmt.Errorf("allocate %s number: %w", prefix, err)
	}
	return FormatNumber(prefix, code, now, n), nil
}
