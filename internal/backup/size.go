package backup

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
)

const DefaultMaxSize int64 = 20 * 1024 * 1024

type SizeExceededError struct {
	Actual int64
	Limit  int64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("encrypted backup is %s, over the %s limit",
		humanize.IBytes(uint64(e.Actual)), humanize.IBytes(uint64(e.Limit)))
}

// CheckSize fails when the file at path is strictly larger than limit.
// A file of exactly limit bytes passes.
func CheckSize(path string, limit int64) (int64, error) {
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	if info.Size() > limit {
		return info.Size(), &SizeExceededError{Actual: info.Size(), Limit: limit}
	}
	return info.Size(), nil
}
