package conclib

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/Sumatoshi-tech/concache/pkg/corpus"
)

const tmpSuffix = ".tmp"

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

// removeSilent removes a file, logging failures other than absence.
func removeSilent(ctx context.Context, logger *slog.Logger, path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WarnContext(ctx, "cache file removal failed", "path", path, "error", err)
	}
}

// saveAtomic writes conc next to path and renames it over path, so readers
// never observe a truncated file.
func saveAtomic(conc corpus.Concordance, path string, partial bool) error {
	tmp := path + tmpSuffix

	err := conc.Save(tmp, partial)
	if err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("save %s: %w", path, err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	return nil
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
