package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/banshee-data/shimtool/internal/errs"
	"github.com/banshee-data/shimtool/internal/fieldmap"
	"github.com/banshee-data/shimtool/internal/kickoff"
	"github.com/banshee-data/shimtool/internal/scanner"
)

// failurePoll bounds how long a scan wait goes without checking the
// scanner's failure signal.
const failurePoll = 250 * time.Millisecond

// batchRun is one submitted command sequence and the scans it owes. base is
// the number of series already on disk when the batch started, so the
// batch's own pairs are read by index rather than from the end.
type batchRun struct {
	t       *Tool
	name    string
	h       *kickoff.Handle
	total   int
	counted int
	base    int
}

// startBatch clears ImagesReady and submits the kickoff task that queues
// seq on the scanner.
func (t *Tool) startBatch(ctx context.Context, name string, seq *sequence, scans int) (*batchRun, error) {
	base, err := t.seriesOnDisk(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	t.scanner.Clear(scanner.ImagesReady)
	cmds := seq.cmds
	h, err := t.pool.Submit(name, func(ctx context.Context) error {
		for i, cmd := range cmds {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("queued %d of %d commands: %w", i, len(cmds), err)
			}
			if err := t.scanner.Send(cmd); err != nil {
				return fmt.Errorf("queue %q: %w", cmd, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.Logf("%s: queued %d commands for %d scans", name, len(cmds), scans)
	return &batchRun{t: t, name: name, h: h, total: scans, base: base}, nil
}

// seriesOnDisk brings the exam directory up to date and counts its series.
func (t *Tool) seriesOnDisk(ctx context.Context) (int, error) {
	if err := t.transfer.TransferScanData(ctx, t.examNumber(), t.examDir()); err != nil {
		return 0, fmt.Errorf("transfer: %w", err)
	}
	dirs, err := fieldmap.ListSeries(t.examDir())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return len(dirs), err
}

// maps computes n field maps from the batch's pairs, starting at pair.
func (b *batchRun) maps(ctx context.Context, pair, n int) ([]*fieldmap.Volume, error) {
	return fieldmap.ComputeB0MapsAt(ctx, b.base+2*pair, n, b.t.examDir(), b.t.b0Options())
}

// await waits for the next n scans of the batch and transfers their data.
// On failure the rest of the batch is dropped.
func (b *batchRun) await(ctx context.Context, n int, timeout time.Duration) error {
	if err := b.t.countScans(ctx, n, timeout, b); err != nil {
		b.abort()
		return fmt.Errorf("%s: %w", b.name, err)
	}
	b.counted += n
	if err := b.t.transfer.TransferScanData(ctx, b.t.examNumber(), b.t.examDir()); err != nil {
		b.abort()
		return fmt.Errorf("%s: transfer: %w", b.name, err)
	}
	return nil
}

// finish joins the kickoff task.
func (b *batchRun) finish(ctx context.Context) error {
	if err := b.h.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	return nil
}

// abort cancels the kickoff task, drops everything still queued on both
// devices, clears the scan signals and zeroes the coils.
func (b *batchRun) abort() {
	t := b.t
	b.h.Cancel()
	<-b.h.Done()
	dropped := t.scanner.ClearQueue() + t.shim.ClearQueue()
	t.scanner.Clear(scanner.ImagesReady)
	t.scanner.Clear(scanner.PrescanDone)
	if err := t.shim.Zero(); err != nil {
		t.Logf("%s: zero after abort: %v", b.name, err)
	}
	t.Logf("%s: aborted after %d of %d scans, dropped %d queued commands", b.name, b.counted, b.total, dropped)
}

// CountScansCompleted waits for n scans, each within the scan timeout. It
// returns false on the first scanner failure (re-arming the failure signal)
// or timeout, so it never blocks for longer than n times the timeout.
func (t *Tool) CountScansCompleted(ctx context.Context, n int) bool {
	return t.countScans(ctx, n, t.cfg.ScanTimeout, nil) == nil
}

func (t *Tool) countScans(ctx context.Context, n int, timeout time.Duration, b *batchRun) error {
	for i := 0; i < n; i++ {
		name, offset := "scans", 0
		if b != nil {
			name, offset = b.name, b.counted
		}
		if err := t.waitScan(ctx, timeout, b); err != nil {
			t.Logf("%s: scan %d/%d: %v", name, offset+i+1, offsetTotal(b, n), err)
			if errors.Is(err, errs.ErrScanFailure) {
				t.scanner.ClearFailure()
			}
			return err
		}
		t.scanner.Clear(scanner.ImagesReady)
		t.Logf("%s: scan %d/%d complete", name, offset+i+1, offsetTotal(b, n))
	}
	return nil
}

func offsetTotal(b *batchRun, n int) int {
	if b == nil {
		return n
	}
	return b.total
}

// waitScan waits for ImagesReady while watching for a scanner failure and
// for the kickoff task failing to queue its commands.
func (t *Tool) waitScan(ctx context.Context, timeout time.Duration, b *batchRun) error {
	deadline := t.clock.Now().Add(timeout)
	for {
		if !t.scanner.IsRaised(scanner.NoFailures) {
			return errs.ErrScanFailure
		}
		if b != nil {
			select {
			case <-b.h.Done():
				if err := b.h.Wait(ctx); err != nil {
					return fmt.Errorf("%w: %v", errs.ErrConnection, err)
				}
			default:
			}
		}
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w: no images within %s", errs.ErrScanTimeout, timeout)
		}
		step := remaining
		if step > failurePoll {
			step = failurePoll
		}
		if t.scanner.WaitFor(ctx, scanner.ImagesReady, step) {
			if !t.scanner.IsRaised(scanner.NoFailures) {
				return errs.ErrScanFailure
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrScanTimeout, err)
		}
	}
}
