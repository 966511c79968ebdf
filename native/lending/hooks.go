package lending

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vaultlend/core/events"
)

// BeginBlock records the new block, accrues as many markets as the per-block
// budget allows and runs the advisory warning sweep. Markets past the budget
// are picked up round-robin on the following blocks. It must run before any
// command of the block.
func (e *Engine) BeginBlock(height, timestamp uint64) (report *BlockReport, err error) {
	if e.depth > 0 {
		return nil, errors.New("lending: begin block inside a command")
	}
	start := time.Now()
	defer func() { e.metrics.ObserveCommand("begin_block", time.Since(start), err) }()

	var prev blockStamp
	started, err := e.state.KVGet(lastBlockKey, &prev)
	if err != nil {
		return nil, err
	}
	if started && height <= prev.Height {
		return nil, fmt.Errorf("%w: %d <= %d", ErrBlockHeightNotIncreasing, height, prev.Height)
	}
	if timestamp < prev.Timestamp {
		return nil, fmt.Errorf("%w: %d < %d", ErrNonMonotonicBlockTime, timestamp, prev.Timestamp)
	}
	snapshot := e.state.Snapshot()
	defer func() {
		if err != nil {
			e.state.RevertToSnapshot(snapshot)
			e.pending = nil
			report = nil
		}
	}()
	if err := e.state.KVPut(lastBlockKey, blockStamp{Height: height, Timestamp: timestamp}); err != nil {
		return nil, err
	}
	report = &BlockReport{Height: height, Timestamp: timestamp}
	if err := e.accrueBudgeted(timestamp, report); err != nil {
		return nil, err
	}
	e.metrics.SetDeferred(report.Deferred)
	report.Warnings = e.sweepWarnings(height, timestamp)
	e.flush()
	return report, nil
}

func (e *Engine) accrueBudgeted(now uint64, report *BlockReport) error {
	count, err := e.MarketCount()
	if err != nil || count == 0 {
		return err
	}
	budget := e.params.AccrualBudgetPerBlock
	if budget == 0 || budget > count {
		budget = count
	}
	var cursor uint64
	if _, err := e.state.KVGet(accrualCursorKey, &cursor); err != nil {
		return err
	}
	for i := uint64(0); i < budget; i++ {
		id := cursor%count + 1
		cursor = id
		if err := e.accrueIsolated(id, now); err != nil {
			e.logger.Warn("market accrual failed",
				slog.Uint64("market", id),
				slog.Any("error", err))
			e.metrics.RecordAccrualFailure(id)
			report.Failed = append(report.Failed, id)
			continue
		}
		report.Accrued = append(report.Accrued, id)
	}
	report.Deferred = int(count - budget)
	return e.state.KVPut(accrualCursorKey, cursor)
}

// accrueIsolated accrues one market in its own snapshot so a failing market
// does not hold back the rest.
func (e *Engine) accrueIsolated(id, now uint64) error {
	snapshot := e.state.Snapshot()
	m, err := e.loadMarket(id)
	if err == nil {
		_, err = e.accrue(m, now)
	}
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
	}
	return err
}

// sweepWarnings checks up to MaxWarningsPerBlock borrowers, resuming where the
// previous block stopped, and returns how many warnings it emitted.
func (e *Engine) sweepWarnings(height, now uint64) int {
	limit := e.params.MaxWarningsPerBlock
	if limit == 0 {
		return 0
	}
	snapshot := e.state.Snapshot()
	mark := len(e.pending)
	emitted, err := e.sweep(height, now, limit)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		e.pending = e.pending[:mark]
		e.logger.Warn("warning sweep aborted", slog.Any("error", err))
		return 0
	}
	return emitted
}

func (e *Engine) sweep(height, now, limit uint64) (int, error) {
	count, err := e.MarketCount()
	if err != nil || count == 0 {
		return 0, err
	}
	var cur warningCursor
	if _, err := e.state.KVGet(warningCursorKey, &cur); err != nil {
		return 0, err
	}
	if cur.Market == 0 || cur.Market > count {
		cur = warningCursor{Market: 1}
	}
	next := func() {
		cur.Market = cur.Market%count + 1
		cur.Offset = 0
	}

	var checked uint64
	emitted := 0
	for visited := uint64(0); checked < limit && visited < count; {
		m, err := e.loadMarket(cur.Market)
		if err != nil {
			return 0, err
		}
		list, err := e.borrowers(m.ID)
		if err != nil {
			return 0, err
		}
		if cur.Offset >= uint64(len(list)) {
			next()
			visited++
			continue
		}
		view, err := e.project(m, now)
		if err == nil {
			var prices marketPrices
			prices, err = e.freshPrices(m, height)
			for err == nil && cur.Offset < uint64(len(list)) && checked < limit {
				who := list[cur.Offset]
				cur.Offset++
				checked++
				warn, werr := e.shouldWarn(m, who, view.index, prices)
				if werr != nil {
					e.logger.Debug("warning check failed", slog.Uint64("market", m.ID), slog.Any("error", werr))
					continue
				}
				if warn {
					e.emit(events.MayGoUnderCollateralizedSoon{Market: m.ID, Account: who})
					emitted++
				}
			}
		}
		if err != nil {
			e.logger.Debug("skipping market in warning sweep", slog.Uint64("market", m.ID), slog.Any("error", err))
			cur.Offset = uint64(len(list))
		}
		if cur.Offset >= uint64(len(list)) {
			next()
			visited++
		}
	}
	if err := e.state.KVPut(warningCursorKey, cur); err != nil {
		return 0, err
	}
	return emitted, nil
}
