package gen

import (
	"context"
	"math/rand"
	"time"
)

const (
	// bulkBatchSize caps how many blocks one mining call may produce
	// during bulk generation.
	bulkBatchSize = 500

	// boundaryMarkerStart is the first address index used for batch
	// boundary marker transactions. It rotates upward from here and stops
	// once the pre-generated addresses run out.
	boundaryMarkerStart = 40

	// coinbaseRunLength is how many consecutive blocks are mined to the
	// test wallet inside a coinbase window.
	coinbaseRunLength = 5

	// periodicSendInterval is the rough block spacing of the rotating
	// periodic sends.
	periodicSendInterval = 1000

	// selfSendProbability is the per-iteration chance of a faucet
	// self-payment for address-reuse variety.
	selfSendProbability = 0.01

	// bulkRandSeed fixes the self-send schedule so runs with identical
	// parameters produce identically structured chains.
	bulkRandSeed = 0x5bba11

	// Coinbase window offsets relative to the target height. They assume
	// the regtest coinbase maturity of 100 confirmations: rewards mined in
	// the mature window have ripened by the target height, rewards in the
	// immature window have not. A network with a different maturity rule
	// would need these parameterized.
	matureWindowStartOffset = 200
	matureWindowEndOffset   = 101
	immatureWindowOffset    = 99
)

// periodicSendIndices and periodicSendAmounts are the rotating tables of the
// roughly-every-1000-blocks sends to the test wallet.
var (
	periodicSendIndices = []int{
		1, 4, 6, 9, 10, 13, 16, 18, 21, 23, 25, 30, 33, 36, 38,
	}

	periodicSendAmounts = []float64{
		0.02, 0.15, 0.5, 1.0, 0.001, 3.0, 0.08, 0.25, 0.75, 2.0,
		0.005, 0.4, 1.5, 0.03, 0.1,
	}
)

// coinbaseWindows are the two fixed pre-target windows in which short block
// runs are mined directly to the test wallet.
type coinbaseWindows struct {
	// matureStart..matureEnd-1 produce rewards that are mature at the
	// target height.
	matureStart int64
	matureEnd   int64

	// immatureStart..target produce rewards still immature at the target
	// height.
	immatureStart int64
}

// windowsForTarget computes the coinbase windows for a target height.
func windowsForTarget(target int64) coinbaseWindows {
	return coinbaseWindows{
		matureStart:   target - matureWindowStartOffset,
		matureEnd:     target - matureWindowEndOffset,
		immatureStart: target - immatureWindowOffset,
	}
}

// nextImportantHeight returns the closest height above current at which the
// bulk loop must stop mining blindly: a scheduled batch boundary or a
// coinbase window edge, capped at target.
func nextImportantHeight(current, target int64, boundaries []int64,
	w coinbaseWindows) int64 {

	next := target

	for _, boundary := range boundaries {
		if boundary > current && boundary < next {
			next = boundary
		}
	}

	for _, edge := range []int64{
		w.matureStart, w.matureEnd, w.immatureStart,
	} {
		if current < edge && edge < next {
			next = edge
		}
	}

	return next
}

// phaseBulkGeneration mines the remaining blocks to the target height while
// placing boundary markers, periodic sends, and deterministic
// mature/immature coinbase rewards.
func (s *WalletSyncStrategy) phaseBulkGeneration(ctx context.Context) error {
	g := s.g
	target := g.cfg.TargetHeight

	current, err := g.cli.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	remaining := target - current
	if remaining <= 0 {
		log.Infof("Phase bulk generation skipped (already at target "+
			"height %d)", current)
		return nil
	}

	log.Infof("Phase: bulk generation (%d blocks remaining)", remaining)

	boundaries := BatchBoundaries(current, target)
	if len(boundaries) > 0 {
		log.Infof("Batch boundaries to hit: %v", boundaries)
	}

	windows := windowsForTarget(target)
	coinbaseAddr := g.addrs[0]

	boundaryAddrIndex := boundaryMarkerStart
	nextPeriodic := current + periodicSendInterval
	periodicCounter := 0

	// Deterministic schedule for the occasional faucet self-sends.
	rng := rand.New(rand.NewSource(bulkRandSeed))

	startHeight := current
	start := time.Now()

	for current < target {
		if err := ctx.Err(); err != nil {
			return err
		}

		next := nextImportantHeight(current, target, boundaries,
			windows)

		blocksToMine := next - current
		if blocksToMine > bulkBatchSize {
			blocksToMine = bulkBatchSize
		}
		if blocksToMine < 1 {
			blocksToMine = 1
		}

		batchEnd := current + blocksToMine

		// Inside the mature window, lead each step with a short run of
		// blocks mined to the test wallet so it ends up with coinbase
		// rewards that are spendable at the target height.
		if windows.matureStart <= current &&
			current < windows.matureEnd {

			runLen := min64(coinbaseRunLength, batchEnd-current)

			err := g.mineBlocks(ctx, runLen, coinbaseAddr)
			if err != nil {
				return err
			}

			g.stats.CoinbaseRewards += runLen
			current += runLen

			log.Debugf("Mined %d blocks to wallet (mature "+
				"coinbase) at height %d", runLen, current)

			err = g.mineBlocks(ctx, batchEnd-current, "")
			if err != nil {
				return err
			}
			current = batchEnd

			continue
		}

		// The immature window covers the remaining stretch to target;
		// its rewards stay locked at the target height.
		if current >= windows.immatureStart {
			runLen := min64(coinbaseRunLength, target-current)

			err := g.mineBlocks(ctx, runLen, coinbaseAddr)
			if err != nil {
				return err
			}

			g.stats.CoinbaseRewards += runLen
			current += runLen

			log.Debugf("Mined %d blocks to wallet (immature "+
				"coinbase) at height %d", runLen, current)

			err = g.mineBlocks(ctx, target-current, "")
			if err != nil {
				return err
			}
			current = target

			continue
		}

		err := g.mineBlocks(ctx, blocksToMine, "")
		if err != nil {
			return err
		}
		current += blocksToMine

		// Place a marker transaction for every boundary just crossed,
		// consuming it from the schedule.
		boundaries, boundaryAddrIndex, current, err =
			s.placeBoundaryMarkers(
				ctx, boundaries, boundaryAddrIndex, current,
			)
		if err != nil {
			return err
		}

		// Periodic send to the test wallet, roughly every 1000 blocks,
		// rotating through the index/amount tables. Failures skip the
		// send without aborting the run.
		if current >= nextPeriodic {
			n := len(periodicSendIndices)
			idx := periodicSendIndices[periodicCounter%n]
			amt := periodicSendAmounts[periodicCounter%n]

			err := g.sendToWallet(
				ctx, idx, dashAmount(amt),
				"periodic send",
			)
			switch {
			case err == nil:
				err = g.mineBlocks(ctx, 1, "")
				if err != nil {
					return err
				}
				current++

			case isLocalSendFailure(err):
				log.Warnf("Periodic send skipped: %v", err)

			default:
				return err
			}

			periodicCounter++
			nextPeriodic = current + periodicSendInterval
		}

		// Occasional faucet self-payment for address-reuse variety.
		if rng.Float64() < selfSendProbability {
			mined, err := s.faucetSelfSend(ctx)
			if err != nil {
				return err
			}
			if mined {
				current++
			}
		}

		s.logBulkProgress(start, startHeight, current, target)
	}

	// The loop only ever lands exactly on target, but re-read the node's
	// view before declaring victory.
	actual, err := g.cli.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	switch {
	case actual > target:
		log.Warnf("Overshot target by %d blocks (height: %d)",
			actual-target, actual)

	case actual < target:
		err = g.mineBlocks(ctx, target-actual, "")
		if err != nil {
			return err
		}
	}

	return nil
}

// placeBoundaryMarkers sends a marker transaction for every scheduled batch
// boundary at or below current, mining one block per marker.
func (s *WalletSyncStrategy) placeBoundaryMarkers(ctx context.Context,
	boundaries []int64, addrIndex int, current int64) ([]int64, int,
	int64, error) {

	g := s.g

	remaining := boundaries[:0]
	for _, boundary := range boundaries {
		if boundary > current {
			remaining = append(remaining, boundary)
			continue
		}

		// Markers stop once the pre-generated addresses run out; the
		// boundary is still consumed.
		if addrIndex >= numAddresses {
			continue
		}

		err := g.sendToWallet(
			ctx, addrIndex, dashAmount(0.01),
			"batch boundary marker",
		)
		if err != nil {
			return nil, 0, 0, err
		}

		err = g.mineBlocks(ctx, 1, "")
		if err != nil {
			return nil, 0, 0, err
		}

		current++
		addrIndex++
	}

	return remaining, addrIndex, current, nil
}

// faucetSelfSend pays the faucet from itself and mines the transaction,
// reporting whether a block was actually mined. Application-level failures
// are skipped.
func (s *WalletSyncStrategy) faucetSelfSend(ctx context.Context) (bool,
	error) {

	g := s.g

	addr, err := g.cli.GetNewAddress(ctx, g.cfg.FaucetWallet)
	if err != nil {
		if isLocalSendFailure(err) {
			log.Warnf("Faucet self-send skipped: %v", err)
			return false, nil
		}

		return false, err
	}

	_, err = g.cli.SendToAddress(
		ctx, g.cfg.FaucetWallet, addr, dashAmount(1.0),
	)
	if err != nil {
		if isLocalSendFailure(err) {
			log.Warnf("Faucet self-send skipped: %v", err)
			return false, nil
		}

		return false, err
	}

	err = g.mineBlocks(ctx, 1, "")
	if err != nil {
		return false, err
	}

	return true, nil
}

// logBulkProgress reports the mining rate and estimated time remaining near
// every batch multiple.
func (s *WalletSyncStrategy) logBulkProgress(start time.Time, startHeight,
	current, target int64) {

	if current%FilterBatchSize >= bulkBatchSize && current < target {
		return
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return
	}

	rate := float64(current-startHeight) / elapsed

	var eta time.Duration
	if rate > 0 {
		eta = time.Duration(
			float64(target-current)/rate,
		) * time.Second
	}

	log.Infof("Height %d/%d (%.0f blocks/sec, ETA: %v)", current, target,
		rate, eta)
}

// min64 returns the smaller of a and b.
func min64(a, b int64) int64 {
	if a < b {
		return a
	}

	return b
}
