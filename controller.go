/* This file is part of raidrecon.
 *
 * Copyright © 2020 Datto, Inc.
 *
 * Licensed under the Apache Software License, Version 2.0
 * Fedora-License-Identifier: ASL 2.0
 * SPDX-2.0-License-Identifier: Apache-2.0
 * SPDX-3.0-License-Identifier: Apache-2.0
 *
 * raidrecon is free software.
 * For more information on the license, see LICENSE.
 * For more information on free software, see <https://www.gnu.org/philosophy/free-sw.en.html>.
 *
 * You may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package raidrecon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ReconState is the controller state of a reconstruction
type ReconState int32

const (
	// StateInit is the state of a reconstruction that has not run yet
	StateInit ReconState = iota
	// StateQuiesceArray waits for foreground I/O to drain
	StateQuiesceArray
	// StateAllocateControlStructures builds cursors and buffers
	StateAllocateControlStructures
	// StateIssueInitialReads starts one read per surviving column
	StateIssueInitialReads
	// StateResumeArray lets foreground I/O run again
	StateResumeArray
	// StateDrainReadEvents runs until every cursor has read its column
	StateDrainReadEvents
	// StateDrainWriteEvents runs until every unit is on the spare
	StateDrainWriteEvents
	// StateFinalize marks the spare in service
	StateFinalize
	// StateDone is terminal success
	StateDone
	// StateFailed is terminal failure
	StateFailed
)

var reconStateNames = map[ReconState]string{
	StateInit:                      "Init",
	StateQuiesceArray:              "QuiesceArray",
	StateAllocateControlStructures: "AllocateControlStructures",
	StateIssueInitialReads:         "IssueInitialReads",
	StateResumeArray:               "ResumeArray",
	StateDrainReadEvents:           "DrainReadEvents",
	StateDrainWriteEvents:          "DrainWriteEvents",
	StateFinalize:                  "Finalize",
	StateDone:                      "Done",
	StateFailed:                    "Failed",
}

func (s ReconState) String() string {
	if name, ok := reconStateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("ReconState(%d)", int32(s))
}

// DiskStatus is the service state of one array column
type DiskStatus int

const (
	// StatusOptimal columns service I/O directly
	StatusOptimal DiskStatus = iota
	// StatusFailed columns are reconstructed on the fly
	StatusFailed
	// StatusReconstructing columns are being rebuilt onto a spare
	StatusReconstructing
	// StatusSpared columns are replaced by a dedicated spare
	StatusSpared
	// StatusDistSpared columns are replaced by distributed spare space
	StatusDistSpared
)

func (s DiskStatus) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusFailed:
		return "failed"
	case StatusReconstructing:
		return "reconstructing"
	case StatusSpared:
		return "spared"
	case StatusDistSpared:
		return "dist_spared"
	}

	return fmt.Sprintf("DiskStatus(%d)", int(s))
}

// Quiescer suspends and resumes foreground access to the array
type Quiescer interface {
	SuspendNewRequestsAndWait()
	ResumeNewRequests()
}

// LabelWriter persists component labels
type LabelWriter interface {
	MarkClean(col int) error
}

// DiskStatusSetter records column status changes
type DiskStatusSetter interface {
	SetColumnStatus(col int, status DiskStatus)
}

// ReconDesc identifies a reconstruction job
type ReconDesc struct {
	ID        uuid.UUID
	FailedCol int
	SpareCol  int
	Started   time.Time
	Finished  time.Time
}

// ReconStats is a snapshot of reconstruction counters
type ReconStats struct {
	Elapsed           time.Duration
	XorTime           time.Duration
	ReadsIssued       uint64
	UnitsWritten      uint64
	ForcedReads       uint64
	PromotedReads     uint64
	SkippedUnits      uint64
	HeadSepStalls     uint64
	BufferStalls      uint64
	BlockStalls       uint64
	MaxHeadSeparation int64
	Events            EventQueueStats
}

type reconCounters struct {
	readsIssued   atomic.Uint64
	unitsWritten  atomic.Uint64
	forcedReads   atomic.Uint64
	promotedReads atomic.Uint64
	skippedUnits  atomic.Uint64
	headSepStalls atomic.Uint64
	bufferStalls  atomic.Uint64
	blockStalls   atomic.Uint64
	xorNanos      atomic.Int64
	maxHeadSep    atomic.Int64
}

// ReconParams wires a reconstruction to its array
type ReconParams struct {
	Layout StripeMapper
	// Queues holds one queue per column; the failed column's entry is unused
	Queues     []*DiskQueue
	SpareQueue *DiskQueue
	FailedCol  int
	// DistributedSpare marks the failed column DistSpared instead of Spared
	DistributedSpare bool
	Quiescer         Quiescer
	Labels           LabelWriter
	Status           DiskStatusSetter
	Config           *Config
	Logger           *logrus.Logger
}

type noopQuiescer struct{}

func (noopQuiescer) SuspendNewRequestsAndWait() {}
func (noopQuiescer) ResumeNewRequests()         {}

// Reconstruction rebuilds one failed column onto a spare while the array
// stays online. All control state is owned by the goroutine running Run;
// other goroutines only interact through CauseEvent, ForceOrBlock,
// UnblockRecon, Accelerate and the read-only status queries.
type Reconstruction struct {
	desc             ReconDesc
	config           *Config
	layout           StripeMapper
	geometry         Geometry
	queues           []*DiskQueue
	spareQueue       *DiskQueue
	distributedSpare bool
	quiescer         Quiescer
	labels           LabelWriter
	status           DiskStatusSetter

	events   *EventQueue
	pss      *pssTable
	pool     *bufferPool
	bytes    *bytePool
	reconMap *ReconMap
	tracker  *throughputTracker

	cursors        []*diskCursor
	numSurviving   int
	numDisksDone   int
	headSepWaiters []headSepWaiter
	minHeadSep     int64

	state     atomic.Int32
	started   atomic.Bool
	active    bool // guarded by pss.lock
	suspended bool
	counters  reconCounters

	doneLock  *sync.Mutex
	finished  bool
	err       error
	callbacks []func(error)
	done      chan struct{}

	logger *logrus.Logger
	log    *logrus.Entry
}

// NewReconstruction validates params and prepares a reconstruction. Nothing
// is issued until Run is called.
func NewReconstruction(params *ReconParams) (*Reconstruction, error) {
	if params == nil || params.Layout == nil {
		return nil, fmt.Errorf("%w: reconstruction needs a layout", ErrInvalidConfig)
	}

	if params.SpareQueue == nil {
		return nil, ErrNoSpare
	}

	logger := params.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	geometry := params.Layout.Geometry()
	if err := geometry.validate(); err != nil {
		return nil, err
	}

	if params.FailedCol < 0 || params.FailedCol >= geometry.NumColumns {
		return nil, fmt.Errorf("%w: failed column %d outside [0, %d)", ErrInvalidConfig, params.FailedCol, geometry.NumColumns)
	}

	if len(params.Queues) != geometry.NumColumns {
		return nil, fmt.Errorf("%w: %d disk queues for %d columns", ErrInvalidConfig, len(params.Queues), geometry.NumColumns)
	}

	for col, q := range params.Queues {
		if q == nil && col != params.FailedCol {
			return nil, fmt.Errorf("%w: surviving column %d has no queue", ErrInvalidConfig, col)
		}
	}

	config, err := setDefaultsAndCopy(params.Config, geometry.NumColumns)
	if err != nil {
		return nil, err
	}

	quiescer := params.Quiescer
	if quiescer == nil {
		quiescer = noopQuiescer{}
	}

	r := &Reconstruction{
		desc: ReconDesc{
			ID:        uuid.New(),
			FailedCol: params.FailedCol,
			SpareCol:  geometry.NumColumns,
		},
		config:           config,
		layout:           params.Layout,
		geometry:         geometry,
		queues:           params.Queues,
		spareQueue:       params.SpareQueue,
		distributedSpare: params.DistributedSpare,
		quiescer:         quiescer,
		labels:           params.Labels,
		status:           params.Status,
		events:           NewEventQueue(config.MaxExecTime, config.YieldDelay),
		pss:              newPSSTable(geometry.NumColumns),
		bytes:            newBytePool(logger),
		tracker:          newThroughputTracker(),
		numSurviving:     geometry.NumColumns - 1,
		doneLock:         &sync.Mutex{},
		done:             make(chan struct{}),
		logger:           logger,
	}

	r.log = logger.WithFields(logrus.Fields{
		"recon":  r.desc.ID.String(),
		"failed": r.desc.FailedCol,
		"spare":  r.desc.SpareCol,
	})

	rus := uint64(geometry.ReconUnitsPerStripe())
	involved := uint64(0)
	for psid := uint64(0); psid < geometry.NumParityStripes; psid++ {
		if r.involvesFailed(psid) {
			involved++
		}
	}
	r.reconMap = newReconMap(geometry.NumParityStripes*rus, involved*rus, logger)

	return r, nil
}

// Desc returns the job description
func (r *Reconstruction) Desc() ReconDesc {
	r.doneLock.Lock()
	defer r.doneLock.Unlock()

	return r.desc
}

// State returns the current controller state
func (r *Reconstruction) State() ReconState {
	return ReconState(r.state.Load())
}

func (r *Reconstruction) setState(s ReconState) {
	old := ReconState(r.state.Swap(int32(s)))
	r.log.Debugf("[Recon] %s -> %s", old, s)
}

// Progress reports how many units are on the spare
func (r *Reconstruction) Progress() ReconProgress {
	return r.reconMap.Progress()
}

// Throughput returns the bytes of the given kind moved in the last window
func (r *Reconstruction) Throughput(actionType ReconActionType, windowMilliseconds uint64) uint64 {
	return r.tracker.Sample(actionType, windowMilliseconds)
}

// Stats returns a snapshot of the reconstruction counters
func (r *Reconstruction) Stats() ReconStats {
	desc := r.Desc()
	elapsed := time.Duration(0)
	if !desc.Started.IsZero() {
		end := desc.Finished
		if end.IsZero() {
			end = timeNow()
		}
		elapsed = end.Sub(desc.Started)
	}

	return ReconStats{
		Elapsed:           elapsed,
		XorTime:           time.Duration(r.counters.xorNanos.Load()),
		ReadsIssued:       r.counters.readsIssued.Load(),
		UnitsWritten:      r.counters.unitsWritten.Load(),
		ForcedReads:       r.counters.forcedReads.Load(),
		PromotedReads:     r.counters.promotedReads.Load(),
		SkippedUnits:      r.counters.skippedUnits.Load(),
		HeadSepStalls:     r.counters.headSepStalls.Load(),
		BufferStalls:      r.counters.bufferStalls.Load(),
		BlockStalls:       r.counters.blockStalls.Load(),
		MaxHeadSeparation: r.counters.maxHeadSep.Load(),
		Events:            r.events.Stats(),
	}
}

// OnComplete registers fn to be called exactly once with the job result. If
// the job already finished fn is called immediately.
func (r *Reconstruction) OnComplete(fn func(error)) {
	r.doneLock.Lock()
	if r.finished {
		err := r.err
		r.doneLock.Unlock()
		fn(err)

		return
	}

	r.callbacks = append(r.callbacks, fn)
	r.doneLock.Unlock()
}

// Done is closed when the job has finished
func (r *Reconstruction) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the job finishes and returns its result
func (r *Reconstruction) Wait() error {
	<-r.done

	r.doneLock.Lock()
	defer r.doneLock.Unlock()

	return r.err
}

// Run drives the reconstruction to completion on the calling goroutine
func (r *Reconstruction) Run() error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrReconInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	trackerWaitGroup := &sync.WaitGroup{}
	trackerWaitGroup.Add(1)
	go r.tracker.processQueue(ctx, trackerWaitGroup)

	defer func() {
		cancel()
		trackerWaitGroup.Wait()
	}()

	for {
		state := r.State()
		next, err := r.step(state)
		if err != nil {
			r.abort(state, err)

			return err
		}

		r.setState(next)

		if next == StateDone {
			r.finish(nil)

			return nil
		}
	}
}

func (r *Reconstruction) step(state ReconState) (ReconState, error) {
	switch state {
	case StateInit:
		r.doneLock.Lock()
		r.desc.Started = timeNow()
		r.doneLock.Unlock()
		r.log.Infof("Starting reconstruction, %d units to rebuild", r.reconMap.remaining())

		return StateQuiesceArray, nil
	case StateQuiesceArray:
		r.quiescer.SuspendNewRequestsAndWait()
		r.suspended = true

		return StateAllocateControlStructures, nil
	case StateAllocateControlStructures:
		r.allocate()
		r.setColumnStatus(r.desc.FailedCol, StatusReconstructing)

		return StateIssueInitialReads, nil
	case StateIssueInitialReads:
		for col, c := range r.cursors {
			if c == nil {
				continue
			}

			done, err := r.issueNextRead(col)
			if err != nil {
				return StateFailed, err
			}

			if done {
				r.numDisksDone++
			}
		}

		return StateResumeArray, nil
	case StateResumeArray:
		r.quiescer.ResumeNewRequests()
		r.suspended = false

		return StateDrainReadEvents, nil
	case StateDrainReadEvents:
		for r.numDisksDone < r.numSurviving {
			if err := r.processNextEvent(); err != nil {
				return StateFailed, err
			}
		}
		r.log.Debug("[Recon] Every surviving column has been read")

		return StateDrainWriteEvents, nil
	case StateDrainWriteEvents:
		for r.reconMap.remaining() > 0 {
			if err := r.processNextEvent(); err != nil {
				return StateFailed, err
			}
		}

		return StateFinalize, nil
	case StateFinalize:
		r.finalize()

		return StateDone, nil
	}

	r.log.Errorf("Reconstruction stepped in terminal state %s", state)
	panic(fmt.Sprintf("no transition out of %s", state))
}

func (r *Reconstruction) allocate() {
	unitBytes := r.geometry.ReconUnitBytes()
	r.pool = newBufferPool(r.config.NumFloatingBuffers, unitBytes, r.bytes)
	r.cursors = make([]*diskCursor, r.geometry.NumColumns)

	for col := range r.cursors {
		if col == r.desc.FailedCol {
			continue
		}

		r.cursors[col] = &diskCursor{
			col: col,
			buf: &reconBuffer{
				id:   noBuffer,
				kind: BufferPrivate,
				col:  col,
				data: make([]byte, unitBytes),
			},
		}
	}

	r.pss.lock.Lock()
	r.active = true
	r.pss.lock.Unlock()

	r.log.Debugf(
		"[Recon] Allocated %d floating buffers of %d bytes for %d surviving columns",
		r.config.NumFloatingBuffers,
		unitBytes,
		r.numSurviving,
	)
}

func (r *Reconstruction) processNextEvent() error {
	ev := r.events.NextEvent()

	done, err := r.processEvent(ev)
	if err != nil {
		return err
	}

	if done {
		r.numDisksDone++
	}

	return nil
}

// processEvent handles one event. It returns true when the event moved a
// cursor past the end of its column.
func (r *Reconstruction) processEvent(ev ReconEvent) (bool, error) {
	switch ev.Type {
	case EventReadDone:
		if ev.Err != nil {
			return false, fmt.Errorf("%w: read of column %d: %v", ErrReconIOFailure, ev.Col, ev.Err)
		}

		r.tracker.recordAction(ReconRead, uint64(r.geometry.ReconUnitBytes()))

		ok, err := r.submitBuffer(r.cursors[ev.Col].buf, false, false)
		if err != nil || !ok {
			return false, err
		}

		return r.issueNextRead(ev.Col)
	case EventBufferCleared:
		ok, err := r.submitBuffer(r.cursors[ev.Col].buf, false, ev.Committed)
		if err != nil || !ok {
			return false, err
		}

		return r.issueNextRead(ev.Col)
	case EventBlockCleared, EventHeadSepCleared:
		return false, r.tryToRead(r.cursors[ev.Col])
	case EventSkip:
		return r.issueNextRead(ev.Col)
	case EventForcedReadDone:
		if ev.Err != nil {
			return false, fmt.Errorf("%w: forced read of column %d: %v", ErrReconIOFailure, ev.Col, ev.Err)
		}

		r.tracker.recordAction(ForcedRead, uint64(r.geometry.ReconUnitBytes()))
		_, err := r.submitBuffer(r.pool.lookup(ev.Buf), true, false)

		return false, err
	case EventBufferReady:
		r.issueNextWrite()

		return false, nil
	case EventWriteDone:
		if ev.Err != nil {
			return false, fmt.Errorf("%w: spare write: %v", ErrReconIOFailure, ev.Err)
		}

		r.handleWriteDone(ev.Buf)

		return false, nil
	}

	r.log.Errorf("Unknown reconstruction event %s", ev.Type)
	panic(fmt.Sprintf("unknown event %s", ev.Type))
}

// issueNextWrite sends the full buffer with the lowest failed offset to the spare
func (r *Reconstruction) issueNextWrite() {
	r.pss.lock.Lock()
	r.pool.lock.Lock()

	buf := r.pool.popFull()
	if buf == nil {
		r.pool.lock.Unlock()
		r.pss.lock.Unlock()
		r.log.Error("Buffer ready event without a full buffer")
		panic("full buffer list empty")
	}

	buf.state = bufferWriting
	pri := PriorityLow
	if entry := r.pss.lookup(buf.key); buf.kind == BufferForced || (entry != nil && entry.forced()) {
		pri = PriorityNormal
	}

	id := buf.id
	req := NewRequest(
		IOWrite,
		buf.spareOffset,
		r.geometry.SectorsPerReconUnit,
		buf.data,
		buf.key.psid,
		buf.key.ru,
		func(_ *Request, err error) {
			r.events.CauseEvent(ReconEvent{Type: EventWriteDone, Col: r.desc.SpareCol, Buf: id, Err: err})
		},
	)

	r.pool.lock.Unlock()
	r.pss.lock.Unlock()

	r.spareQueue.Enqueue(req, pri)
}

// handleWriteDone marks the unit rebuilt, recycles its buffer and wakes
// anyone waiting for the unit
func (r *Reconstruction) handleWriteDone(id bufID) {
	r.pss.lock.Lock()
	defer r.pss.lock.Unlock()
	r.pool.lock.Lock()
	defer r.pool.lock.Unlock()

	buf := r.pool.arena.get(int(id))
	key := buf.key

	if !r.reconMap.markDone(r.unitIndex(key)) {
		r.log.Errorf("Unit %d/%d written to the spare twice", key.psid, key.ru)
	}
	r.counters.unitsWritten.Add(1)
	r.tracker.recordAction(ReconWrite, uint64(r.geometry.ReconUnitBytes()))

	r.pool.numFull--
	r.releaseBuffer(buf)

	if entry := r.pss.lookup(key); entry != nil {
		entry.releaseProcWaiters()
		for _, col := range entry.blockWaitList {
			r.events.CauseEvent(ReconEvent{Type: EventBlockCleared, Col: col})
		}
		r.pss.remove(key)
	}
}

func (r *Reconstruction) finalize() {
	r.quiescer.SuspendNewRequestsAndWait()

	status := StatusSpared
	if r.distributedSpare {
		status = StatusDistSpared
	}
	r.setColumnStatus(r.desc.FailedCol, status)

	if r.labels != nil {
		if err := r.labels.MarkClean(r.desc.FailedCol); err != nil {
			r.log.Warnf("Unable to mark column %d clean: %v", r.desc.FailedCol, err)
		}
	}

	r.pss.lock.Lock()
	r.active = false
	r.pss.lock.Unlock()

	r.doneLock.Lock()
	r.desc.Finished = timeNow()
	r.doneLock.Unlock()

	r.quiescer.ResumeNewRequests()

	stats := r.Stats()
	r.log.WithFields(logrus.Fields{
		"elapsed":         stats.Elapsed.String(),
		"xor":             stats.XorTime.String(),
		"units":           stats.UnitsWritten,
		"forced_reads":    stats.ForcedReads,
		"head_sep_stalls": stats.HeadSepStalls,
		"buffer_stalls":   stats.BufferStalls,
		"block_stalls":    stats.BlockStalls,
		"exec_delays":     stats.Events.ExecDelays,
	}).Info("Reconstruction complete")
}

// abort stops the job after a fatal error. Foreground callers waiting on
// forced units are released so they can fall back to degraded access.
func (r *Reconstruction) abort(state ReconState, err error) {
	r.log.Errorf("Reconstruction failed in state %s: %v", state, err)
	r.setState(StateFailed)

	r.pss.lock.Lock()
	r.active = false
	for _, entry := range r.pss.entries {
		entry.releaseProcWaiters()
	}
	r.pss.lock.Unlock()

	if state >= StateAllocateControlStructures {
		r.setColumnStatus(r.desc.FailedCol, StatusFailed)
	}

	if r.suspended {
		r.quiescer.ResumeNewRequests()
		r.suspended = false
	}

	r.doneLock.Lock()
	r.desc.Finished = timeNow()
	r.doneLock.Unlock()

	r.finish(err)
}

func (r *Reconstruction) finish(err error) {
	r.doneLock.Lock()
	r.err = err
	r.finished = true
	callbacks := r.callbacks
	r.callbacks = nil
	r.doneLock.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}

	// Waiters only return once every callback has run
	close(r.done)
}

func (r *Reconstruction) setColumnStatus(col int, status DiskStatus) {
	if r.status != nil {
		r.status.SetColumnStatus(col, status)
	}
}

func (r *Reconstruction) unitIndex(key pssKey) uint64 {
	return key.psid*uint64(r.geometry.ReconUnitsPerStripe()) + uint64(key.ru)
}

func (r *Reconstruction) involvesFailed(psid uint64) bool {
	_, ok := r.layout.StripeColumnOffset(psid, r.desc.FailedCol)

	return ok
}

// neededFor is the number of surviving contributions a unit of psid needs
func (r *Reconstruction) neededFor(psid uint64) int {
	return len(r.layout.StripeColumns(psid)) - 1
}

// unitOffsets returns the failed column and spare offsets of a unit
func (r *Reconstruction) unitOffsets(key pssKey) (uint64, uint64) {
	base, _ := r.layout.StripeColumnOffset(key.psid, r.desc.FailedCol)
	offset := base + uint64(key.ru)*r.geometry.SectorsPerReconUnit

	return offset, offset
}
