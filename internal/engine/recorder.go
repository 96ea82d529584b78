/*

This file contains the engine's persistence boundary. The database-backed
recorder writes through internal/state; the noop recorder lets the engine run
dry (tests, local experiments) without a database.

*/

package engine

import (
	"github.com/stratafi/allocator/internal/state"
	"github.com/stratafi/allocator/internal/types"
)

// Recorder persists what a cycle saw and did.
type Recorder interface {
	RecordDetections(detections []types.IdleDetection) error
	RecordSnapshot(snapshot types.CycleSnapshot) (int64, error)
	NextCycleNumber() (int, error)
	ActiveParamsID() (int64, error)
}

// DBRecorder persists through the PostgreSQL state store.
type DBRecorder struct {
	ConfigName string
}

func (r DBRecorder) RecordDetections(detections []types.IdleDetection) error {
	return state.SaveDetections(detections)
}

func (r DBRecorder) RecordSnapshot(snapshot types.CycleSnapshot) (int64, error) {
	return state.SaveCycleSnapshot(snapshot)
}

func (r DBRecorder) NextCycleNumber() (int, error) {
	return state.IncrementCycleNumber()
}

func (r DBRecorder) ActiveParamsID() (int64, error) {
	id, err := state.GetActiveEngineParametersID(r.ConfigName)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

// NoopRecorder discards everything.
type NoopRecorder struct {
	cycle int
}

func (r *NoopRecorder) RecordDetections([]types.IdleDetection) error { return nil }

func (r *NoopRecorder) RecordSnapshot(types.CycleSnapshot) (int64, error) { return 0, nil }

func (r *NoopRecorder) NextCycleNumber() (int, error) {
	r.cycle++
	return r.cycle, nil
}

func (r *NoopRecorder) ActiveParamsID() (int64, error) { return 0, nil }
