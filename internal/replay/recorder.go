package replay

import (
	"strconv"
	"sync"
	"time"

	"fluidnet/sim/internal/codec"
	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
)

// Recorder is a tick sink that writes overload events and periodic snapshot frames.
type Recorder struct {
	writer     *Writer
	frameTicks uint64
	log        *logging.Logger

	mu     sync.Mutex
	events int64
	frames int64
	bytes  int64
	errors int64
}

// Stats summarises recorder activity for monitoring endpoints.
type Stats struct {
	Directory string
	Events    int64
	Frames    int64
	Bytes     int64
	Errors    int64
}

// NewRecorder wraps a writer; a frame is captured every frameTicks ticks.
func NewRecorder(writer *Writer, frameTicks int, logger *logging.Logger) *Recorder {
	if frameTicks <= 0 {
		frameTicks = 1
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Recorder{writer: writer, frameTicks: uint64(frameTicks), log: logger.With(logging.String("component", "replay"))}
}

// SnapshotDue asks the runner for a snapshot on frame ticks.
func (r *Recorder) SnapshotDue(tick uint64) bool {
	return r != nil && tick%r.frameTicks == 0
}

// HandleTick appends the tick's events and, when present, its snapshot frame.
func (r *Recorder) HandleTick(report fluid.TickReport, snapshot *fluid.Snapshot) {
	if r == nil || r.writer == nil {
		return
	}
	//1.- Events go to the log as they happen.
	for _, event := range report.Events {
		err := r.writer.AppendEvent(EventRecord{
			Tick:        event.Tick,
			Kind:        event.Kind.String(),
			Container:   uint32(event.Container),
			Pressure:    event.Pressure,
			MaxPressure: strconv.FormatFloat(event.MaxPressure, 'g', -1, 64),
		})
		r.track(err, func() { r.events++ })
	}
	//2.- Frames are only written on the recorder's own cadence.
	if snapshot == nil || !r.SnapshotDue(report.Tick) {
		return
	}
	payload, err := codec.MarshalBinary(*snapshot)
	if err == nil {
		err = r.writer.AppendFrame(report.Tick, payload)
	}
	r.track(err, func() {
		r.frames++
		r.bytes += int64(len(payload))
	})
}

func (r *Recorder) track(err error, ok func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errors++
		r.log.Warn("replay write failed", logging.Error(err))
		return
	}
	ok()
}

// Stats returns a copy of the recorder counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Directory: r.writer.Directory(), Events: r.events, Frames: r.frames, Bytes: r.bytes, Errors: r.errors}
}

// Close finalises the bundle.
func (r *Recorder) Close(params EngineParameters) error {
	if r == nil || r.writer == nil {
		return nil
	}
	r.writer.SetHeader(params)
	return r.writer.Close()
}

// ParametersOf extracts the engine constants worth keeping in a bundle header.
func ParametersOf(snap fluid.Snapshot, step time.Duration) EngineParameters {
	return EngineParameters{
		"gamma":              snap.Gamma,
		"flow_coefficient":   snap.FlowCoefficient,
		"creation_threshold": snap.CreationThreshold,
		"types":              float64(len(snap.Types)),
		"step_ms":            float64(step) / float64(time.Millisecond),
	}
}
