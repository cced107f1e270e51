package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/engine"
	"github.com/charlie0129/fcounter/pkg/events"
	"github.com/charlie0129/fcounter/pkg/history"
	"github.com/charlie0129/fcounter/pkg/instrument"
	"github.com/charlie0129/fcounter/pkg/supply"
)

// ReadingRecorder records the times of the last N published readings.
type ReadingRecorder struct {
	MaxRecordCount int
	// MaxGap is the largest distance between two readings that still
	// counts as continuous.
	MaxGap  time.Duration
	records []time.Time
	mu      *sync.Mutex
}

// NewReadingRecorder returns a new ReadingRecorder.
func NewReadingRecorder(maxRecordCount int) *ReadingRecorder {
	return &ReadingRecorder{
		MaxRecordCount: maxRecordCount,
		MaxGap:         2 * time.Second,
		records:        make([]time.Time, 0),
		mu:             &sync.Mutex{},
	}
}

// AddRecord adds a new record.
func (r *ReadingRecorder) AddRecord(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Strip monotonic clock reading.
	t = t.Round(0)

	if len(r.records) >= r.MaxRecordCount {
		r.records = r.records[1:]
	}
	r.records = append(r.records, t)
}

// ClearRecords clears all records.
func (r *ReadingRecorder) ClearRecords() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = make([]time.Time, 0)
}

// GetRecordsIn returns the number of continuous records in the last
// duration, counted back from now.
func (r *ReadingRecorder) GetRecordsIn(now time.Time, last time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The last record must be recent, or the stream has stalled.
	if len(r.records) == 0 || now.Sub(r.records[len(r.records)-1]) >= r.MaxGap {
		return 0
	}

	count := 0
	for i := len(r.records) - 1; i >= 0; i-- {
		record := r.records[i]
		if now.Sub(record) > last {
			break
		}
		if i+1 < len(r.records) && r.records[i+1].Sub(record) >= r.MaxGap {
			break
		}
		count++
	}

	return count
}

// GetLastRecord returns the last record.
func (r *ReadingRecorder) GetLastRecord() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return time.Time{}
	}

	return r.records[len(r.records)-1]
}

// loop ticks the instrument until ctx is done.
func (d *Daemon) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.conf.TickInterval()):
		}

		// A handler is waiting for the instrument. Let it go first.
		if d.pending.Load() > 0 {
			continue
		}

		err := d.tick(ctx)
		if errors.Is(err, instrument.ErrStandby) {
			if err := d.waitStandby(ctx); err != nil {
				return
			}
		}
	}
}

func (d *Daemon) abortRequested() bool {
	return d.pending.Load() > 0
}

// tick runs one instrument step and reports its outcome.
func (d *Daemon) tick(ctx context.Context) error {
	d.mu.Lock()
	prev := d.in.Config().Band
	rep, err := d.in.Tick(ctx, d.abortRequested)
	cur := d.in.Config().Band
	d.refreshStatusLocked(&rep, err)
	d.mu.Unlock()

	d.report(ctx, prev, cur, rep, err)
	return err
}

// waitStandby blocks until a wake request. It polls the instrument instead
// of holding its lock, so handlers keep working during standby.
func (d *Daemon) waitStandby(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.wake:
	}

	_ = d.withInstrument(func(in *instrument.Instrument) error {
		in.ExitStandby()
		return nil
	})
	d.publishStandby(false)
	return nil
}

// requestWake wakes the loop if the instrument is in standby. A request
// while awake is dropped so it cannot end the next standby early.
func (d *Daemon) requestWake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.in.InStandby() {
		logrus.Debug("not in standby, ignoring wake request")
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// report publishes events and logs history for one tick.
func (d *Daemon) report(ctx context.Context, prev, cur band.Band, rep instrument.Report, err error) {
	now := time.Now()

	if rep.Published != nil {
		r := rep.Published
		d.recorder.AddRecord(now)
		d.hub.Publish(events.Reading, events.ReadingEvent{
			FrequencyHz: r.FrequencyHz,
			ResultHz:    r.ResultHz,
			Band:        r.Band.String(),
			Digits:      r.Digits,
			Averaged:    r.Averaged,
			Ts:          now.Unix(),
		})
		if d.hist != nil {
			hctx, cancel := context.WithTimeout(ctx, time.Second)
			herr := d.hist.RecordReading(hctx, history.Reading{
				Time:        now,
				FrequencyHz: r.FrequencyHz,
				ResultHz:    r.ResultHz,
				Band:        r.Band.String(),
				Resolution:  r.Resolution.String(),
				Averaged:    r.Averaged,
			})
			cancel()
			if herr != nil {
				logrus.WithError(herr).Warn("failed to record reading")
			}
		}
	}

	if rep.BandChanged && prev != cur {
		logrus.WithFields(logrus.Fields{
			"from": prev,
			"to":   cur,
		}).Debug("band changed")
		d.hub.Publish(events.BandChanged, events.BandChangedEvent{
			From: prev.String(),
			To:   cur.String(),
			Ts:   now.Unix(),
		})
	}

	if rep.Supply != nil && rep.Supply.ErrorLatched != d.lastSupplyLatched {
		d.lastSupplyLatched = rep.Supply.ErrorLatched
		d.hub.Publish(events.SupplyChanged, events.SupplyChangedEvent{
			Voltage: rep.Supply.LastVoltage,
			Latched: rep.Supply.ErrorLatched,
			Fault:   rep.Supply.Fault.String(),
			Ts:      now.Unix(),
		})
	}

	switch {
	case err == nil:
	case errors.Is(err, instrument.ErrStandby):
		d.publishStandby(true)
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, engine.ErrFrequencyOutOfBand):
		logrus.WithError(err).Trace("measurement not displayed")
	case errors.Is(err, context.Canceled):
	default:
		logrus.WithError(err).Warn("tick failed")
	}
}

func (d *Daemon) publishStandby(standby bool) {
	d.statusMu.Lock()
	changed := d.lastStandby != standby
	d.lastStandby = standby
	d.statusMu.Unlock()

	if changed {
		d.hub.Publish(events.Standby, events.StandbyEvent{
			Standby: standby,
			Ts:      time.Now().Unix(),
		})
	}
}

// refreshStatusLocked snapshots the instrument. d.mu must be held.
func (d *Daemon) refreshStatusLocked(rep *instrument.Report, tickErr error) {
	in := d.in

	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	st := &d.status
	st.Config = in.Config()
	st.Settings = in.Settings()
	st.Variant = in.Model().Variant().String()
	st.FrequencyHz = in.Frequency()
	st.LastBand = in.LastBand().String()
	st.Published = nil
	if p := in.Published(); p != nil {
		cp := *p
		st.Published = &cp
	}
	st.Supply = in.Supply().State()
	st.Standby = in.InStandby()
	st.ReadingsPerMinute = d.recorder.GetRecordsIn(time.Now(), time.Minute)

	switch {
	case errors.Is(tickErr, engine.ErrTimeout),
		errors.Is(tickErr, engine.ErrFrequencyOutOfBand),
		errors.Is(tickErr, supply.ErrSupplyOutOfRange):
		st.LastError = tickErr.Error()
	case tickErr == nil && rep != nil && rep.Published != nil:
		st.LastError = ""
	}
}
