package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/instrument"
)

// listenStandbySignals maps SIGUSR1 to standby and SIGUSR2 to wake, so
// host power hooks (e.g. a systemd sleep script) can park the instrument.
func (d *Daemon) listenStandbySignals(ctx context.Context) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigc)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigc:
			logrus.WithField("signal", sig).Debug("received standby signal")
			if sig == syscall.SIGUSR1 {
				d.park()
				continue
			}
			d.requestWake()
		}
	}
}

// park puts the instrument in standby. Wake requests queued before this
// point are discarded.
func (d *Daemon) park() {
	_ = d.withInstrument(func(in *instrument.Instrument) error {
		in.EnterStandby()
		select {
		case <-d.wake:
		default:
		}
		return nil
	})
	d.publishStandby(true)
}
