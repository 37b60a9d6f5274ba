// Package updater runs external firmware update command on server notice.
package updater

import (
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
)

var ErrBusy = errors.New("update already running")

// Exec appends firmware id to Command argv and runs it in background.
// Only one update runs at a time.
type Exec struct {
	Command []string
	Log     *log2.Log
	OnStart func(firmwareID string)
	OnEnd   func(firmwareID string, err error)

	running uint32
	wg      sync.WaitGroup
}

var _ tele_api.Updater = (*Exec)(nil) // compile-time interface test

func (self *Exec) Start(firmwareID string) error {
	if len(self.Command) == 0 || self.Command[0] == "" {
		return errors.NotValidf("updater command empty")
	}
	if firmwareID == "" {
		return errors.NotValidf("firmware id empty")
	}
	if !atomic.CompareAndSwapUint32(&self.running, 0, 1) {
		return ErrBusy
	}
	args := append(append([]string(nil), self.Command[1:]...), firmwareID)
	cmd := exec.Command(self.Command[0], args...) //nolint:gosec
	self.Log.Infof("updater: start firmware=%s command=%v", firmwareID, cmd.Args)
	if self.OnStart != nil {
		self.OnStart(firmwareID)
	}
	self.wg.Add(1)
	go func() {
		defer self.wg.Done()
		output, err := cmd.CombinedOutput()
		if err != nil {
			err = errors.Annotatef(err, "updater firmware=%s output=%s", firmwareID, output)
			self.Log.Error(err)
		} else {
			self.Log.Infof("updater: done firmware=%s", firmwareID)
		}
		atomic.StoreUint32(&self.running, 0)
		if self.OnEnd != nil {
			self.OnEnd(firmwareID, err)
		}
	}()
	return nil
}

func (self *Exec) Running() bool { return atomic.LoadUint32(&self.running) == 1 }

// Wait blocks until background command finishes.
func (self *Exec) Wait() { self.wg.Wait() }
