// Package sensor is ordered collection of telemetry sensors.
package sensor

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/juju/errors"
	tele_api "github.com/temoto/sensorlog/tele"
)

type ReadFunc func() float64

type Sensor struct {
	Name string
	Unit string
	Type string
	Read ReadFunc

	mu    sync.Mutex
	id    string
	last  float64
	lastT uint32
	valid bool
}

func (self *Sensor) ID() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.id
}

// Sample calls Read and remembers value with server timestamp.
func (self *Sensor) Sample(unix uint32) float64 {
	v := math.NaN()
	if self.Read != nil {
		v = self.Read()
	}
	self.mu.Lock()
	self.last, self.lastT, self.valid = v, unix, !math.IsNaN(v)
	self.mu.Unlock()
	return v
}

// Last returns most recent valid reading.
func (self *Sensor) Last() (value float64, unix uint32, ok bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.last, self.lastT, self.valid
}

func (self *Sensor) Descriptor() tele_api.SensorDescriptor {
	return tele_api.SensorDescriptor{Name: self.Name, Unit: self.Unit, Type: self.Type}
}

// Diagnostic "temp: 21.500 C"
func (self *Sensor) Diagnostic() string {
	v, _, _ := self.Last()
	return fmt.Sprintf("%s: %.3f %s", self.Name, v, self.Unit)
}

func (self *Sensor) String() string {
	return fmt.Sprintf("sensor(name=%s type=%s id=%s)", self.Name, self.Type, self.ID())
}

// Set keeps declaration order, which defines sensor_ids assignment order.
type Set struct {
	mu   sync.RWMutex
	list []*Sensor
}

func (self *Set) Add(s *Sensor) error {
	if s.Name == "" {
		return errors.NotValidf("sensor name empty")
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, x := range self.list {
		if x.Name == s.Name {
			return errors.AlreadyExistsf("sensor=%s", s.Name)
		}
	}
	self.list = append(self.list, s)
	return nil
}

func (self *Set) Len() int {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return len(self.list)
}

func (self *Set) List() []*Sensor {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return append([]*Sensor(nil), self.list...)
}

// Assign writes ids in declaration order. Length must match exactly.
func (self *Set) Assign(ids []string) error {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if len(ids) != len(self.list) {
		return errors.NotValidf("sensor ids length=%d expected=%d", len(ids), len(self.list))
	}
	for i, id := range ids {
		if id == "" {
			return errors.NotValidf("sensor id[%d] empty", i)
		}
	}
	for i, s := range self.list {
		s.mu.Lock()
		s.id = ids[i]
		s.mu.Unlock()
	}
	return nil
}

// Assigned reports all sensors have non-empty id.
func (self *Set) Assigned() bool {
	for _, s := range self.List() {
		if s.ID() == "" {
			return false
		}
	}
	return true
}

// Diagnostic joins last readings of all sensors, "temp: 21.500 C, hum: 40.000 %"
func (self *Set) Diagnostic() string {
	list := self.List()
	ss := make([]string, len(list))
	for i, s := range list {
		ss[i] = s.Diagnostic()
	}
	return strings.Join(ss, ", ")
}

func (self *Set) Descriptors() []tele_api.SensorDescriptor {
	list := self.List()
	ds := make([]tele_api.SensorDescriptor, len(list))
	for i, s := range list {
		ds[i] = s.Descriptor()
	}
	return ds
}
