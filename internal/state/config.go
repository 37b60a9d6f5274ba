package state

import (
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/sensorlog/helpers"
	"github.com/temoto/sensorlog/internal/httplog"
	"github.com/temoto/sensorlog/internal/schedule"
	"github.com/temoto/sensorlog/log2"
	tele_config "github.com/temoto/sensorlog/tele/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	names       []string
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Tele     tele_config.Config
	Schedule struct {
		PollIntervalSec int `hcl:"poll_interval_sec"`
		ReadIntervalSec int `hcl:"read_interval_sec"`
		LogIntervalSec  int `hcl:"log_interval_sec"`
	}
	Sensors []*SensorConfig `hcl:"sensor"`
	Updater struct {
		Command []string `hcl:"command"`
	}
	Metrics struct {
		Listen string `hcl:"listen"`
	}
	Log LogConfig

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type SensorConfig struct {
	Name   string  `hcl:"name,key"`
	Unit   string  `hcl:"unit"`
	Type   string  `hcl:"type"`
	Source string  `hcl:"source"`
	Scale  float64 `hcl:"scale"`
}

type LogConfig struct {
	Debug      bool   `hcl:"debug"`
	File       string `hcl:"file"`
	MaxSizeMB  int    `hcl:"max_size_mb"`
	MaxBackups int    `hcl:"max_backups"`
	MaxAgeDays int    `hcl:"max_age_days"`
	Compress   bool   `hcl:"compress"`
}

// Names returns top level sources as passed to ReadConfig, for reload.
func (c *Config) Names() []string { return c.names }

func (c *Config) PollInterval() time.Duration {
	return helpers.IntSecondDefault(c.Schedule.PollIntervalSec, schedule.DefaultPollInterval)
}
func (c *Config) ReadInterval() time.Duration {
	return helpers.IntSecondDefault(c.Schedule.ReadIntervalSec, httplog.DefaultReadInterval)
}
func (c *Config) LogInterval() time.Duration {
	return helpers.IntSecondDefault(c.Schedule.LogIntervalSec, httplog.DefaultLogInterval)
}

func (c *LogConfig) Level() log2.Level {
	if c.Debug {
		return log2.LDebug
	}
	return log2.LInfo
}

// Writer returns rotating log file, nil when log.file is not set.
func (c *LogConfig) Writer() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	orig := append([]string(nil), names...)
	names = append([]string(nil), names...)
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
		names:       orig,
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	return c, nil
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
