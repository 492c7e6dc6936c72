// Package config reads the run configuration of the halogrid programs from
// flags, HALOGRID_ environment variables and an optional TOML file, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/notargets/halogrid/multigrid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variable of every key
const EnvPrefix = "HALOGRID"

var ErrInvalid = errors.New("config: invalid value")

// Run is the configuration of one run
type Run struct {
	Size     []int
	Length   []float64
	Periodic []bool
	Overlap  int
	Tag      int
	Refine   int
	Policy   multigrid.OverlapPolicy

	// Ranks is the number of in-process ranks when Addrs is empty
	Ranks int
	// Rank and Addrs select the network transport, one address per rank
	Rank     int
	Addrs    []string
	Compress bool

	Steps    int
	Nu       float64
	LogLevel logrus.Level
}

// New returns a viper instance with defaults and environment binding set up
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("size", []int{16, 16})
	v.SetDefault("length", []float64{1, 1})
	v.SetDefault("periodic", []bool{true, true})
	v.SetDefault("overlap", 1)
	v.SetDefault("tag", 0)
	v.SetDefault("refine", 0)
	v.SetDefault("policy", "cells")
	v.SetDefault("ranks", 4)
	v.SetDefault("rank", 0)
	v.SetDefault("addrs", []string{})
	v.SetDefault("compress", false)
	v.SetDefault("steps", 10)
	v.SetDefault("nu", 0.1)
	v.SetDefault("log-level", "info")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags defines a flag for every key on fs and binds it to v
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config", "", "TOML configuration file")
	fs.IntSlice("size", nil, "global number of cells per direction")
	fs.Float64Slice("length", nil, "domain length per direction")
	fs.BoolSlice("periodic", nil, "periodicity per direction")
	fs.Int("overlap", 0, "overlap width in cells")
	fs.Int("tag", 0, "message tag of the decomposition")
	fs.Int("refine", 0, "number of refinements")
	fs.String("policy", "", "overlap policy on refinement: cells or absolute")
	fs.Int("ranks", 0, "number of in-process ranks")
	fs.Int("rank", 0, "rank of this process with the network transport")
	fs.StringSlice("addrs", nil, "listen address of every rank, enables the network transport")
	fs.Bool("compress", false, "zstd compress network frames")
	fs.Int("steps", 0, "number of time steps")
	fs.Float64("nu", 0, "diffusivity")
	fs.String("log-level", "", "logrus level")
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		err = errors.Join(err, v.BindPFlag(f.Name, f))
	})
	return err
}

// Load reads the configuration file named by the "config" key, if any, and
// decodes all keys
func Load(v *viper.Viper) (*Run, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var (
		r   Run
		err error
	)
	if r.Size, err = ints(v.Get("size")); err != nil {
		return nil, keyErr("size", err)
	}
	if r.Length, err = floats(v.Get("length")); err != nil {
		return nil, keyErr("length", err)
	}
	if r.Periodic, err = bools(v.Get("periodic")); err != nil {
		return nil, keyErr("periodic", err)
	}
	if r.Addrs, err = list(v.Get("addrs")); err != nil {
		return nil, keyErr("addrs", err)
	}
	for _, k := range []struct {
		key string
		dst *int
	}{
		{"overlap", &r.Overlap}, {"tag", &r.Tag}, {"refine", &r.Refine},
		{"ranks", &r.Ranks}, {"rank", &r.Rank}, {"steps", &r.Steps},
	} {
		if *k.dst, err = cast.ToIntE(v.Get(k.key)); err != nil {
			return nil, keyErr(k.key, err)
		}
	}
	if r.Compress, err = cast.ToBoolE(v.Get("compress")); err != nil {
		return nil, keyErr("compress", err)
	}
	if r.Nu, err = cast.ToFloat64E(v.Get("nu")); err != nil {
		return nil, keyErr("nu", err)
	}
	if r.Policy, err = ParsePolicy(v.GetString("policy")); err != nil {
		return nil, err
	}
	if r.LogLevel, err = logrus.ParseLevel(v.GetString("log-level")); err != nil {
		return nil, keyErr("log-level", err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Run) validate() error {
	d := len(r.Size)
	if d == 0 || len(r.Length) != d || len(r.Periodic) != d {
		return fmt.Errorf("%w: size %v, length %v and periodic %v need equal nonzero length",
			ErrInvalid, r.Size, r.Length, r.Periodic)
	}
	if len(r.Addrs) > 0 && (r.Rank < 0 || r.Rank >= len(r.Addrs)) {
		return fmt.Errorf("%w: rank %d with %d addresses", ErrInvalid, r.Rank, len(r.Addrs))
	}
	if len(r.Addrs) == 0 && r.Ranks < 1 {
		return fmt.Errorf("%w: ranks %d", ErrInvalid, r.Ranks)
	}
	if r.Refine < 0 || r.Steps < 0 {
		return fmt.Errorf("%w: refine %d, steps %d", ErrInvalid, r.Refine, r.Steps)
	}
	return nil
}

// Networked reports whether the run uses the network transport
func (r *Run) Networked() bool { return len(r.Addrs) > 0 }

// Procs returns the number of ranks of the run
func (r *Run) Procs() int {
	if r.Networked() {
		return len(r.Addrs)
	}
	return r.Ranks
}

// Options returns the decomposition options of the run
func (r *Run) Options(log logrus.FieldLogger) multigrid.Options {
	return multigrid.Options{
		Length:   append([]float64(nil), r.Length...),
		Size:     append([]int(nil), r.Size...),
		Periodic: append([]bool(nil), r.Periodic...),
		Overlap:  r.Overlap,
		Tag:      r.Tag,
		Logger:   log,
	}
}

// ParsePolicy maps "cells" and "absolute" to the overlap policies
func ParsePolicy(s string) (multigrid.OverlapPolicy, error) {
	switch strings.ToLower(s) {
	case "cells", "":
		return multigrid.KeepOverlapInCells, nil
	case "absolute":
		return multigrid.KeepAbsoluteOverlap, nil
	}
	return 0, fmt.Errorf("%w: policy %q", ErrInvalid, s)
}

func keyErr(key string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
}

// list turns a configuration value into its elements. Environment variables
// and some flag types arrive as strings like "[8,8]" or "8 8".
func list(v any) ([]string, error) {
	if s, ok := v.(string); ok {
		s = strings.Trim(s, "[]")
		return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || unicode.IsSpace(r) }), nil
	}
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%v is not a list", v)
	}
	out := make([]string, rv.Len())
	for i := range out {
		var err error
		if out[i], err = cast.ToStringE(rv.Index(i).Interface()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func ints(v any) ([]int, error) {
	l, err := list(v)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(l))
	for i, s := range l {
		if out[i], err = cast.ToIntE(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func floats(v any) ([]float64, error) {
	l, err := list(v)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(l))
	for i, s := range l {
		if out[i], err = cast.ToFloat64E(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func bools(v any) ([]bool, error) {
	l, err := list(v)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(l))
	for i, s := range l {
		if out[i], err = cast.ToBoolE(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}
