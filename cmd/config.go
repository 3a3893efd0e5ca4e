package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/luca-patrignani/cosim/acceleration"
	"github.com/luca-patrignani/cosim/acceleration/impl"
	"github.com/luca-patrignani/cosim/cplscheme"
	"github.com/luca-patrignani/cosim/network"
)

// runConfig is the file read by the solver dummy. Both participants read
// the same file.
type runConfig struct {
	// Vertices is the number of mesh vertices of every exchanged data.
	Vertices int `toml:"vertices" yaml:"vertices"`
	// TimeStep is the step the dummy solver tries to take; 0 takes whole windows.
	TimeStep  float64         `toml:"time-step" yaml:"time-step"`
	Discovery discoveryConfig `toml:"discovery" yaml:"discovery"`
	Coupling  couplingConfig  `toml:"coupling" yaml:"coupling"`
	// History is a directory where every participant writes <name>.json.
	History string `toml:"history" yaml:"history"`
	// Ranks lists, per participant, the host:port of each of its ranks.
	// A participant not listed runs on a single rank.
	Ranks map[string][]string `toml:"ranks" yaml:"ranks"`
}

type discoveryConfig struct {
	// Directory is the shared exchange directory. Ignored if Registry is set.
	Directory string `toml:"directory" yaml:"directory"`
	// Registry is the host:port of an HTTP endpoint registry.
	Registry string `toml:"registry" yaml:"registry"`
	// ServeRegistry makes the first participant run the registry itself.
	ServeRegistry bool `toml:"serve-registry" yaml:"serve-registry"`
	// Network names the interface to listen on, Host an address.
	Network string `toml:"network" yaml:"network"`
	Host    string `toml:"host" yaml:"host"`
	Timeout string `toml:"timeout" yaml:"timeout"`
}

type exchangeConfig struct {
	Data       string `toml:"data" yaml:"data"`
	From       string `toml:"from" yaml:"from"`
	To         string `toml:"to" yaml:"to"`
	Initialize bool   `toml:"initialize" yaml:"initialize"`
}

type measureConfig struct {
	Data string `toml:"data" yaml:"data"`
	// Type is absolute, relative, residual-relative or min-iterations.
	Type     string  `toml:"type" yaml:"type"`
	Limit    float64 `toml:"limit" yaml:"limit"`
	Suffices bool    `toml:"suffices" yaml:"suffices"`
	Strict   bool    `toml:"strict" yaml:"strict"`
}

type accelerationConfig struct {
	// Type is constant, aitken, iqn-ils or iqn-imvj. Empty disables acceleration.
	Type              string   `toml:"type" yaml:"type"`
	Data              []string `toml:"data" yaml:"data"`
	Relaxation        float64  `toml:"relaxation" yaml:"relaxation"`
	MaxIterationsUsed int      `toml:"max-iterations-used" yaml:"max-iterations-used"`
	TimeWindowsReused int      `toml:"time-windows-reused" yaml:"time-windows-reused"`
	SingularityLimit  float64  `toml:"singularity-limit" yaml:"singularity-limit"`
}

type couplingConfig struct {
	First              string             `toml:"first" yaml:"first"`
	Second             string             `toml:"second" yaml:"second"`
	Implicit           bool               `toml:"implicit" yaml:"implicit"`
	MaxTime            float64            `toml:"max-time" yaml:"max-time"`
	MaxTimeWindows     int                `toml:"max-time-windows" yaml:"max-time-windows"`
	TimeWindowSize     float64            `toml:"time-window-size" yaml:"time-window-size"`
	ValidDigits        int                `toml:"valid-digits" yaml:"valid-digits"`
	MaxIterations      int                `toml:"max-iterations" yaml:"max-iterations"`
	ExtrapolationOrder int                `toml:"extrapolation-order" yaml:"extrapolation-order"`
	Exchanges          []exchangeConfig   `toml:"exchange" yaml:"exchange"`
	Convergence        []measureConfig    `toml:"convergence" yaml:"convergence"`
	Acceleration       accelerationConfig `toml:"acceleration" yaml:"acceleration"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		Vertices: 3,
		Discovery: discoveryConfig{
			Directory: ".",
			Host:      "127.0.0.1",
			Timeout:   "60s",
		},
		Coupling: couplingConfig{
			MaxTime:            cplscheme.UndefinedTime,
			MaxTimeWindows:     cplscheme.UndefinedTimeWindows,
			TimeWindowSize:     cplscheme.UndefinedTimeWindowSize,
			ValidDigits:        10,
			MaxIterations:      cplscheme.UndefinedMaxIterations,
			ExtrapolationOrder: cplscheme.UndefinedExtrapolationOrder,
		},
	}
}

// loadConfig reads a TOML or YAML file, chosen by extension, over the defaults.
func loadConfig(path string) (runConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return runConfig{}, err
	}
	return parseConfig(filepath.Ext(path), raw)
}

func parseConfig(ext string, raw []byte) (runConfig, error) {
	cfg := defaultRunConfig()
	switch ext {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return runConfig{}, fmt.Errorf("parsing toml: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return runConfig{}, fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		return runConfig{}, fmt.Errorf("unknown configuration format %q, use .toml or .yaml", ext)
	}
	return cfg, cfg.validate()
}

func (c runConfig) validate() error {
	if c.Vertices < 1 {
		return fmt.Errorf("vertices must be positive, got %d", c.Vertices)
	}
	if c.Coupling.First == "" || c.Coupling.Second == "" || c.Coupling.First == c.Coupling.Second {
		return fmt.Errorf("coupling needs two distinct participants, got %q and %q", c.Coupling.First, c.Coupling.Second)
	}
	if len(c.Coupling.Exchanges) == 0 {
		return fmt.Errorf("coupling exchanges no data")
	}
	participants := []string{c.Coupling.First, c.Coupling.Second}
	seen := map[string]bool{}
	for _, e := range c.Coupling.Exchanges {
		if seen[e.Data] {
			return fmt.Errorf("data %q is exchanged twice", e.Data)
		}
		seen[e.Data] = true
		if !slices.Contains(participants, e.From) || !slices.Contains(participants, e.To) || e.From == e.To {
			return fmt.Errorf("data %q goes from %q to %q, not between the coupled participants", e.Data, e.From, e.To)
		}
	}
	for _, m := range c.Coupling.Convergence {
		if !seen[m.Data] {
			return fmt.Errorf("convergence measure on unknown data %q", m.Data)
		}
	}
	for _, name := range c.Coupling.Acceleration.Data {
		if !seen[name] {
			return fmt.Errorf("acceleration on unknown data %q", name)
		}
	}
	for name, addrs := range c.Ranks {
		if !slices.Contains(participants, name) {
			return fmt.Errorf("ranks of %q, which is not a coupled participant", name)
		}
		if len(addrs) > c.Vertices {
			return fmt.Errorf("%d ranks of %q share %d vertices", len(addrs), name, c.Vertices)
		}
	}
	if _, err := time.ParseDuration(c.Discovery.Timeout); err != nil {
		return fmt.Errorf("discovery timeout: %w", err)
	}
	return nil
}

func (c runConfig) timeout() time.Duration {
	d, _ := time.ParseDuration(c.Discovery.Timeout)
	return d
}

// dataID numbers data in the order of the exchange list.
func (c runConfig) dataID(name string) int {
	return slices.IndexFunc(c.Coupling.Exchanges, func(e exchangeConfig) bool { return e.Data == name })
}

func (c runConfig) schemeConfig(participant string) cplscheme.Config {
	cfg := cplscheme.DefaultConfig()
	cfg.First = c.Coupling.First
	cfg.Second = c.Coupling.Second
	cfg.Local = participant
	cfg.Implicit = c.Coupling.Implicit
	cfg.MaxTime = c.Coupling.MaxTime
	cfg.MaxTimeWindows = c.Coupling.MaxTimeWindows
	cfg.TimeWindowSize = c.Coupling.TimeWindowSize
	cfg.ValidDigits = c.Coupling.ValidDigits
	cfg.MaxIterations = c.Coupling.MaxIterations
	cfg.ExtrapolationOrder = c.Coupling.ExtrapolationOrder
	return cfg
}

// newAcceleration builds the configured acceleration, nil if none is configured.
// comm connects the ranks of the accelerating participant; ringOpts set up
// the ring IQN-IMVJ needs on several ranks.
func (c runConfig) newAcceleration(comm network.IntraComm, ringOpts ...impl.Option) (cplscheme.Acceleration, error) {
	a := c.Coupling.Acceleration
	ids := make([]int, len(a.Data))
	for i, name := range a.Data {
		ids[i] = c.dataID(name)
	}
	qn := func() acceleration.QNConfig {
		cfg := acceleration.DefaultQNConfig(ids...)
		cfg.IntraComm = comm
		if a.Relaxation != 0 {
			cfg.InitialRelaxation = a.Relaxation
		}
		if a.MaxIterationsUsed != 0 {
			cfg.MaxIterationsUsed = a.MaxIterationsUsed
		}
		cfg.TimeWindowsReused = a.TimeWindowsReused
		if a.SingularityLimit != 0 {
			cfg.SingularityLimit = a.SingularityLimit
		}
		return cfg
	}
	switch a.Type {
	case "":
		return nil, nil
	case "constant":
		return acceleration.NewConstantRelaxation(a.Relaxation, ids)
	case "aitken":
		return acceleration.NewAitken(a.Relaxation, ids, comm)
	case "iqn-ils":
		return acceleration.NewIQNILS(qn())
	case "iqn-imvj":
		cfg := qn()
		return acceleration.NewIQNIMVJ(cfg, impl.NewParallelMatrixOperations(cfg.IntraComm, ringOpts...))
	}
	return nil, fmt.Errorf("unknown acceleration %q", a.Type)
}

func newMeasure(m measureConfig) (cplscheme.ConvergenceMeasure, error) {
	switch m.Type {
	case "absolute":
		return cplscheme.NewAbsoluteConvergenceMeasure(m.Limit)
	case "relative":
		return cplscheme.NewRelativeConvergenceMeasure(m.Limit)
	case "residual-relative":
		return cplscheme.NewResidualRelativeConvergenceMeasure(m.Limit)
	case "min-iterations":
		return cplscheme.NewMinIterationConvergenceMeasure(int(m.Limit))
	}
	return nil, fmt.Errorf("unknown convergence measure %q", m.Type)
}
