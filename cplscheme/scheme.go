package cplscheme

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"

	"github.com/luca-patrignani/cosim/history"
	"github.com/luca-patrignani/cosim/mesh"
	"github.com/luca-patrignani/cosim/network"
)

// Config holds the settings shared by all scheme kinds.
type Config struct {
	// First and Second name the participants of a bi-participant scheme.
	// First does the first step: it sends before it receives.
	First  string
	Second string
	// Controller names the participant that accelerates a multi scheme.
	Controller string
	// Local is the participant this process belongs to.
	Local string

	Implicit       bool
	MaxTime        float64
	MaxTimeWindows int
	// TimeWindowSize is UndefinedTimeWindowSize when the first participant's
	// time step defines every window.
	TimeWindowSize     float64
	ValidDigits        int
	MaxIterations      int
	ExtrapolationOrder int

	Acceleration Acceleration
	// IntraComm connects the ranks of the local participant. Defaults to network.Serial.
	IntraComm network.IntraComm
	History   Recorder
	Logger    *slog.Logger
}

// DefaultConfig returns a configuration with every limit undefined.
func DefaultConfig() Config {
	return Config{
		MaxTime:            UndefinedTime,
		MaxTimeWindows:     UndefinedTimeWindows,
		TimeWindowSize:     UndefinedTimeWindowSize,
		ValidDigits:        defaultValidDigits,
		MaxIterations:      UndefinedMaxIterations,
		ExtrapolationOrder: UndefinedExtrapolationOrder,
	}
}

func (c Config) validate() error {
	if c.MaxTime != UndefinedTime && !(c.MaxTime > 0) {
		return fmt.Errorf("%w: max time %g must be positive", ErrConfiguration, c.MaxTime)
	}
	if c.MaxTimeWindows != UndefinedTimeWindows && c.MaxTimeWindows < 1 {
		return fmt.Errorf("%w: max time windows %d must be positive", ErrConfiguration, c.MaxTimeWindows)
	}
	if c.MaxTime == UndefinedTime && c.MaxTimeWindows == UndefinedTimeWindows {
		return fmt.Errorf("%w: neither max time nor max time windows is defined", ErrConfiguration)
	}
	if c.TimeWindowSize != UndefinedTimeWindowSize && !(c.TimeWindowSize > 0) {
		return fmt.Errorf("%w: time window size %g must be positive", ErrConfiguration, c.TimeWindowSize)
	}
	if c.ValidDigits < 1 || c.ValidDigits > 16 {
		return fmt.Errorf("%w: valid digits %d must be in 1..16", ErrConfiguration, c.ValidDigits)
	}
	if !c.Implicit {
		if c.Acceleration != nil {
			return fmt.Errorf("%w: acceleration requires an implicit scheme", ErrConfiguration)
		}
		if c.ExtrapolationOrder > 0 {
			return fmt.Errorf("%w: extrapolation requires an implicit scheme", ErrConfiguration)
		}
	}
	return nil
}

type partner struct {
	name    string
	m2n     M2N
	send    DataMap
	receive DataMap
}

// exchanger is the part of a scheme that differs between kinds.
type exchanger interface {
	exchangeInitialData() error
	// exchangeDataAndAccelerate runs one sub-iteration and returns whether
	// the window has converged.
	exchangeDataAndAccelerate() (bool, error)
}

// Scheme couples the local participant with its partners in simulated time.
// A Scheme is not safe for concurrent use; each rank owns its own.
type Scheme struct {
	kind          Kind
	local         string
	doesFirstStep bool
	partners      []*partner
	ex            exchanger
	allData       DataMap

	maxTime            float64
	maxTimeWindows     int
	fixedWindowSize    bool
	eps                float64
	maxIterations      int
	extrapolationOrder int

	acceleration Acceleration
	measures     []*measureEntry
	comm         network.IntraComm
	recorder     Recorder
	logger       *slog.Logger

	initialized    bool
	finalized      bool
	initDataDone   bool
	sendsInitData  bool
	recvsInitData  bool
	time           float64
	windowStart    float64
	windowSize     float64
	computedPart   float64
	windows        int
	iterations     int
	windowComplete bool
	lastForced     bool
	checkpoint     *checkpoint

	required  map[string]bool
	fulfilled map[string]bool
}

func newScheme(cfg Config, kind Kind) (*Scheme, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Scheme{
		kind:               kind,
		local:              cfg.Local,
		allData:            make(DataMap),
		maxTime:            cfg.MaxTime,
		maxTimeWindows:     cfg.MaxTimeWindows,
		fixedWindowSize:    cfg.TimeWindowSize != UndefinedTimeWindowSize,
		windowSize:         cfg.TimeWindowSize,
		eps:                math.Pow(10, -float64(cfg.ValidDigits)),
		maxIterations:      cfg.MaxIterations,
		extrapolationOrder: cfg.ExtrapolationOrder,
		acceleration:       cfg.Acceleration,
		comm:               cfg.IntraComm,
		recorder:           cfg.History,
		logger:             cfg.Logger,
		required:           make(map[string]bool),
		fulfilled:          make(map[string]bool),
	}
	if s.comm == nil {
		s.comm = network.Serial{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("participant", cfg.Local, "scheme", kind.String())
	return s, nil
}

// NewParallelScheme creates a bi-participant scheme in which both
// participants compute the same window at the same time. The scheme is
// explicit or implicit according to cfg.Implicit.
func NewParallelScheme(cfg Config, m2n M2N) (*Scheme, error) {
	if cfg.First == cfg.Second {
		return nil, fmt.Errorf("%w: first and second participant are both %q", ErrConfiguration, cfg.First)
	}
	var other string
	switch cfg.Local {
	case cfg.First:
		other = cfg.Second
	case cfg.Second:
		other = cfg.First
	default:
		return nil, fmt.Errorf("%w: local participant %q is neither %q nor %q",
			ErrConfiguration, cfg.Local, cfg.First, cfg.Second)
	}
	kind := Explicit
	if cfg.Implicit {
		kind = ImplicitBi
	}
	s, err := newScheme(cfg, kind)
	if err != nil {
		return nil, err
	}
	s.doesFirstStep = cfg.Local == cfg.First
	p := &partner{name: other, m2n: m2n, send: make(DataMap), receive: make(DataMap)}
	s.partners = []*partner{p}
	s.ex = &biExchanger{s: s, p: p}
	return s, nil
}

// NewMultiScheme creates an implicit scheme in which the controller couples
// with every other participant. On the controller m2ns holds one link per
// partner; on any other participant it holds only the link to the controller.
func NewMultiScheme(cfg Config, m2ns map[string]M2N) (*Scheme, error) {
	cfg.Implicit = true
	if cfg.TimeWindowSize == UndefinedTimeWindowSize {
		return nil, fmt.Errorf("%w: a multi scheme needs a fixed time window size", ErrConfiguration)
	}
	controller := cfg.Local == cfg.Controller
	if _, ok := m2ns[cfg.Local]; ok {
		return nil, fmt.Errorf("%w: participant %q coupled with itself", ErrConfiguration, cfg.Local)
	}
	if !controller {
		if _, ok := m2ns[cfg.Controller]; !ok || len(m2ns) != 1 {
			return nil, fmt.Errorf("%w: participant %q must be linked to controller %q only",
				ErrConfiguration, cfg.Local, cfg.Controller)
		}
	}
	if len(m2ns) == 0 {
		return nil, fmt.Errorf("%w: controller %q has no partners", ErrConfiguration, cfg.Local)
	}
	s, err := newScheme(cfg, ImplicitMulti)
	if err != nil {
		return nil, err
	}
	s.doesFirstStep = !controller
	for _, name := range slices.Sorted(maps.Keys(m2ns)) {
		s.partners = append(s.partners, &partner{
			name:    name,
			m2n:     m2ns[name],
			send:    make(DataMap),
			receive: make(DataMap),
		})
	}
	s.ex = &multiExchanger{s: s, controller: controller}
	return s, nil
}

func (s *Scheme) partner(name string) (*partner, error) {
	for _, p := range s.partners {
		if p.name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is not a coupling partner of %q", ErrConfiguration, name, s.local)
}

// AddDataToSend registers data sent to the partner of a bi-participant scheme.
func (s *Scheme) AddDataToSend(data *mesh.Data, requiresInitialization bool) error {
	return s.AddDataToSendTo(s.partners[0].name, data, requiresInitialization)
}

// AddDataToReceive registers data received from the partner of a bi-participant scheme.
func (s *Scheme) AddDataToReceive(data *mesh.Data, requiresInitialization bool) error {
	return s.AddDataToReceiveFrom(s.partners[0].name, data, requiresInitialization)
}

// AddDataToSendTo registers data sent to partner. The same data may be sent
// to several partners.
func (s *Scheme) AddDataToSendTo(partnerName string, data *mesh.Data, requiresInitialization bool) error {
	p, err := s.registrable(partnerName)
	if err != nil {
		return err
	}
	id := data.ID()
	if _, ok := p.send[id]; ok {
		return fmt.Errorf("%w: data %q (id %d) is already sent to %q", ErrConfiguration, data.Name(), id, partnerName)
	}
	if s.isReceived(id) {
		return fmt.Errorf("%w: data %q (id %d) is both sent and received", ErrConfiguration, data.Name(), id)
	}
	cd, ok := s.allData[id]
	if !ok {
		if cd, err = NewCouplingData(data, requiresInitialization, s.extrapolationOrder); err != nil {
			return err
		}
	}
	p.send[id] = cd
	s.allData[id] = cd
	return nil
}

// AddDataToReceiveFrom registers data received from partner.
func (s *Scheme) AddDataToReceiveFrom(partnerName string, data *mesh.Data, requiresInitialization bool) error {
	p, err := s.registrable(partnerName)
	if err != nil {
		return err
	}
	id := data.ID()
	if s.isReceived(id) {
		return fmt.Errorf("%w: data %q (id %d) is already received", ErrConfiguration, data.Name(), id)
	}
	if _, ok := s.allData[id]; ok {
		return fmt.Errorf("%w: data %q (id %d) is both sent and received", ErrConfiguration, data.Name(), id)
	}
	cd, err := NewCouplingData(data, requiresInitialization, s.extrapolationOrder)
	if err != nil {
		return err
	}
	p.receive[id] = cd
	s.allData[id] = cd
	return nil
}

func (s *Scheme) registrable(partnerName string) (*partner, error) {
	if s.initialized {
		return nil, fmt.Errorf("%w: data registered after initialization", ErrProtocol)
	}
	return s.partner(partnerName)
}

func (s *Scheme) isReceived(id int) bool {
	for _, p := range s.partners {
		if _, ok := p.receive[id]; ok {
			return true
		}
	}
	return false
}

// AddConvergenceMeasure checks the convergence of the data with the given id.
// Only the accelerating participant evaluates measures.
func (s *Scheme) AddConvergenceMeasure(dataID int, m ConvergenceMeasure, opts ...MeasureOption) error {
	if !s.kind.IsImplicit() {
		return fmt.Errorf("%w: convergence measure on an explicit scheme", ErrConfiguration)
	}
	if s.initialized {
		return fmt.Errorf("%w: convergence measure added after initialization", ErrProtocol)
	}
	e := &measureEntry{dataID: dataID, measure: m}
	for _, opt := range opts {
		opt(e)
	}
	s.measures = append(s.measures, e)
	return nil
}

// Initialize starts the coupling and returns the maximum length of the first time step.
func (s *Scheme) Initialize() (float64, error) {
	if s.initialized {
		return 0, fmt.Errorf("%w: initialize called twice", ErrProtocol)
	}
	for _, e := range s.measures {
		if _, ok := s.allData[e.dataID]; !ok {
			return 0, fmt.Errorf("%w: convergence measure on unknown data id %d", ErrConfiguration, e.dataID)
		}
	}
	for _, p := range s.partners {
		for _, d := range p.send {
			s.sendsInitData = s.sendsInitData || d.RequiresInitialization()
		}
		for _, d := range p.receive {
			s.recvsInitData = s.recvsInitData || d.RequiresInitialization()
		}
	}
	if !s.fixedWindowSize && (s.sendsInitData || s.recvsInitData) {
		return 0, fmt.Errorf("%w: initial data cannot be exchanged when the first participant sets the time window size",
			ErrConfiguration)
	}
	if s.acceleration != nil && s.accelerates() {
		if err := s.acceleration.Initialize(s.allData); err != nil {
			return 0, err
		}
	}
	for _, d := range s.allData {
		d.StoreIteration()
	}

	s.time = 0
	s.windowStart = 0
	s.computedPart = 0
	s.windows = 1
	s.iterations = 0
	if s.sendsInitData {
		s.require(ActionWriteInitialData)
	}
	if s.kind.IsImplicit() {
		s.require(ActionWriteIterationCheckpoint)
	}
	if !s.fixedWindowSize && !s.doesFirstStep {
		if err := s.receiveWindowSize(); err != nil {
			return 0, err
		}
	}
	s.initialized = true
	s.logger.Debug("initialized", "data", len(s.allData), "partners", len(s.partners))
	return s.nextTimeStepMaxSize(), nil
}

// accelerates reports whether this participant measures convergence and
// runs the acceleration.
func (s *Scheme) accelerates() bool {
	return s.kind.IsImplicit() && !s.doesFirstStep
}

// InitializeData exchanges the data marked as requiring initialization.
func (s *Scheme) InitializeData() error {
	if !s.initialized {
		return fmt.Errorf("%w: initializeData called before initialize", ErrProtocol)
	}
	if s.initDataDone {
		return fmt.Errorf("%w: initializeData called twice", ErrProtocol)
	}
	if !s.sendsInitData && !s.recvsInitData {
		return fmt.Errorf("%w: initializeData called without data requiring initialization", ErrProtocol)
	}
	if s.IsActionRequired(ActionWriteInitialData) {
		return fmt.Errorf("%w: action %q not fulfilled before initializeData", ErrProtocol, ActionWriteInitialData)
	}
	delete(s.required, ActionWriteInitialData)
	delete(s.fulfilled, ActionWriteInitialData)
	if err := s.ex.exchangeInitialData(); err != nil {
		return fmt.Errorf("exchanging initial data: %w", err)
	}
	for _, d := range s.allData {
		d.StoreIteration()
	}
	s.initDataDone = true
	s.logger.Debug("initial data exchanged")
	return nil
}

// Advance reports that the solver computed dt and returns the maximum
// length of the next time step. Data is exchanged once the end of the
// current time window is reached.
func (s *Scheme) Advance(dt float64) (float64, error) {
	if !s.initialized {
		return 0, fmt.Errorf("%w: advance called before initialize", ErrProtocol)
	}
	if s.finalized || !s.IsCouplingOngoing() {
		return 0, fmt.Errorf("%w: advance called when coupling is not ongoing", ErrProtocol)
	}
	if (s.sendsInitData || s.recvsInitData) && !s.initDataDone {
		return 0, fmt.Errorf("%w: initializeData must be called before advance", ErrProtocol)
	}
	if err := s.checkActionsFulfilled(); err != nil {
		return 0, err
	}
	if !(dt > 0) {
		return 0, fmt.Errorf("%w: time step %g must be positive", ErrProtocol, dt)
	}
	windowSize := s.windowSize
	if !s.fixedWindowSize && s.doesFirstStep && s.iterations == 0 && s.computedPart == 0 {
		windowSize = dt
	}
	if dt > windowSize-s.computedPart+s.eps {
		return 0, fmt.Errorf("%w: time step %g exceeds the remaining %g of the time window",
			ErrProtocol, dt, windowSize-s.computedPart)
	}
	if s.maxTime != UndefinedTime && s.time+dt > s.maxTime+s.eps {
		return 0, fmt.Errorf("%w: time step %g exceeds the remaining %g until max time",
			ErrProtocol, dt, s.maxTime-s.time)
	}

	clear(s.required)
	clear(s.fulfilled)
	s.windowComplete = false
	s.windowSize = windowSize
	if s.kind.IsImplicit() && s.checkpoint == nil {
		s.saveCheckpoint()
	}
	s.computedPart += dt
	s.time += dt

	if s.computedPart < s.windowSize-s.eps {
		// subcycling
		return s.nextTimeStepMaxSize(), nil
	}

	converged, err := s.ex.exchangeDataAndAccelerate()
	if err != nil {
		return 0, fmt.Errorf("time window %d, iteration %d: %w", s.windows, s.iterations, err)
	}
	if s.kind.IsImplicit() {
		for _, d := range s.allData {
			d.StoreIteration()
		}
	}
	if converged {
		if err := s.completeWindow(); err != nil {
			return 0, err
		}
	} else {
		s.restoreCheckpoint()
		s.iterations++
		s.require(ActionReadIterationCheckpoint)
		s.logger.Debug("time window not converged", "window", s.windows, "iteration", s.iterations)
	}
	return s.nextTimeStepMaxSize(), nil
}

func (s *Scheme) completeWindow() error {
	start := s.windowStart
	size := s.windowSize
	iterations := s.iterations + 1
	index := s.windows

	s.time = start + size
	s.windowStart = s.time
	s.computedPart = 0
	s.windows++
	s.iterations = 0
	s.windowComplete = true
	s.discardCheckpoint()
	for _, e := range s.measures {
		e.measure.NewMeasurementSeries()
	}
	if s.kind.IsImplicit() {
		for _, d := range s.allData {
			d.StoreExtrapolationData()
			d.MoveToNextWindow()
		}
	}

	if s.recorder != nil {
		err := s.recorder.Append(history.Window{
			Index:      index,
			Start:      start,
			Size:       size,
			Iterations: iterations,
			Converged:  !s.lastForced,
			Forced:     s.lastForced,
		})
		if err != nil {
			return fmt.Errorf("recording time window %d: %w", index, err)
		}
	}
	s.logger.Info("time window completed", "window", index, "time", s.time, "iterations", iterations)
	s.lastForced = false

	if !s.fixedWindowSize {
		if s.doesFirstStep {
			s.windowSize = UndefinedTimeWindowSize
		} else if s.IsCouplingOngoing() {
			if err := s.receiveWindowSize(); err != nil {
				return err
			}
		}
	}
	if s.kind.IsImplicit() && s.IsCouplingOngoing() {
		s.require(ActionWriteIterationCheckpoint)
	}
	return nil
}

func (s *Scheme) receiveWindowSize() error {
	size, err := s.partners[0].m2n.ReceiveDouble()
	if err != nil {
		return fmt.Errorf("receiving time window size: %w", err)
	}
	if !(size > 0) {
		return fmt.Errorf("%w: received time window size %g", ErrProtocol, size)
	}
	s.windowSize = size
	s.logger.Debug("received time window size", "window", s.windows, "size", size)
	return nil
}

// sendsWindowSize reports whether the next exchange starts with the window size.
func (s *Scheme) sendsWindowSize() bool {
	return !s.fixedWindowSize && s.doesFirstStep && s.iterations == 0
}

// doImplicitStep measures convergence, accelerates and stores the iterate.
// It runs on the accelerating participant after all data was received.
func (s *Scheme) doImplicitStep() (bool, error) {
	v, err := measureConvergence(s.comm, s.measures, s.allData)
	if err != nil {
		return false, err
	}
	converged := v.converged
	if !converged && s.maxIterations > 0 && s.iterations+1 >= s.maxIterations {
		if v.strictFailed {
			return false, fmt.Errorf("%w: time window %d after %d iterations", ErrStrictNotConverged, s.windows, s.iterations+1)
		}
		s.logger.Warn("max iterations reached without convergence, forcing the time window to complete",
			"window", s.windows, "iterations", s.iterations+1)
		converged = true
		s.lastForced = true
	}
	for _, e := range s.measures {
		s.logger.Debug("convergence", "data", s.allData[e.dataID].Name(), "measure", e.measure.String())
	}
	if s.acceleration != nil {
		if converged {
			err = s.acceleration.IterationsConverged(s.allData)
		} else {
			err = s.acceleration.PerformAcceleration(s.allData)
		}
		if err != nil {
			return false, fmt.Errorf("acceleration: %w", err)
		}
	}
	return converged, nil
}

func (s *Scheme) nextTimeStepMaxSize() float64 {
	if !s.IsCouplingOngoing() {
		return 0
	}
	remaining := math.MaxFloat64
	if s.windowSize != UndefinedTimeWindowSize {
		remaining = s.windowSize - s.computedPart
	}
	if s.maxTime != UndefinedTime {
		remaining = math.Min(remaining, s.maxTime-s.time)
	}
	return remaining
}

// IsCouplingOngoing reports whether neither max time nor max time windows was reached.
func (s *Scheme) IsCouplingOngoing() bool {
	timeLeft := s.maxTime == UndefinedTime || s.time < s.maxTime-s.eps
	windowsLeft := s.maxTimeWindows == UndefinedTimeWindows || s.windows <= s.maxTimeWindows
	return timeLeft && windowsLeft
}

// IsTimeWindowComplete reports whether the last call to Advance completed a window.
func (s *Scheme) IsTimeWindowComplete() bool {
	return s.windowComplete
}

func (s *Scheme) require(action string) {
	s.required[action] = true
	delete(s.fulfilled, action)
}

// IsActionRequired reports whether the solver still has to perform action.
func (s *Scheme) IsActionRequired(action string) bool {
	return s.required[action] && !s.fulfilled[action]
}

// MarkActionFulfilled tells the scheme that the solver performed action.
func (s *Scheme) MarkActionFulfilled(action string) error {
	if !slices.Contains(actions, action) {
		return fmt.Errorf("%w: unknown action %q", ErrProtocol, action)
	}
	if !s.required[action] {
		return fmt.Errorf("%w: action %q is not required", ErrProtocol, action)
	}
	s.fulfilled[action] = true
	return nil
}

func (s *Scheme) checkActionsFulfilled() error {
	var errs []error
	for _, action := range actions {
		if s.IsActionRequired(action) {
			errs = append(errs, fmt.Errorf("%w: action %q not fulfilled", ErrProtocol, action))
		}
	}
	return errors.Join(errs...)
}

// Finalize ends the coupling and releases the acceleration.
func (s *Scheme) Finalize() error {
	if !s.initialized {
		return fmt.Errorf("%w: finalize called before initialize", ErrProtocol)
	}
	if s.finalized {
		return fmt.Errorf("%w: finalize called twice", ErrProtocol)
	}
	s.finalized = true
	s.logger.Debug("finalized", "time", s.time, "windows", s.windows-1)
	if s.acceleration != nil {
		return s.acceleration.Close()
	}
	return nil
}

func (s *Scheme) Kind() Kind { return s.kind }

func (s *Scheme) Time() float64 { return s.time }

// TimeWindows returns the 1-based index of the current time window.
func (s *Scheme) TimeWindows() int { return s.windows }

// Iterations returns the 0-based sub-iteration of the current time window.
func (s *Scheme) Iterations() int { return s.iterations }

// TimeWindowSize returns UndefinedTimeWindowSize while the first
// participant has not yet chosen the size of the current window.
func (s *Scheme) TimeWindowSize() float64 { return s.windowSize }

func (s *Scheme) DoesFirstStep() bool { return s.doesFirstStep }

func (s *Scheme) SendsInitializedData() bool { return s.sendsInitData }

func (s *Scheme) ReceivesInitializedData() bool { return s.recvsInitData }

func (s *Scheme) CouplingPartners() []string {
	names := make([]string, len(s.partners))
	for i, p := range s.partners {
		names[i] = p.name
	}
	return names
}

// SendData returns the sent coupling data with the given id.
func (s *Scheme) SendData(id int) (*CouplingData, bool) {
	for _, p := range s.partners {
		if d, ok := p.send[id]; ok {
			return d, true
		}
	}
	return nil, false
}

// ReceiveData returns the received coupling data with the given id.
func (s *Scheme) ReceiveData(id int) (*CouplingData, bool) {
	for _, p := range s.partners {
		if d, ok := p.receive[id]; ok {
			return d, true
		}
	}
	return nil, false
}

// AllData returns the union of sent and received data.
func (s *Scheme) AllData() DataMap {
	m := make(DataMap, len(s.allData))
	m.merge(s.allData)
	return m
}
