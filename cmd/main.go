package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/luca-patrignani/cosim/acceleration/impl"
	"github.com/luca-patrignani/cosim/cplscheme"
	"github.com/luca-patrignani/cosim/discovery"
	"github.com/luca-patrignani/cosim/history"
	"github.com/luca-patrignani/cosim/mesh"
	"github.com/luca-patrignani/cosim/network"
)

func main() {
	if len(os.Args) != 3 && len(os.Args) != 4 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.(toml|yaml)> <participant> [rank]\n", os.Args[0])
		os.Exit(1)
	}
	rank := 0
	if len(os.Args) == 4 {
		var err error
		if rank, err = strconv.Atoi(os.Args[3]); err != nil {
			fmt.Fprintf(os.Stderr, "rank %q is not a number\n", os.Args[3])
			os.Exit(1)
		}
	}

	// Create a new slog handler with the default PTerm logger
	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	logger := slog.New(handler)

	printBanner()

	cfg, err := loadConfig(os.Args[1])
	if err != nil {
		logger.Error("failed to load configuration", "path", os.Args[1], "error", err)
		os.Exit(1)
	}
	participant := os.Args[2]
	pterm.Info.Printfln("Participant %s, coupled with %s", participant, partnerOf(cfg, participant))

	comm, err := openIntraComm(cfg, participant, rank)
	if err != nil {
		logger.Error("failed to start the rank", "rank", rank, "error", err)
		os.Exit(1)
	}
	if comm.Size() > 1 {
		logger = logger.With("rank", comm.Rank())
		pterm.Info.Printfln("Rank %d of %d", comm.Rank(), comm.Size())
	}

	spinner, _ := pterm.DefaultSpinner.Start("Connecting to the coupling partner ...")
	conn, err := connect(context.Background(), cfg, participant, comm, logger)
	if err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success()

	d, err := run(cfg, participant, conn, logger)
	err = errors.Join(err, conn.Close())
	if err != nil {
		logger.Error("coupling failed", "error", err)
		os.Exit(1)
	}
	printSummary(participant, d.history)
	if cfg.History != "" && comm.Rank() == 0 {
		path, err := writeHistory(cfg.History, participant, d.history)
		if err != nil {
			logger.Error("failed to write history", "error", err)
			os.Exit(1)
		}
		pterm.Success.Printfln("History written to %s", path)
	}
}

func partnerOf(cfg runConfig, participant string) string {
	if participant == cfg.Coupling.First {
		return cfg.Coupling.Second
	}
	return cfg.Coupling.First
}

// connection is the link to the partner, the ranks of this participant and
// the registry this process serves, if any.
type connection struct {
	m2n      *network.M2N
	comm     network.IntraComm
	dir      discovery.Directory
	registry *discovery.Registry
}

func (c connection) Close() error {
	err := c.m2n.Close()
	if c.registry != nil {
		err = errors.Join(err, c.registry.Close())
	}
	if closer, ok := c.comm.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}

func openDirectory(cfg runConfig, participant string, rank int) (discovery.Directory, *discovery.Registry, error) {
	d := cfg.Discovery
	if d.Registry == "" {
		dir, err := discovery.NewFileDirectory(d.Directory)
		return dir, nil, err
	}
	host, port, err := splitHostPort(d.Registry, 9000)
	if err != nil {
		return nil, nil, err
	}
	var registry *discovery.Registry
	if d.ServeRegistry && participant == cfg.Coupling.First && rank == 0 {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, nil, fmt.Errorf("registry port: %w", err)
		}
		if registry, err = discovery.NewRegistry(discovery.WithHost(host), discovery.WithPort(uint16(p))); err != nil {
			return nil, nil, err
		}
	}
	return discovery.NewClient("http://"+net.JoinHostPort(host, port), cfg.timeout()), registry, nil
}

// connect links participant to its partner. The first participant accepts,
// the second requests. Every rank of participant calls it with its comm.
func connect(ctx context.Context, cfg runConfig, participant string, comm network.IntraComm, logger *slog.Logger) (connection, error) {
	first, second := cfg.Coupling.First, cfg.Coupling.Second
	if participant != first && participant != second {
		return connection{}, fmt.Errorf("%q is neither %q nor %q", participant, first, second)
	}
	dir, registry, err := openDirectory(cfg, participant, comm.Rank())
	if err != nil {
		return connection{}, err
	}
	host, err := listenHost(cfg.Discovery)
	if err != nil {
		return connection{}, err
	}
	m2n := network.NewM2N(dir,
		network.WithIntraComm(comm),
		network.WithM2NLogger(logger),
		network.WithChannelOptions(network.WithHost(host)),
	)
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	if participant == first {
		err = m2n.AcceptConnection(ctx, first, second)
	} else {
		err = m2n.RequestConnection(ctx, first, second)
	}
	conn := connection{m2n: m2n, comm: comm, dir: dir, registry: registry}
	if err != nil {
		return connection{}, errors.Join(err, conn.Close())
	}
	logger.Info("connected", "participant", participant, "partner", partnerOf(cfg, participant))
	return conn, nil
}

// dummy is a solver that writes read + 1 into every written data.
type dummy struct {
	scheme  *cplscheme.Scheme
	reads   []*mesh.Data
	writes  []*mesh.Data
	dt      float64
	history *history.Log
	logger  *slog.Logger
}

func newDummy(cfg runConfig, participant string, conn connection, logger *slog.Logger) (*dummy, error) {
	d := &dummy{dt: cfg.TimeStep, history: history.NewLog(), logger: logger}
	scfg := cfg.schemeConfig(participant)
	scfg.Logger = logger
	scfg.History = d.history
	scfg.IntraComm = conn.comm
	accelerates := participant == cfg.Coupling.Second
	if accelerates {
		acc, err := cfg.newAcceleration(conn.comm,
			impl.WithDirectory(conn.dir),
			impl.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		scfg.Acceleration = acc
	}
	s, err := cplscheme.NewParallelScheme(scfg, conn.m2n)
	if err != nil {
		return nil, err
	}
	d.scheme = s

	for i, e := range cfg.Coupling.Exchanges {
		data := mesh.NewData(i, e.Data, 1)
		data.Allocate(localVertices(cfg.Vertices, conn.comm.Rank(), conn.comm.Size()))
		switch participant {
		case e.From:
			err = s.AddDataToSend(data, e.Initialize)
			d.writes = append(d.writes, data)
		case e.To:
			err = s.AddDataToReceive(data, e.Initialize)
			d.reads = append(d.reads, data)
		}
		if err != nil {
			return nil, err
		}
	}
	if !accelerates {
		return d, nil
	}
	for _, m := range cfg.Coupling.Convergence {
		measure, err := newMeasure(m)
		if err != nil {
			return nil, err
		}
		var opts []cplscheme.MeasureOption
		if m.Suffices {
			opts = append(opts, cplscheme.Suffices())
		}
		if m.Strict {
			opts = append(opts, cplscheme.Strict())
		}
		if err := s.AddConvergenceMeasure(cfg.dataID(m.Data), measure, opts...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *dummy) compute() {
	for _, w := range d.writes {
		values := w.Values()
		for i := range values {
			if len(d.reads) > 0 {
				values[i] = d.reads[0].Values()[i] + 1
			} else {
				values[i]++
			}
		}
	}
}

func (d *dummy) fulfil(action string) error {
	if !d.scheme.IsActionRequired(action) {
		return nil
	}
	d.logger.Debug("fulfilling action", "action", action)
	return d.scheme.MarkActionFulfilled(action)
}

func (d *dummy) solve() error {
	s := d.scheme
	maxDt, err := s.Initialize()
	if err != nil {
		return err
	}
	if s.IsActionRequired(cplscheme.ActionWriteInitialData) {
		d.compute()
		if err := d.fulfil(cplscheme.ActionWriteInitialData); err != nil {
			return err
		}
	}
	if s.SendsInitializedData() || s.ReceivesInitializedData() {
		if err := s.InitializeData(); err != nil {
			return err
		}
	}
	for s.IsCouplingOngoing() {
		// the dummy has no state of its own to save or restore
		if err := d.fulfil(cplscheme.ActionWriteIterationCheckpoint); err != nil {
			return err
		}
		d.compute()
		dt := maxDt
		if d.dt > 0 && d.dt < dt {
			dt = d.dt
		}
		if maxDt, err = s.Advance(dt); err != nil {
			return err
		}
		if err := d.fulfil(cplscheme.ActionReadIterationCheckpoint); err != nil {
			return err
		}
	}
	return s.Finalize()
}

// run couples participant over conn until the coupling ends.
func run(cfg runConfig, participant string, conn connection, logger *slog.Logger) (*dummy, error) {
	d, err := newDummy(cfg, participant, conn, logger)
	if err != nil {
		return nil, err
	}
	if err := d.solve(); err != nil {
		return nil, err
	}
	return d, nil
}

func writeHistory(dir, participant string, log *history.Log) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, participant+".json")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	err = log.WriteJSON(f)
	return path, errors.Join(err, f.Close())
}
