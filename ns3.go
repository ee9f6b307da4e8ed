package tcpsim

// ns3.go binds an external packet-level simulator as an Engine.  The
// external process runs the request over a dumbbell with the same link
// characteristics, writes per-flow delimited traces, and this binding
// reshapes them into the sample schema the tick engine produces, so
// callers cannot tell the two apart.

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// PacketEngine shells out to a packet-level simulator build tree
type PacketEngine struct {
	Dir string // root of the simulator build tree
}

// CreatePacketEngine is a constructor
func CreatePacketEngine(dir string) *PacketEngine {
	pe := new(PacketEngine)
	pe.Dir = dir
	return pe
}

func (pe *PacketEngine) Name() string { return "ns3" }

// engineAlgo maps normalized algorithm names to the simulator's TCP
// type identifiers
func engineAlgo(algorithm string) (string, error) {
	algo, err := normalizeAlgorithm(algorithm)
	if err != nil {
		return "", err
	}
	switch algo {
	case AlgoReno:
		return "TcpNewReno", nil
	case AlgoCubic:
		return "TcpCubic", nil
	case AlgoBBR:
		return "TcpBbr", nil
	}
	panic(fmt.Sprintf("normalized algorithm %s has no engine mapping", algo))
}

// run executes one simulator program and returns the combined stderr on
// failure
func (pe *PacketEngine) run(ctx context.Context, program, args string) error {
	cmd := exec.CommandContext(ctx, "./waf", "--run", program+" "+args)
	cmd.Dir = pe.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return &TimeoutError{SimTime: 0.0}
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) == 0 {
			msg = err.Error()
		}
		return fmt.Errorf("packet engine %s: %s", program, msg)
	}
	return nil
}

// SimulateSingle runs one flow through the external simulator's single
// bottleneck program
func (pe *PacketEngine) SimulateSingle(ctx context.Context, req SingleFlowRequest) ([]Sample, error) {
	if err := validateSingle(req); err != nil {
		return nil, err
	}
	algo, err := engineAlgo(req.Algorithm)
	if err != nil {
		return nil, err
	}

	args := fmt.Sprintf("--algo=%s --rate=%gMbps --delay=%gms --bufferPkts=%d --duration=%g --mss=%d",
		algo, req.Bandwidth, req.Delay, req.Buffer, req.Duration, req.MSS)
	if err := pe.run(ctx, "tcp_single", args); err != nil {
		return nil, err
	}
	return pe.readTrace(filepath.Join(pe.Dir, "trace.csv"))
}

// SimulateMulti runs the declared flows through the external
// simulator's shared-bottleneck program.  The external tree only models
// a dumbbell, so the topology template is ignored and the global link
// parameters describe the one bottleneck.
func (pe *PacketEngine) SimulateMulti(ctx context.Context, req MultiFlowRequest) (map[string][]Sample, *DebugInfo, error) {
	if err := validateMulti(req); err != nil {
		return nil, nil, err
	}

	algos := make([]string, len(req.Flows))
	for idx, fd := range req.Flows {
		algo, err := engineAlgo(fd.Algorithm)
		if err != nil {
			return nil, nil, err
		}
		algos[idx] = algo
	}

	lp := req.LinkParams.withDefaults()
	args := fmt.Sprintf("--flows=%s --rate=%gMbps --delay=%gms --bufferPkts=%d --duration=%g --mss=%d",
		strings.Join(algos, ","), lp.Bandwidth, lp.Delay, lp.Buffer, lp.Duration, lp.MSS)
	if err := pe.run(ctx, "tcp_multi", args); err != nil {
		return nil, nil, err
	}

	traces := make(map[string][]Sample)
	for idx, fd := range req.Flows {
		series, err := pe.readTrace(filepath.Join(pe.Dir, fmt.Sprintf("trace_flow%d.csv", idx)))
		if err != nil {
			return nil, nil, err
		}
		traces[fd.ID] = series
	}
	return traces, nil, nil
}

// readTrace parses one delimited trace file into samples
func (pe *PacketEngine) readTrace(path string) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	rdr := csv.NewReader(file)
	rows, err := rdr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("trace file %s is empty", path)
	}

	col := make(map[string]int)
	for idx, name := range rows[0] {
		col[strings.TrimSpace(name)] = idx
	}
	for _, name := range []string{"time", "cwnd_pkts", "throughput_mbps"} {
		if _, present := col[name]; !present {
			return nil, fmt.Errorf("trace file %s lacks column %s", path, name)
		}
	}

	field := func(row []string, name string) float64 {
		idx, present := col[name]
		if !present || idx >= len(row) {
			return 0.0
		}
		v, perr := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
		if perr != nil {
			return 0.0
		}
		return v
	}

	samples := make([]Sample, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		smpl := Sample{
			Time:       field(row, "time"),
			Cwnd:       field(row, "cwnd_pkts"),
			Throughput: field(row, "throughput_mbps"),
			Buffer:     int(field(row, "buffer_pkts")),
			Inflight:   int(field(row, "inflight_pkts")),
			Phase:      "ns3",
		}
		samples = append(samples, smpl)
	}
	return samples, nil
}
