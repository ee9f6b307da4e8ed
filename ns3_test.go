package tcpsim

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEngineAlgoMapping(t *testing.T) {
	cases := map[string]string{
		"reno": "TcpNewReno", "cubic": "TcpCubic", "BBR": "TcpBbr",
	}
	for spelling, expected := range cases {
		got, err := engineAlgo(spelling)
		if err != nil {
			t.Errorf("%q: %v", spelling, err)
			continue
		}
		if got != expected {
			t.Errorf("%q: got %s, expected %s", spelling, got, expected)
		}
	}
	if _, err := engineAlgo("vegas"); err == nil {
		t.Errorf("unsupported algorithm mapped")
	}
}

func TestPacketEngineReadTrace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.csv")
	blob := "time,cwnd_pkts,throughput_mbps,buffer_pkts,inflight_pkts\n" +
		"0.1,10,4.2,3,12\n" +
		"0.2,11,4.5,4,13\n"
	if err := os.WriteFile(path, []byte(blob), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pe := CreatePacketEngine(dir)
	samples, err := pe.readTrace(path)
	if err != nil {
		t.Fatalf("readTrace: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("%d samples, expected 2", len(samples))
	}
	first := samples[0]
	if first.Time != 0.1 || first.Cwnd != 10 || first.Throughput != 4.2 {
		t.Errorf("first sample mismatch: %+v", first)
	}
	if first.Buffer != 3 || first.Inflight != 12 {
		t.Errorf("queue fields mismatch: %+v", first)
	}
	if first.Phase != "ns3" {
		t.Errorf("phase %q, expected the engine marker", first.Phase)
	}
}

func TestPacketEngineReadTraceMissingColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.csv")
	if err := os.WriteFile(path, []byte("time,cwnd_pkts\n0.1,10\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pe := CreatePacketEngine(dir)
	if _, err := pe.readTrace(path); err == nil {
		t.Errorf("trace without a throughput column accepted")
	}
}
