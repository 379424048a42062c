package main

import (
	"strings"
	"testing"

	"github.com/fisaks/labduino/internal/arduino"
)

func testSketch() *Sketch {
	return NewSketch(DeviceScenario{Name: "bench", Channels: 4, Start: 20, Min: 70, Max: 100})
}

func TestSketchEchoesCallNumber(t *testing.T) {
	s := testSketch()
	reply, ok := s.Handle("@callNum, 0123,")
	if !ok || reply != "Call Number received : 123" {
		t.Fatalf("expected echo of 123, got %q", reply)
	}
}

func TestSketchInitIsDecodable(t *testing.T) {
	s := testSketch()
	reply, _ := s.Handle("@init,")
	snap, err := arduino.DecodeFull(reply)
	if err != nil {
		t.Fatalf("DecodeFull(%q) failed: %v", reply, err)
	}
	if snap.Max != 100 || snap.Channels["4"] != 20 || snap.Output != arduino.OutputOff {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSketchPackCarriesOnlyChanges(t *testing.T) {
	s := testSketch()
	s.Handle("@init,")

	if reply, ok := s.Handle("@valueMax, 120,"); !ok || !strings.Contains(reply, "120") {
		t.Fatalf("unexpected confirmation %q", reply)
	}
	if _, ok := s.Handle("@SV,"); ok {
		t.Fatal("save must not reply")
	}

	reply, _ := s.Handle("@pack,")
	p, err := arduino.DecodePartial(reply)
	if err != nil {
		t.Fatalf("DecodePartial(%q) failed: %v", reply, err)
	}
	if p.Present != arduino.FieldMax || p.Max != 120 {
		t.Fatalf("expected only max=120, got %v %+v", p.Present, p)
	}

	reply, _ = s.Handle("@pack,")
	if p, _ := arduino.DecodePartial(reply); p.Present != 0 {
		t.Fatalf("expected empty packet, got %q", reply)
	}
}

func TestSketchDefaultsAndToggle(t *testing.T) {
	s := testSketch()
	s.Handle("@offsetValue, 2, 1.5,")
	s.Handle("@default,")
	if got := s.Snapshot().Offsets["2"]; got != 0 {
		t.Fatalf("expected offset restored to 0, got %v", got)
	}

	reply, _ := s.Handle("@defaultValues,")
	d, err := arduino.DecodeDefaults(reply)
	if err != nil || d.Min != 70 || d.Max != 100 {
		t.Fatalf("unexpected defaults %+v (%v)", d, err)
	}

	s.Handle("@status,")
	if !s.Snapshot().Output.On() {
		t.Fatal("expected output on after toggle")
	}
}

func TestSketchSilent(t *testing.T) {
	s := testSketch()
	silent := true
	s.Patch(SketchPatch{Silent: &silent})
	if _, ok := s.Handle("@callNum, 1,"); ok {
		t.Fatal("silent sketch must not reply")
	}
}
