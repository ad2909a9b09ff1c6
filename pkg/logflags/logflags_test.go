package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLoggerDisabled(t *testing.T) {
	entry := makeLogger(false, logrus.Fields{"layer": "test"})
	if entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected level %v, got %v", logrus.ErrorLevel, entry.Logger.Level)
	}
	if entry.Data["layer"] != "test" {
		t.Fatalf("expected layer field to be set, got %v", entry.Data)
	}
}

func TestMakeLoggerEnabled(t *testing.T) {
	entry := makeLogger(true, logrus.Fields{"layer": "test"})
	if entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected level %v, got %v", logrus.DebugLevel, entry.Logger.Level)
	}
}

func TestSetupRejectsOutputWithoutLog(t *testing.T) {
	if err := Setup(false, "gdbwire", ""); err == nil {
		t.Fatal("expected error for --log-output without --log")
	}
}

func TestSetupComponents(t *testing.T) {
	defer func() { gdbWire, session, transfer, script = false, false, false, false }()
	if err := Setup(true, "gdbwire,session", ""); err != nil {
		t.Fatal(err)
	}
	if !GdbWire() || !Session() {
		t.Fatal("expected gdbwire and session components to be enabled")
	}
	if Transfer() || Script() {
		t.Fatal("unexpected component enabled")
	}
	if err := Setup(true, "nosuch", ""); err == nil {
		t.Fatal("expected error for unknown component")
	}
}
