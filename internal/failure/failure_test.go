package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapMatchesKindAndCause(t *testing.T) {
	cause := errors.New("ffmpeg exited 1")
	err := Wrap(ErrConversionFailed, cause)

	if !errors.Is(err, ErrConversionFailed) {
		t.Fatal("expected kind to match")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to match")
	}
	if KindOf(err) != KindConversionFailed {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if err.Error() != "conversion failed: ffmpeg exited 1" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWrapNilCause(t *testing.T) {
	if Wrap(ErrEngineBusy, nil) != ErrEngineBusy {
		t.Fatal("expected kind returned unchanged")
	}
}

func TestKindOfSurvivesOuterWrapping(t *testing.T) {
	err := fmt.Errorf("load model tiny: %w", Wrapf(ErrModelLoad, "open %s: missing", "tiny.bin"))
	if KindOf(err) != KindModelLoad {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
}

func TestKindOfForeignAndNil(t *testing.T) {
	if KindOf(nil) != KindNone {
		t.Fatal("nil should have no kind")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("foreign errors should be internal")
	}
}
