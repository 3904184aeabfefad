package core

import (
	"errors"
	"fmt"
	"testing"

	"geneatlas/internal/model"
)

func TestCodeOfUnwrapsWrappedErrors(t *testing.T) {
	base := Errorf(CodeConflict, "dataset %s exists", "110/homo_sapiens/GRCh38")
	wrapped := fmt.Errorf("publish: %w", base)
	if got := CodeOf(wrapped); got != CodeConflict {
		t.Fatalf("expected conflict, got %s", got)
	}
	if !IsCode(wrapped, CodeConflict) || IsCode(wrapped, CodeNotFound) {
		t.Fatalf("IsCode mismatch")
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("expected internal default, got %s", got)
	}
	cause := errors.New("disk full")
	if err := Wrap(CodeIO, cause, "write"); !errors.Is(err, cause) {
		t.Fatalf("wrap must preserve cause")
	}
}

func TestCheckPublicationGates(t *testing.T) {
	id := model.DatasetID{Release: "110", Species: "homo_sapiens", Assembly: "GRCh38"}
	sqlite := []byte(model.SQLiteMagic + "payload")
	manifest := []byte(`{"dataset":{"release":"110","species":"homo_sapiens","assembly":"GRCh38"}}`)
	_, err := CheckPublication(id, manifest, sqlite, model.SHA256Hex(manifest), "deadbeef")
	if !IsCode(err, CodeValidation) {
		t.Fatalf("expected checksum validation error, got %v", err)
	}
	_, err = CheckPublication(id, manifest, sqlite, model.SHA256Hex(manifest), model.SHA256Hex(sqlite))
	if !IsCode(err, CodeValidation) {
		t.Fatalf("expected strict manifest validation error, got %v", err)
	}
	plain := []byte("not sqlite")
	_, err = CheckPublication(id, manifest, plain, model.SHA256Hex(manifest), model.SHA256Hex(plain))
	if !IsCode(err, CodeValidation) {
		t.Fatalf("expected header validation error, got %v", err)
	}
}
