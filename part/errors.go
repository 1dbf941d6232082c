package part

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPart      = errors.New("malformed part")
	ErrCorruptPart        = errors.New("corrupt part")
	ErrSchemaIncompatible = errors.New("schema incompatible")
	ErrOverlap            = errors.New("part overlaps an active part")
	ErrNotFound           = errors.New("not found")
)

type (
	// MalformedPartError is a structural problem: a required file is missing, extra or unreadable.
	MalformedPartError struct {
		Part   string
		File   string
		Reason string
	}

	// CorruptPartError is a checksum or row count mismatch.
	CorruptPartError struct {
		Part   string
		File   string
		Reason string
	}

	// SchemaIncompatibleError is an irreconcilable difference between a part and the table.
	SchemaIncompatibleError struct {
		Part     string
		Column   string
		PartType string
		Reason   string
	}

	OverlapError struct {
		Part        string
		Partition   string
		Conflicting string
	}

	NotFoundError struct {
		// Kind is "part", "partition", "table" or "epoch"
		Kind string
		Name string
	}
)

func (e *MalformedPartError) Error() string {
	return fmt.Sprintf("malformed part %s: %s: %s", e.Part, e.File, e.Reason)
}

func (e *MalformedPartError) Is(target error) bool { return target == ErrMalformedPart }

func (e *MalformedPartError) IsPermanent() bool { return true }

func (e *CorruptPartError) Error() string {
	return fmt.Sprintf("corrupt part %s: %s: %s", e.Part, e.File, e.Reason)
}

func (e *CorruptPartError) Is(target error) bool { return target == ErrCorruptPart }

func (e *CorruptPartError) IsPermanent() bool { return true }

func (e *SchemaIncompatibleError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("part %s is incompatible with the table schema: %s", e.Part, e.Reason)
	}
	return fmt.Sprintf("part %s column %s (%s) is incompatible with the table schema: %s", e.Part, e.Column, e.PartType, e.Reason)
}

func (e *SchemaIncompatibleError) Is(target error) bool { return target == ErrSchemaIncompatible }

func (e *OverlapError) Error() string {
	return fmt.Sprintf("part %s overlaps part %s in partition %s", e.Part, e.Conflicting, e.Partition)
}

func (e *OverlapError) Is(target error) bool { return target == ErrOverlap }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func malformed(name, file, format string, args ...any) error {
	return &MalformedPartError{Part: name, File: file, Reason: fmt.Sprintf(format, args...)}
}
