// Package mserror classifies the failures of the cabinet decompressors.
//
// Every error returned by the codecs and the folder decoder is an [*Error]
// carrying a [Kind]. Callers test the kind with errors.Is against the
// sentinel values, for example errors.Is(err, mserror.ErrDecrunch).
package mserror

import (
	"errors"
	"fmt"
)

type Kind int

const (
	_ Kind = iota
	Signature
	DataFormat
	Read
	Write
	Decrunch
	Args
	Checksum
)

var (
	ErrSignature  = errors.New("bad signature")
	ErrDataFormat = errors.New("bad data format")
	ErrRead       = errors.New("read error")
	ErrWrite      = errors.New("write error")
	ErrDecrunch   = errors.New("error in compressed data")
	ErrArgs       = errors.New("bad arguments")
	ErrChecksum   = errors.New("bad checksum")
)

var sentinels = map[Kind]error{
	Signature:  ErrSignature,
	DataFormat: ErrDataFormat,
	Read:       ErrRead,
	Write:      ErrWrite,
	Decrunch:   ErrDecrunch,
	Args:       ErrArgs,
	Checksum:   ErrChecksum,
}

func (k Kind) String() string {
	if s, ok := sentinels[k]; ok {
		return s.Error()
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error is a classified failure. Op names the stage that failed
// ("lzx", "quantum", "block" ...), Err optionally wraps a cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New returns an error of the given kind with a formatted message.
func New(k Kind, op string, format string, args ...any) error {
	return &Error{Kind: k, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err gives nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf reports the kind of err, or 0 if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
