package logger

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Redactor masks sensitive values inside free text.
type Redactor interface {
	RedactString(s string) string
}

// RedactorFunc adapts a function to Redactor.
type RedactorFunc func(string) string

// RedactString implements Redactor.
func (f RedactorFunc) RedactString(s string) string { return f(s) }

// redactingCore rewrites entry messages and fields before handing them to
// the wrapped core.
type redactingCore struct {
	zapcore.Core
	redactor Redactor
}

// NewRedactingCore wraps core so that every message and field is passed
// through r. Structured fields (arrays, objects, reflected values) that
// contain something to redact are flattened to their JSON text. A nil
// redactor returns core unchanged.
func NewRedactingCore(core zapcore.Core, r Redactor) zapcore.Core {
	if r == nil {
		return core
	}
	return &redactingCore{Core: core, redactor: r}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redactFields(fields)), redactor: c.redactor}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.redactor.RedactString(ent.Message)
	return c.Core.Write(ent, c.redactFields(fields))
}

func (c *redactingCore) redactFields(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		redacted, ok := c.redactField(f)
		if !ok {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = redacted
	}
	if out == nil {
		return fields
	}
	return out
}

// redactField returns a replacement for f when its rendered value changes
// under the redactor.
func (c *redactingCore) redactField(f zapcore.Field) (zapcore.Field, bool) {
	switch f.Type {
	case zapcore.StringType:
		if s := c.redactor.RedactString(f.String); s != f.String {
			f.String = s
			return f, true
		}

	case zapcore.ByteStringType:
		raw, _ := f.Interface.([]byte)
		if s := c.redactor.RedactString(string(raw)); s != string(raw) {
			f.Interface = []byte(s)
			return f, true
		}

	case zapcore.ErrorType:
		err, ok := f.Interface.(error)
		if !ok || err == nil {
			return f, false
		}
		msg := safeError(err)
		if s := c.redactor.RedactString(msg); s != msg {
			f.Interface = redactedError(s)
			return f, true
		}

	case zapcore.StringerType:
		str, ok := f.Interface.(fmt.Stringer)
		if !ok {
			return f, false
		}
		text := safeString(str)
		if s := c.redactor.RedactString(text); s != text {
			return zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: s}, true
		}

	case zapcore.ArrayMarshalerType, zapcore.ObjectMarshalerType, zapcore.ReflectType:
		text, ok := encodeField(f)
		if !ok {
			return f, false
		}
		if s := c.redactor.RedactString(text); s != text {
			return zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: s}, true
		}
	}
	return f, false
}

// encodeField renders a structured field as JSON text.
func encodeField(f zapcore.Field) (string, bool) {
	enc := zapcore.NewMapObjectEncoder()
	f.AddTo(enc)
	value, ok := enc.Fields[f.Key]
	if !ok {
		return "", false
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value), true
	}
	return string(b), true
}

func safeError(err error) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return err.Error()
}

func safeString(str fmt.Stringer) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return str.String()
}

// redactedError stands in for an error whose text was redacted.
type redactedError string

func (e redactedError) Error() string { return string(e) }
