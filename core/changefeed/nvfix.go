// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changefeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

var nvfixEscaper = strings.NewReplacer(`\`, `\\`, `=`, `\=`, `;`, `\;`)

// NVFIX renders the record's fields in the legacy name=value; text form.
// Every pair is terminated by a semicolon. Backslashes, equals signs and
// semicolons inside names or values are escaped with a backslash. Nil values
// are rendered as an empty value.
func (r FlatRecord) NVFIX() string {
	var b strings.Builder
	for _, f := range r.Fields {
		b.WriteString(nvfixEscaper.Replace(f.Name))
		b.WriteByte('=')
		b.WriteString(nvfixEscaper.Replace(formatScalar(f.Value)))
		b.WriteByte(';')
	}
	return b.String()
}

func formatScalar(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// ParseNVFIX parses the name=value; text form produced by NVFIX. Values are
// returned as strings in the order they appear. The terminating semicolon
// of the last pair may be omitted.
func ParseNVFIX(text string) ([]Field, error) {
	var (
		fields  []Field
		name    strings.Builder
		value   strings.Builder
		inValue bool
		started bool
	)
	flush := func() error {
		if !inValue {
			return errors.NotValidf("nvfix pair %q without value", name.String())
		}
		if name.Len() == 0 {
			return errors.NotValidf("nvfix pair with empty name")
		}
		fields = append(fields, Field{Name: name.String(), Value: value.String()})
		name.Reset()
		value.Reset()
		inValue, started = false, false
		return nil
	}

	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == '\\':
			i++
			if i == len(text) {
				return nil, errors.NotValidf("nvfix trailing escape")
			}
			ch = text[i]
		case ch == '=' && !inValue:
			inValue, started = true, true
			continue
		case ch == '=':
			return nil, errors.NotValidf("nvfix unescaped %q in value of %q", ch, name.String())
		case ch == ';':
			if err := flush(); err != nil {
				return nil, errors.Trace(err)
			}
			continue
		}

		started = true
		if inValue {
			value.WriteByte(ch)
		} else {
			name.WriteByte(ch)
		}
	}
	if started {
		if err := flush(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return fields, nil
}
