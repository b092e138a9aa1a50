// Package teardown aggregates errors from closing many resources.
//
// Teardown never stops at the first failure: every sibling is still closed and
// the failures are reported together. The first failure becomes the primary
// error, the rest are attached as suppressed.
package teardown

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Error is the aggregate of one or more teardown failures.
type Error struct {
	Primary    error
	Suppressed []error
}

func (e *Error) Error() string {
	if len(e.Suppressed) == 0 {
		return e.Primary.Error()
	}
	var b strings.Builder
	b.WriteString(e.Primary.Error())
	fmt.Fprintf(&b, " (and %d suppressed:", len(e.Suppressed))
	for i, s := range e.Suppressed {
		if i > 0 {
			b.WriteString(";")
		}
		b.WriteString(" ")
		b.WriteString(s.Error())
	}
	b.WriteString(")")
	return b.String()
}

// Unwrap exposes the primary and every suppressed error to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 1+len(e.Suppressed))
	out = append(out, e.Primary)
	return append(out, e.Suppressed...)
}

// Collector accumulates errors. The zero value is ready to use.
type Collector struct {
	errs []error
}

// Add records err if it is non-nil. A nested *Error is flattened.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	var te *Error
	if errors.As(err, &te) && te == err {
		c.errs = append(c.errs, te.Unwrap()...)
		return
	}
	c.errs = append(c.errs, err)
}

// Close closes cl and records its error.
func (c *Collector) Close(cl io.Closer) {
	if cl == nil {
		return
	}
	c.Add(cl.Close())
}

// Len reports how many errors were recorded.
func (c *Collector) Len() int {
	return len(c.errs)
}

// Err returns nil when nothing failed, or an *Error with the first failure as
// primary.
func (c *Collector) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return &Error{Primary: c.errs[0], Suppressed: append([]error(nil), c.errs[1:]...)}
}
