package arduino

import (
	"context"
	"fmt"
	"time"

	"github.com/fisaks/labduino/internal/transport"
)

const testEcho = "Call Number received : 4821"

// testNow yields the call token "4821".
func testNow() time.Time { return time.Unix(1700004821, 0) }

type fakeRead struct {
	line string
	err  error
}

// fakeLine records every operation and answers reads from a script.
type fakeLine struct {
	ops     []string
	reads   []fakeRead
	flushes int
	closes  int
}

func (f *fakeLine) queue(lines ...string) {
	for _, l := range lines {
		f.reads = append(f.reads, fakeRead{line: l})
	}
}

func (f *fakeLine) queueErr(err error) {
	f.reads = append(f.reads, fakeRead{err: err})
}

func (f *fakeLine) WriteLine(_ context.Context, line string) error {
	f.ops = append(f.ops, "write "+line)
	return nil
}

func (f *fakeLine) ReadLine(_ context.Context, max int) (string, error) {
	f.ops = append(f.ops, fmt.Sprintf("read %d", max))
	if len(f.reads) == 0 {
		return "", &transport.NoResponseError{After: time.Second}
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	return r.line, r.err
}

func (f *fakeLine) Flush() error {
	f.ops = append(f.ops, "flush")
	f.flushes++
	return nil
}

func (f *fakeLine) Close() error {
	f.closes++
	return nil
}
