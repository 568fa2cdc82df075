package talk

import (
	"fmt"
	"path"
	"runtime"
	"time"

	"github.com/glycerine/celltalk"
)

var verboseVerbose bool = false

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

func pp(format string, a ...interface{}) {
	if verboseVerbose {
		tsPrintf(format, a...)
	}
}

func vv(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

// shares the root package mutex so lines do not interleave
func tsPrintf(format string, a ...interface{}) {
	celltalk.TsPrintfMut.Lock()
	fmt.Printf("\n%s [goID %v] %s ", fileLine(3), celltalk.GoroNumber(), time.Now().UTC().Format(rfc3339NanoNumericTZ0pad))
	fmt.Printf(format+"\n", a...)
	celltalk.TsPrintfMut.Unlock()
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
