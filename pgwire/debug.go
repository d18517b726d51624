package pgwire

import (
	"fmt"
	"log"
	"os"
)

// debugEnabled turns on human-readable logging of every decoded and
// emitted message. Set DEBUG_PG_SERVER=true in the environment.
var debugEnabled = os.Getenv("DEBUG_PG_SERVER") == "true"

func debugDecoded(dir, name string, msg any) {
	if !debugEnabled {
		return
	}
	log.Printf("pgwire %s %s %s", dir, name, compactDump(msg))
}

func debugEmitted(dir, name string, size int) {
	if !debugEnabled {
		return
	}
	log.Printf("pgwire %s %s (%d bytes)", dir, name, size)
}

// compactDump renders a message for the debug log, truncating long
// payloads so a COPY stream does not flood the output.
func compactDump(msg any) string {
	s := fmt.Sprintf("%+v", msg)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
