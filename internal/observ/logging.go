package observ

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

var debugEnabled = os.Getenv("WATCHDOG_DEBUG") == "true"

func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// Debug logs only when WATCHDOG_DEBUG=true; used for dropped lines and other
// per-event noise that would swamp the output at normal feed volume.
func Debug(event string, kv map[string]any) {
	if !debugEnabled {
		return
	}
	if kv == nil {
		kv = map[string]any{}
	}
	kv["level"] = "debug"
	Log(event, kv)
}

func Warn(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["level"] = "warn"
	Log(event, kv)
}
