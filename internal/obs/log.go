package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogEvent emits a structured JSON log line, stamping ts when the
// caller did not set one.
func LogEvent(entry map[string]any) {
	if _, ok := entry["ts"]; !ok {
		stamped := make(map[string]any, len(entry)+1)
		for k, v := range entry {
			stamped[k] = v
		}
		stamped["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
		entry = stamped
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
