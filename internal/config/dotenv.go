package config

import (
	"log"
	"os"
	"strings"
)

// LoadEnv loads TUNL_* (plus PORT) environment variables from a .env
// file, the way croaky-tun's LoadEnv does. Existing environment
// variables are never overwritten, so deployment-provided values always
// win over file defaults. A missing file is silently ignored.
func LoadEnv(name string) {
	data, err := os.ReadFile(name)
	if err != nil {
		return
	}
	for _, ln := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(ln)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			log.Printf("config: malformed .env line: %s", line)
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		v = strings.Trim(v, "\"'")
		if !strings.HasPrefix(k, "TUNL_") && k != "PORT" {
			continue
		}
		if os.Getenv(k) == "" {
			_ = os.Setenv(k, v)
		}
	}
}
