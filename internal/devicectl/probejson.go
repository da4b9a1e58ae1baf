package devicectl

import (
	"strings"

	"github.com/tidwall/gjson"
)

// pidKeys and binaryKeys are probed in priority order; the first match wins.
// The devicectl JSON layout varies across tool versions, so the probe is a
// depth-first walk rather than a fixed path.
var (
	pidKeys    = []string{"processIdentifier", "pid"}
	binaryKeys = []string{
		"app_binary",
		"appBinary",
		"executablePath",
		"executableURL",
		"appExecutable",
		"program",
	}
)

// ExtractProcessIdentifier finds the launched process id anywhere in the
// tool's JSON output.
func ExtractProcessIdentifier(data []byte) (int64, bool) {
	root := gjson.ParseBytes(data)
	for _, key := range pidKeys {
		if v, ok := findValue(root, key, gjson.Number); ok {
			return v.Int(), true
		}
	}
	return 0, false
}

// ExtractAppBinary finds the installed app's executable path anywhere in the
// tool's JSON output.
func ExtractAppBinary(data []byte) (string, bool) {
	root := gjson.ParseBytes(data)
	for _, key := range binaryKeys {
		if v, ok := findValue(root, key, gjson.String); ok {
			if path := strings.TrimSpace(v.String()); path != "" {
				return path, true
			}
		}
	}
	return "", false
}

// findValue walks the JSON tree depth first and returns the first value of
// the wanted type stored under key.
func findValue(node gjson.Result, key string, want gjson.Type) (gjson.Result, bool) {
	if node.IsObject() {
		direct := node.Get(key)
		if direct.Exists() && direct.Type == want {
			return direct, true
		}
	}
	var (
		found  gjson.Result
		hasHit bool
	)
	if node.IsObject() || node.IsArray() {
		node.ForEach(func(_, child gjson.Result) bool {
			if v, ok := findValue(child, key, want); ok {
				found, hasHit = v, true
				return false
			}
			return true
		})
	}
	return found, hasHit
}
