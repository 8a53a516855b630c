// Package binding observes runtime identity (C3) and enforces policy
// binding-mode rules against a proof's public outputs (C4).
package binding

import (
	"log"
	"os"
	"regexp"
	"strings"
)

const bindingVarPrefix = "CHAINBORN_BINDING_"

var hexIDPattern = regexp.MustCompile(`^[0-9a-f]{12,64}$`)

var cgroupContainerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/docker/([0-9a-f]{12,64})(?:$|/)`),
	regexp.MustCompile(`/docker-([0-9a-f]{12,64})\.scope`),
	regexp.MustCompile(`/kubepods/.*/pod[^/]*/([0-9a-f]{12,64})`),
}

// Data is a mapping from well-known or custom binding keys to their
// collected values.
type Data map[string]string

// Collector observes runtime identity. Its sources are overridable for
// testing; the zero value reads the real environment and filesystem.
type Collector struct {
	Hostname  func() (string, error)
	Getenv    func(string) string
	Environ   func() []string
	ReadFile  func(string) ([]byte, error)
}

// NewCollector returns a Collector wired to the real process environment.
func NewCollector() *Collector {
	return &Collector{
		Hostname: os.Hostname,
		Getenv:   os.Getenv,
		Environ:  os.Environ,
		ReadFile: os.ReadFile,
	}
}

func (c *Collector) hostname() (string, error) {
	if c.Hostname != nil {
		return c.Hostname()
	}
	return os.Hostname()
}

func (c *Collector) getenv(key string) string {
	if c.Getenv != nil {
		return c.Getenv(key)
	}
	return os.Getenv(key)
}

func (c *Collector) environ() []string {
	if c.Environ != nil {
		return c.Environ()
	}
	return os.Environ()
}

func (c *Collector) readFile(path string) ([]byte, error) {
	if c.ReadFile != nil {
		return c.ReadFile(path)
	}
	return os.ReadFile(path)
}

// Collect observes runtime identity from all sources. Errors in individual
// sources are logged and skipped; Collect never fails the request.
func (c *Collector) Collect() Data {
	data := Data{}

	if host, err := c.hostname(); err != nil {
		log.Printf("binding: hostname source unavailable: %v", err)
	} else if v := strings.TrimSpace(host); v != "" {
		data["hostname"] = v
	}

	if id := c.containerID(); id != "" {
		data["container_id"] = id
	}

	if v := firstNonEmpty(c.getenv("K8S_NAMESPACE"), c.getenv("KUBERNETES_NAMESPACE")); v != "" {
		data["k8s_namespace"] = v
	}
	if v := firstNonEmpty(c.getenv("K8S_POD_NAME"), c.getenv("KUBERNETES_POD_NAME")); v != "" {
		data["k8s_pod_name"] = v
	}

	for _, kv := range c.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(strings.ToUpper(name), bindingVarPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, name[:len(bindingVarPrefix)]))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		data[key] = value
	}

	return data
}

func (c *Collector) containerID() string {
	if host := strings.TrimSpace(c.getenv("HOSTNAME")); hexIDPattern.MatchString(strings.ToLower(host)) {
		return strings.ToLower(host)
	}

	raw, err := c.readFile("/proc/self/cgroup")
	if err != nil {
		log.Printf("binding: container_id source unavailable: %v", err)
		return ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(strings.ToLower(line))
		if line == "" {
			continue
		}
		for _, pat := range cgroupContainerPatterns {
			if m := pat.FindStringSubmatch(line); m != nil {
				return m[1]
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
